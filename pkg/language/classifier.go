// Package language guesses which register a contact is writing in so replies
// can mirror it.
package language

import (
	"strings"
	"unicode"
)

// Register is the writing register of an inbound message.
type Register string

const (
	// RegisterHindi is Hindi in Devanagari script.
	RegisterHindi Register = "REGISTER_A"
	// RegisterEnglish is formal Latin-script English.
	RegisterEnglish Register = "REGISTER_B"
	// RegisterMixed is transliterated, code-switched Hinglish.
	RegisterMixed Register = "MIXED"
)

// String returns a short human name for logs and prompts.
func (r Register) String() string {
	switch r {
	case RegisterHindi:
		return "hindi"
	case RegisterEnglish:
		return "english"
	default:
		return "hinglish"
	}
}

var informalWords = toSet(
	"kaise", "kaisa", "kaisi", "ho", "hai", "hain", "hoon", "hu", "kya", "kyun", "kyu",
	"kab", "kaun", "kahan", "nahi", "nahin", "haan", "han", "acha", "accha", "achha",
	"theek", "thik", "bahut", "bohot", "kuch", "mujhe", "mera", "meri", "tera", "teri",
	"tum", "aap", "hum", "kar", "karo", "raha", "rahi", "rahe", "matlab", "chal", "chalo",
	"abhi", "yaar", "bhai", "arre", "arey", "na", "toh", "bhi", "sab", "kal", "aaj",
	"pata", "bol", "bolo", "samajh", "dekho", "lekin", "par", "aur", "wala", "wali",
	"mast", "badhiya", "scene", "jaldi", "khana", "ghar", "shukriya", "dhanyavaad",
)

var formalWords = toSet(
	"the", "is", "are", "was", "were", "you", "your", "how", "what", "when", "where",
	"why", "who", "today", "please", "thank", "thanks", "hello", "good", "morning",
	"evening", "afternoon", "would", "could", "should", "will", "can", "have", "has",
	"this", "that", "there", "doing", "regarding", "kindly", "appreciate", "help",
	"question", "and", "with", "for", "about", "do", "does", "my", "me", "i",
)

// Discourse markers decide the register on their own.
var markers = toSet("yaar", "arre", "arey", "bhai", "acha", "accha", "achha", "na")

// Classify returns the register of text. It is pure and deterministic.
//
// Devanagari text without Latin letters is RegisterHindi. Otherwise
// transliterated informal vocabulary outnumbering formal vocabulary, or any
// discourse marker, yields RegisterMixed; any formal match yields
// RegisterEnglish; everything else is RegisterMixed.
func Classify(text string) Register {
	devanagari, latin := scriptCounts(text)
	if devanagari > 0 && latin == 0 {
		return RegisterHindi
	}

	informal, formal := 0, 0
	for _, token := range Tokenize(text) {
		if _, ok := markers[token]; ok {
			return RegisterMixed
		}
		if _, ok := informalWords[token]; ok {
			informal++
		}
		if _, ok := formalWords[token]; ok {
			formal++
		}
	}

	switch {
	case informal > formal:
		return RegisterMixed
	case formal > 0:
		return RegisterEnglish
	default:
		return RegisterMixed
	}
}

// Tokenize lowercases text and splits it into runs of letters and digits.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsMark(r)
	})
}

func scriptCounts(text string) (devanagari, latin int) {
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Devanagari, r):
			devanagari++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	return devanagari, latin
}

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
