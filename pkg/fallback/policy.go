// Package fallback supplies canned replies when no completion is available.
package fallback

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/harun/sandesh/pkg/language"
)

// Category is the coarse intent of an inbound message.
type Category string

const (
	CategoryGreeting  Category = "GREETING"
	CategoryQuestion  Category = "QUESTION"
	CategoryGratitude Category = "GRATITUDE"
	CategoryDefault   Category = "DEFAULT"
)

var greetingWords = map[string]struct{}{
	"hi": {}, "hii": {}, "hello": {}, "hey": {}, "heya": {}, "namaste": {}, "namaskar": {},
	"hola": {}, "yo": {}, "sup": {}, "morning": {}, "gm": {},
}

var questionWords = map[string]struct{}{
	"what": {}, "how": {}, "why": {}, "when": {}, "where": {}, "who": {}, "which": {},
	"kya": {}, "kaise": {}, "kyun": {}, "kyu": {}, "kab": {}, "kaun": {}, "kahan": {}, "kitna": {},
}

var gratitudeWords = map[string]struct{}{
	"thank": {}, "thanks": {}, "thx": {}, "ty": {}, "shukriya": {}, "dhanyavaad": {},
	"dhanyawad": {}, "thankyou": {},
}

var defaultPools = map[Category][]string{
	CategoryGreeting: {
		"Hey! Kaise ho?",
		"Hello ji, sab badhiya?",
		"Arre hi! Kya haal hai?",
		"Hey hey, bolo bolo!",
	},
	CategoryQuestion: {
		"Hmm, achha sawaal hai. Thoda sochke batata hoon.",
		"Good question yaar, ek minute do mujhe.",
		"Pakka nahi pata, but I'll get back to you.",
		"Interesting! Main check karke batata hoon.",
	},
	CategoryGratitude: {
		"Arre koi baat nahi!",
		"Anytime yaar!",
		"Welcome ji, khushi hui.",
		"No problem at all!",
	},
	CategoryDefault: {
		"Haha achha, aur batao?",
		"Hmm samjha. Aur kya chal raha hai?",
		"Sahi hai! Tell me more.",
		"Okay okay, phir?",
	},
}

// Policy picks canned replies. It never fails and never blocks on I/O.
type Policy struct {
	mu    sync.Mutex
	rng   *rand.Rand
	pools map[Category][]string
}

// New creates a Policy drawing from src. A nil src is seeded from the clock.
func New(src rand.Source) *Policy {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	pools := make(map[Category][]string, len(defaultPools))
	for c, p := range defaultPools {
		pools[c] = append([]string(nil), p...)
	}
	return &Policy{rng: rand.New(src), pools: pools}
}

// WithPool replaces the pool for a category. Empty pools are ignored.
func (p *Policy) WithPool(category Category, replies []string) *Policy {
	if len(replies) == 0 {
		return p
	}
	p.mu.Lock()
	p.pools[category] = append([]string(nil), replies...)
	p.mu.Unlock()
	return p
}

// Categorize applies the keyword rules in priority order
// GREETING, QUESTION, GRATITUDE, DEFAULT.
func Categorize(text string) Category {
	tokens := language.Tokenize(text)
	has := func(set map[string]struct{}) bool {
		for _, t := range tokens {
			if _, ok := set[t]; ok {
				return true
			}
		}
		return false
	}

	switch {
	case has(greetingWords):
		return CategoryGreeting
	case strings.Contains(text, "?") || has(questionWords):
		return CategoryQuestion
	case has(gratitudeWords):
		return CategoryGratitude
	default:
		return CategoryDefault
	}
}

// Reply returns a random canned reply for text's category.
func (p *Policy) Reply(text string) string {
	reply, _ := p.ReplyWithCategory(text)
	return reply
}

// ReplyWithCategory is Reply that also reports the category used.
func (p *Policy) ReplyWithCategory(text string) (string, Category) {
	category := Categorize(text)

	p.mu.Lock()
	defer p.mu.Unlock()

	pool := p.pools[category]
	if len(pool) == 0 {
		pool = p.pools[CategoryDefault]
	}
	if len(pool) == 0 {
		return "Hmm, okay!", category
	}
	return pool[p.rng.Intn(len(pool))], category
}

// Pool returns a copy of the replies for a category.
func (p *Policy) Pool(category Category) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pools[category]...)
}
