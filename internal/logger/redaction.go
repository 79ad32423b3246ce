package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// rule replaces matches of re. When keep is set the first capture group is
// preserved so "password=x" becomes "password=[REDACTED]".
type rule struct {
	re   *regexp.Regexp
	keep bool
}

// Redactor masks credentials that can end up in log lines: provider keys,
// transport tokens, gateway bearer secrets and redis URLs.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the built-in rules.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			{re: regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_-]{20,}`)},
			{re: regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/=-]+`), keep: true},
			{re: regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_-]{30,}\b`)},
			{re: regexp.MustCompile(`syt_[A-Za-z0-9_=-]{10,}`)},
			{re: regexp.MustCompile(`(rediss?://[^:/@\s]*:)[^@\s]+(@)`), keep: true},
			{re: regexp.MustCompile(`(?i)((?:password|secret|api_key|access_token|bot_token)["']?\s*[:=]\s*["']?)[^\s"',}]+`), keep: true},
		},
	}
}

// AddPattern adds a pattern whose whole match is replaced.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re})
	return nil
}

// Redact returns s with every credential replaced.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		if !rl.keep {
			s = rl.re.ReplaceAllString(s, redacted)
			continue
		}
		s = rl.re.ReplaceAllStringFunc(s, func(m string) string {
			groups := rl.re.FindStringSubmatch(m)
			out := groups[1] + redacted
			if len(groups) > 2 {
				out += groups[2]
			}
			return out
		})
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
// The reported byte count is the length of the original input.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{next: w, redactor: r}
}

type redactingWriter struct {
	next     io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.next, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
