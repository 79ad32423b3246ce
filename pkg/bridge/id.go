package bridge

import (
	"fmt"
	"regexp"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idSuffixLength = 12

var sessionIDPattern = regexp.MustCompile(`^[0-9]{1,19}_[A-Za-z0-9_-]{12}$`)

// NewSessionID returns "{unix-millis}_{random}".
func NewSessionID(now time.Time) (string, error) {
	suffix, err := gonanoid.New(idSuffixLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return fmt.Sprintf("%d_%s", now.UnixMilli(), suffix), nil
}

// IsValidSessionID checks the shape of id without a registry lookup.
func IsValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
