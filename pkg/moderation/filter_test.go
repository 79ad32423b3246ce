package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Check(t *testing.T) {
	f, err := New(Config{
		Enabled:         true,
		BlockedKeywords: []string{" Password ", ""},
		BlockedPatterns: []string{`\b\d{16}\b`},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		text    string
		blocked bool
	}{
		{"clean text", "theek hai, kal milte hain", false},
		{"keyword any case", "my PASSWORD is hunter2", true},
		{"pattern", "card 1234567812345678 ok", true},
		{"short number", "call 12345", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.Check(tt.text)
			if tt.blocked {
				assert.ErrorIs(t, err, ErrBlocked)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilter_Disabled(t *testing.T) {
	f, err := New(Config{BlockedKeywords: []string{"secret"}})
	require.NoError(t, err)
	assert.NoError(t, f.Check("secret"))

	var nilFilter *Filter
	assert.NoError(t, nilFilter.Check("secret"))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(Config{Enabled: true, BlockedPatterns: []string{"("}})
	assert.Error(t, err)
}
