package pairing

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager() (*Manager, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewManager(Options{TTL: time.Minute, Now: c.Now}), c
}

func TestManager_IssueAndConfirm(t *testing.T) {
	m, _ := newManager()

	p, err := m.Issue("s1")
	require.NoError(t, err)
	assert.Len(t, p.Code, CodeLength)
	for _, r := range p.Code {
		assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected rune %q", r)
	}

	got, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, p.Code, got.Code)

	require.NoError(t, m.Confirm("s1", p.Code))
	assert.ErrorIs(t, m.Confirm("s1", p.Code), ErrRequestNotFound, "codes are single use")
}

func TestManager_WrongCodeConsumesChallenge(t *testing.T) {
	m, _ := newManager()
	p, err := m.Issue("s1")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Confirm("s1", "WRONG234"), ErrCodeMismatch)
	assert.ErrorIs(t, m.Confirm("s1", p.Code), ErrRequestNotFound)
}

func TestManager_Expiry(t *testing.T) {
	m, c := newManager()
	p, err := m.Issue("s1")
	require.NoError(t, err)
	_, err = m.Issue("s2")
	require.NoError(t, err)

	c.Advance(time.Minute)
	assert.ErrorIs(t, m.Confirm("s1", p.Code), ErrExpired)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, m.PruneExpired())
	assert.Equal(t, 0, m.Len())
}

func TestManager_ReissueReplaces(t *testing.T) {
	m, _ := newManager()
	first, err := m.Issue("s1")
	require.NoError(t, err)
	second, err := m.Issue("s1")
	require.NoError(t, err)

	assert.Equal(t, 1, m.Len())
	if first.Code != second.Code {
		assert.ErrorIs(t, m.Confirm("s1", first.Code), ErrCodeMismatch)
	}

	m.Remove("s1")
	_, err = m.Get("s1")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}
