// Package shadow persists session records and per-contact history so a
// restarted bridge can rebuild its registry.
package shadow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/sandesh/pkg/history"
)

// Version is the only record layout this package reads and writes.
const Version = 1

var (
	// ErrSchemaViolation is returned when stored data does not match the
	// current record layout.
	ErrSchemaViolation = errors.New("shadow: schema violation")
	// ErrInvalidID is returned for IDs that are unsafe to use as keys or paths.
	ErrInvalidID = errors.New("shadow: invalid session id")
)

// MessageStats mirrors the session counters.
type MessageStats struct {
	Received uint64 `json:"received"`
	Sent     uint64 `json:"sent"`
	Errors   uint64 `json:"errors"`
}

// Record is the persisted form of one session.
type Record struct {
	Version        int          `json:"version"`
	ID             string       `json:"id"`
	Transport      string       `json:"transport"`
	State          string       `json:"state"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	MessageStats   MessageStats `json:"messageStats"`
	IsActive       bool         `json:"isActive"`
}

// History is a session's per-contact conversation log.
type History map[string][]history.Entry

// Store persists records and history. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveSessions replaces the stored record set.
	SaveSessions(ctx context.Context, records []Record) error
	LoadSessions(ctx context.Context) ([]Record, error)
	// DeleteSession removes the record and history of one session.
	DeleteSession(ctx context.Context, id string) error
	SaveHistory(ctx context.Context, id string, h History) error
	// LoadHistory returns an empty History when none is stored.
	LoadHistory(ctx context.Context, id string) (History, error)
	Close() error
}

// ValidateID rejects IDs that could escape a storage directory.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: cannot be empty", ErrInvalidID)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidID)
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidID)
	case strings.Contains(id, "\x00"):
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidID)
	}
	return nil
}

var knownStates = map[string]struct{}{
	"CREATED": {}, "INITIALIZING": {}, "QR_PENDING": {}, "AUTHENTICATED": {},
	"READY": {}, "DISCONNECTED": {}, "ERROR": {}, "DESTROYED": {},
}

// Validate checks a record independent of its encoding.
func (r Record) Validate() error {
	if r.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrSchemaViolation, r.Version)
	}
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if _, ok := knownStates[r.State]; !ok {
		return fmt.Errorf("%w: unknown state %q", ErrSchemaViolation, r.State)
	}
	return nil
}

var (
	sessionsSchema = gojsonschema.NewStringLoader(SessionsSchema)
	historySchema  = gojsonschema.NewStringLoader(HistorySchema)
)

// validateDocument checks data against schema.
func validateDocument(schema gojsonschema.JSONLoader, data []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(msgs, "; "))
	}
	return nil
}

// decodeStrict decodes data into v rejecting unknown fields.
func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}

// DecodeSessions validates and decodes a sessions document.
func DecodeSessions(data []byte) ([]Record, error) {
	if err := validateDocument(sessionsSchema, data); err != nil {
		return nil, err
	}
	var records []Record
	if err := decodeStrict(data, &records); err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return records, nil
}

type historyDocument struct {
	Version  int     `json:"version"`
	Contacts History `json:"contacts"`
}

// DecodeHistory validates and decodes a history document.
func DecodeHistory(data []byte) (History, error) {
	if err := validateDocument(historySchema, data); err != nil {
		return nil, err
	}
	var doc historyDocument
	if err := decodeStrict(data, &doc); err != nil {
		return nil, err
	}
	if doc.Contacts == nil {
		doc.Contacts = History{}
	}
	return doc.Contacts, nil
}

// EncodeHistory encodes h as a versioned history document.
func EncodeHistory(h History) ([]byte, error) {
	if h == nil {
		h = History{}
	}
	return json.MarshalIndent(historyDocument{Version: Version, Contacts: h}, "", "  ")
}
