package shadow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/sandesh/pkg/history"
)

// SQLiteStore keeps records and history in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "shadow-sqlite").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("SQLite shadow store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			transport TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			received INTEGER NOT NULL DEFAULT 0,
			sent INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS history (
			session_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			direction TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (session_id, contact_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_history_session ON history(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveSessions(ctx context.Context, records []Record) error {
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sessions (id, version, transport, state, created_at, last_activity_at, received, sent, errors, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Version, r.Transport, r.State,
			r.CreatedAt.UnixMilli(), r.LastActivityAt.UnixMilli(),
			int64(r.MessageStats.Received), int64(r.MessageStats.Sent), int64(r.MessageStats.Errors),
			boolToInt(r.IsActive),
		); err != nil {
			return fmt.Errorf("failed to insert session %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, transport, state, created_at, last_activity_at, received, sent, errors, is_active
		FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                      Record
			createdAt, lastActive  int64
			received, sent, errCnt int64
			active                 int
		)
		if err := rows.Scan(&r.ID, &r.Version, &r.Transport, &r.State, &createdAt, &lastActive,
			&received, &sent, &errCnt, &active); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		r.LastActivityAt = time.UnixMilli(lastActive).UTC()
		r.MessageStats = MessageStats{Received: uint64(received), Sent: uint64(sent), Errors: uint64(errCnt)}
		r.IsActive = active != 0
		if err := r.Validate(); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM history WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveHistory(ctx context.Context, id string, h History) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM history WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO history (session_id, contact_id, seq, direction, text, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for contactID, entries := range h {
		for seq, e := range entries {
			if e.Direction != history.DirectionIn && e.Direction != history.DirectionOut {
				return fmt.Errorf("%w: direction %q", ErrSchemaViolation, e.Direction)
			}
			if _, err := stmt.ExecContext(ctx, id, contactID, seq, string(e.Direction), e.Text, e.Timestamp.UnixMilli()); err != nil {
				return fmt.Errorf("failed to insert history: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, id string) (History, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT contact_id, direction, text, timestamp FROM history
		WHERE session_id = ? ORDER BY contact_id, seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	h := History{}
	for rows.Next() {
		var (
			contactID, direction, text string
			ts                         int64
		)
		if err := rows.Scan(&contactID, &direction, &text, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h[contactID] = append(h[contactID], history.Entry{
			ContactID: contactID,
			Direction: history.Direction(direction),
			Text:      text,
			Timestamp: time.UnixMilli(ts).UTC(),
		})
	}
	return h, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
