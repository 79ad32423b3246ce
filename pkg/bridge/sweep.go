package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/sandesh/internal/observability"
	"github.com/harun/sandesh/pkg/history"
	"github.com/harun/sandesh/pkg/shadow"
)

// SweepReport summarizes one Sweep.
type SweepReport struct {
	LimiterContacts int `json:"limiterContacts"`
	CacheExpired    int `json:"cacheExpired"`
	Destroyed       int `json:"destroyed"`
	Purged          int `json:"purged"`
}

func (r *Registry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Sweep prunes limiter windows and expired cache entries, purges destroyed
// sessions past PurgeAge, destroys idle ERROR and DISCONNECTED sessions past
// StaleAge and then persists the registry. Purging runs before destroying so
// a session stays listed for at least one sweep after it is torn down.
func (r *Registry) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := r.now()

	for _, s := range r.all() {
		report.LimiterContacts += s.limiter.Sweep(now)
		report.CacheExpired += s.cache.Sweep(ctx)
	}

	report.Purged = r.purge(ctx, now)

	for _, s := range r.all() {
		if !r.stale(s, now) {
			continue
		}
		if err := r.Destroy(ctx, s.id); err != nil {
			r.logger.Warn().Err(err).Str("session_id", s.id).Msg("Failed to destroy stale session")
			continue
		}
		report.Destroyed++
	}

	observability.RecordSweep("limiter", report.LimiterContacts)
	observability.RecordSweep("cache", report.CacheExpired)
	observability.RecordSweep("destroyed", report.Destroyed)
	observability.RecordSweep("purged", report.Purged)

	r.logger.Debug().
		Int("limiter_contacts", report.LimiterContacts).
		Int("cache_expired", report.CacheExpired).
		Int("destroyed", report.Destroyed).
		Int("purged", report.Purged).
		Msg("Sweep finished")

	return report, r.Persist(ctx)
}

// stale reports whether s should be destroyed by the sweep.
func (r *Registry) stale(s *Session, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if now.Sub(s.lastActivityAt) <= r.cfg.StaleAge {
		return false
	}
	switch s.state {
	case StateError, StateDisconnected:
		return true
	case StateDestroyed:
		return false
	default:
		// restored sessions never reconnect
		return s.restored
	}
}

// purge drops destroyed sessions idle past PurgeAge from the index and the
// shadow store. Sessions with work still on their lanes are skipped. Purged
// ids are remembered for another PurgeAge and then forgotten.
func (r *Registry) purge(ctx context.Context, now time.Time) int {
	var purged []string

	r.mu.Lock()
	for id, s := range r.sessions {
		s.mu.RLock()
		eligible := s.state == StateDestroyed && !s.isActive && now.Sub(s.lastActivityAt) > r.cfg.PurgeAge
		s.mu.RUnlock()
		if !eligible || s.lanes.InFlight() > 0 {
			continue
		}
		delete(r.sessions, id)
		r.retired[id] = now
		purged = append(purged, id)
	}
	for id, at := range r.retired {
		if now.Sub(at) > r.cfg.PurgeAge {
			delete(r.retired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range purged {
		if r.cfg.Store != nil {
			if err := r.cfg.Store.DeleteSession(ctx, id); err != nil {
				observability.RecordPersist(0, false)
				r.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to delete shadow record")
			}
		}
		observability.RecordSessionAudit(ctx, "purge", id, "success", nil)
		r.notify(Notification{Kind: NotifyPurged, SessionID: id, State: StateDestroyed})
	}
	return len(purged)
}

// Persist writes every session record, and the history of sessions that are
// not destroyed, to the shadow store. Snapshots are taken under the registry
// lock and written after it is released.
func (r *Registry) Persist(ctx context.Context) error {
	if r.cfg.Store == nil {
		return nil
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	start := time.Now()

	type pending struct {
		id      string
		history shadow.History
	}

	r.mu.RLock()
	records := make([]shadow.Record, 0, len(r.sessions))
	histories := make([]pending, 0, len(r.sessions))
	for _, s := range r.sessions {
		rec := s.record()
		records = append(records, rec)
		if State(rec.State) != StateDestroyed {
			histories = append(histories, pending{id: s.id, history: shadow.History(s.history.Snapshot())})
		}
	}
	r.mu.RUnlock()

	var errs []error
	if err := r.cfg.Store.SaveSessions(ctx, records); err != nil {
		errs = append(errs, fmt.Errorf("failed to save sessions: %w", err))
	}
	for _, h := range histories {
		if err := r.cfg.Store.SaveHistory(ctx, h.id, h.history); err != nil {
			errs = append(errs, fmt.Errorf("failed to save history of %s: %w", h.id, err))
		}
	}

	err := errors.Join(errs...)
	observability.RecordPersist(time.Since(start), err == nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist registry")
		return err
	}
	r.logger.Debug().Int("sessions", len(records)).Dur("took", time.Since(start)).Msg("Registry persisted")
	return nil
}

// restoredState maps a persisted state to the state a reloaded session
// starts in. Nothing comes back READY.
func restoredState(s State) State {
	if s == StateReady {
		return StateDisconnected
	}
	return s
}

// Restore loads sessions from the shadow store. Restored sessions are
// inactive and have no transport connection. Sessions already indexed are
// left alone. It returns the number of sessions restored.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.cfg.Store == nil {
		return 0, nil
	}

	records, err := r.cfg.Store.LoadSessions(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rec := range records {
		if !IsValidSessionID(rec.ID) {
			r.logger.Warn().Str("session_id", rec.ID).Msg("Skipping record with malformed id")
			continue
		}
		state := State(rec.State)
		if !state.Valid() {
			r.logger.Warn().Str("session_id", rec.ID).Str("state", rec.State).Msg("Skipping record with unknown state")
			continue
		}

		var contacts shadow.History
		if state != StateDestroyed {
			contacts, err = r.cfg.Store.LoadHistory(ctx, rec.ID)
			if err != nil {
				r.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("Failed to load history, starting empty")
				contacts = nil
			}
		}

		s := r.newSession(rec.ID, rec.Transport, r.cfg.Transports[rec.Transport], rec.CreatedAt)
		s.state = restoredState(state)
		s.lastActivityAt = rec.LastActivityAt
		s.isActive = false
		s.restored = true
		s.received.Store(rec.MessageStats.Received)
		s.sent.Store(rec.MessageStats.Sent)
		s.errors.Store(rec.MessageStats.Errors)
		if contacts != nil {
			s.history.Restore(map[string][]history.Entry(contacts))
		}

		r.mu.Lock()
		if _, exists := r.sessions[rec.ID]; exists || r.closed {
			r.mu.Unlock()
			s.cancel()
			continue
		}
		r.sessions[rec.ID] = s
		r.mu.Unlock()

		if s.state == StateDestroyed {
			s.cancel()
			s.lanes.Abort()
		}
		go r.worker(s)
		restored++
	}

	r.mu.RLock()
	active := r.activeLocked()
	r.mu.RUnlock()
	observability.SetActiveSessions(active)
	return restored, nil
}
