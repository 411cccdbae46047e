package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/daleheenan/startup-sub012/internal/session"
)

// LoadState returns the singleton session window state. A missing row
// means no window has ever been recorded and yields the zero State.
func (s *Store) LoadState(ctx context.Context) (session.State, error) {
	var (
		state    session.State
		resetsAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT is_active, requests, resets_at FROM queue_session_state WHERE id = 1`,
	).Scan(&state.Active, &state.Requests, &resetsAt)
	if err != nil {
		if isNoRows(err) {
			return session.State{}, nil
		}
		return session.State{}, fmt.Errorf("postgres: load session state: %w", err)
	}
	if resetsAt != nil {
		state.ResetsAt = *resetsAt
	}
	return state, nil
}

// SaveState upserts the singleton session window state.
func (s *Store) SaveState(ctx context.Context, state session.State) error {
	var resetsAt *time.Time
	if !state.ResetsAt.IsZero() {
		t := state.ResetsAt.UTC()
		resetsAt = &t
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_session_state (id, is_active, requests, resets_at, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			requests = EXCLUDED.requests,
			resets_at = EXCLUDED.resets_at,
			updated_at = NOW()`,
		state.Active, state.Requests, resetsAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save session state: %w", err)
	}
	return nil
}
