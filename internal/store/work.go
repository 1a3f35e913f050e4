package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/esse-scrape/gram/internal/domain"
)

// ChannelWorkStore implements domain.ChannelWorkRepo over channel_work
// (esse_interest_channel): a throwaway-seed work table, rows deleted
// outright when their username turns out unresolvable.
type ChannelWorkStore struct {
	q querier
}

// Oldest returns the row with the smallest updated_at, or !ok if the table
// is empty.
func (s *ChannelWorkStore) Oldest(ctx context.Context) (domain.ChannelWork, bool, error) {
	var w domain.ChannelWork
	err := s.q.QueryRow(ctx, `
SELECT id, username, updated_at FROM channel_work ORDER BY updated_at ASC LIMIT 1
`).Scan(&w.ID, &w.Username, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChannelWork{}, false, nil
	}
	return w, err == nil, err
}

// Touch bumps updated_at, moving the row to the back of the oldest-first
// queue.
func (s *ChannelWorkStore) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `UPDATE channel_work SET updated_at = now() WHERE id = $1`, id)
	return err
}

// Delete removes a row whose username turned out unresolvable: channel
// seeds are throwaway hints, unlike username_work rows.
func (s *ChannelWorkStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `DELETE FROM channel_work WHERE id = $1`, id)
	return err
}

// UsernameWorkStore implements domain.UsernameWorkRepo over username_work
// (esse_username_full): a durable work table, rows are never deleted, only
// marked invalid.
type UsernameWorkStore struct {
	q querier
}

// OldestEligible returns the oldest row eligible under the unified
// freshness policy: never resolved (is_valid IS NULL), or resolved and not
// confirmed dead, with no full_info snapshot for that username newer than
// staleAfter.
func (s *UsernameWorkStore) OldestEligible(ctx context.Context, now time.Time, staleAfter time.Duration) (domain.UsernameWork, bool, error) {
	cutoff := now.Add(-staleAfter)
	var w domain.UsernameWork
	err := s.q.QueryRow(ctx, `
SELECT w.id, w.source, w.username, w.is_valid, w.updated_at
FROM username_work w
WHERE (w.is_valid IS NULL OR w.is_valid = true)
  AND NOT EXISTS (
    SELECT 1 FROM full_info f WHERE f.username = w.username AND f.updated_at > $1
  )
ORDER BY w.updated_at ASC
LIMIT 1
`, cutoff).Scan(&w.ID, &w.Source, &w.Username, &w.IsValid, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UsernameWork{}, false, nil
	}
	return w, err == nil, err
}

// Touch bumps updated_at.
func (s *UsernameWorkStore) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `UPDATE username_work SET updated_at = now() WHERE id = $1`, id)
	return err
}

// MarkInvalid records a confirmed-dead username; the row is kept, not
// deleted, unlike channel_work.
func (s *UsernameWorkStore) MarkInvalid(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `UPDATE username_work SET is_valid = false, updated_at = now() WHERE id = $1`, id)
	return err
}

// MarkValid records a successful resolution.
func (s *UsernameWorkStore) MarkValid(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `UPDATE username_work SET is_valid = true, updated_at = now() WHERE id = $1`, id)
	return err
}

var (
	_ domain.ChannelWorkRepo  = (*ChannelWorkStore)(nil)
	_ domain.UsernameWorkRepo = (*UsernameWorkStore)(nil)
)
