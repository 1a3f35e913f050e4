package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/esse-scrape/gram/internal/domain"
)

// SeedStore is the operator-facing counterpart to the runtime repos above:
// it inserts the rows cmd/gramctl's seed command bulk-loads from a TOML
// file (API credentials, accounts, and the two work queues), none of which
// the running service ever creates for itself.
type SeedStore struct {
	pool *pgxpool.Pool
}

// NewSeedStore wraps an already-connected pool.
func NewSeedStore(pool *pgxpool.Pool) *SeedStore { return &SeedStore{pool: pool} }

// InsertCredential adds one row to the immutable api_credential catalogue.
func (s *SeedStore) InsertCredential(ctx context.Context, apiID int32, apiHash string) (domain.ApiCredential, error) {
	var cred domain.ApiCredential
	err := s.pool.QueryRow(ctx, `
INSERT INTO api_credential (id, api_id, api_hash) VALUES (gen_random_uuid(), $1, $2)
RETURNING id, api_id, api_hash
`, apiID, apiHash).Scan(&cred.ID, &cred.APIID, &cred.APIHash)
	return cred, err
}

// InsertAccount adds one phone-bound account row with no session yet,
// ready for cmd/gramctl bootstrap to log in as.
func (s *SeedStore) InsertAccount(ctx context.Context, phone string) (domain.Account, error) {
	var acc domain.Account
	err := s.pool.QueryRow(ctx, `
INSERT INTO account (id, phone, updated_at) VALUES (gen_random_uuid(), $1, now())
RETURNING id, phone, updated_at
`, phone).Scan(&acc.ID, &acc.Phone, &acc.UpdatedAt)
	return acc, err
}

// InsertChannelWork seeds one username into channel_work for the history
// driver to crawl.
func (s *SeedStore) InsertChannelWork(ctx context.Context, username string) (domain.ChannelWork, error) {
	var w domain.ChannelWork
	err := s.pool.QueryRow(ctx, `
INSERT INTO channel_work (id, username, updated_at) VALUES (gen_random_uuid(), $1, to_timestamp(0))
RETURNING id, username, updated_at
`, username).Scan(&w.ID, &w.Username, &w.UpdatedAt)
	return w, err
}

// InsertUsernameWork seeds one username into username_work for the
// username-full driver to fetch heavy metadata for. source is nil for an
// operator-seeded row, or a channel_work id when discovered incidentally.
func (s *SeedStore) InsertUsernameWork(ctx context.Context, username string) (domain.UsernameWork, error) {
	var w domain.UsernameWork
	err := s.pool.QueryRow(ctx, `
INSERT INTO username_work (id, source, username, is_valid, updated_at)
VALUES (gen_random_uuid(), NULL, $1, NULL, to_timestamp(0))
RETURNING id, source, username, is_valid, updated_at
`, username).Scan(&w.ID, &w.Source, &w.Username, &w.IsValid, &w.UpdatedAt)
	return w, err
}
