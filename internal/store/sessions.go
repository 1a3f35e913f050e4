package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/esse-scrape/gram/internal/domain"
)

// SessionStore implements domain.SessionRepo.
type SessionStore struct {
	pool *pgxpool.Pool
}

// AcquireFrozen reserves the most-recently-used frozen row for this process.
// `FOR UPDATE SKIP LOCKED` inside a transaction gives the mutual-exclusion
// invariant (E5): two concurrent callers against the same row never both
// observe in_use=false.
func (s *SessionStore) AcquireFrozen(ctx context.Context) (domain.Session, domain.ApiCredential, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.Session{}, domain.ApiCredential{}, false, err
	}
	defer tx.Rollback(ctx)

	var sess domain.Session
	var cred domain.ApiCredential
	err = tx.QueryRow(ctx, `
SELECT s.id, s.api_credential_fk, s.account_fk, s.frozen_data, s.in_use, s.updated_at,
       c.id, c.api_id, c.api_hash
FROM session s JOIN api_credential c ON c.id = s.api_credential_fk
WHERE s.in_use = false AND s.frozen_data IS NOT NULL
ORDER BY s.updated_at DESC
LIMIT 1
FOR UPDATE OF s SKIP LOCKED
`).Scan(&sess.ID, &sess.CredentialID, &sess.AccountID, &sess.FrozenData, &sess.InUse, &sess.UpdatedAt,
		&cred.ID, &cred.APIID, &cred.APIHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ApiCredential{}, false, nil
	}
	if err != nil {
		return domain.Session{}, domain.ApiCredential{}, false, err
	}

	if _, err := tx.Exec(ctx, `UPDATE session SET in_use = true, updated_at = now() WHERE id = $1`, sess.ID); err != nil {
		return domain.Session{}, domain.ApiCredential{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Session{}, domain.ApiCredential{}, false, err
	}
	sess.InUse = true
	return sess, cred, true, nil
}

// MarkReleased writes the refreshed frozen bytes and flips in_use to false.
func (s *SessionStore) MarkReleased(ctx context.Context, id uuid.UUID, frozen []byte) error {
	_, err := s.pool.Exec(ctx, `
UPDATE session SET frozen_data = $2, in_use = false, updated_at = now() WHERE id = $1
`, id, frozen)
	return err
}

// MarkInUse flips in_use to true without touching frozen_data. Bootstrap
// does not use it: Insert already creates its row in_use=true.
func (s *SessionStore) MarkInUse(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE session SET in_use = true, updated_at = now() WHERE id = $1`, id)
	return err
}

// Insert creates a new session row, in_use=true (bootstrap's first login).
func (s *SessionStore) Insert(ctx context.Context, credentialID, accountID uuid.UUID, frozen []byte) (domain.Session, error) {
	var sess domain.Session
	err := s.pool.QueryRow(ctx, `
INSERT INTO session (id, api_credential_fk, account_fk, frozen_data, in_use, updated_at)
VALUES (gen_random_uuid(), $1, $2, $3, true, now())
RETURNING id, api_credential_fk, account_fk, frozen_data, in_use, updated_at
`, credentialID, accountID, frozen).Scan(&sess.ID, &sess.CredentialID, &sess.AccountID, &sess.FrozenData, &sess.InUse, &sess.UpdatedAt)
	return sess, err
}

// Credential looks up one api_credential row by id.
func (s *SessionStore) Credential(ctx context.Context, id uuid.UUID) (domain.ApiCredential, error) {
	var cred domain.ApiCredential
	err := s.pool.QueryRow(ctx, `SELECT id, api_id, api_hash FROM api_credential WHERE id = $1`, id).
		Scan(&cred.ID, &cred.APIID, &cred.APIHash)
	return cred, err
}

// AnyCredential returns an arbitrary row from the immutable credential
// catalogue, used by bootstrap when no session exists yet to pick one from.
func (s *SessionStore) AnyCredential(ctx context.Context) (domain.ApiCredential, error) {
	var cred domain.ApiCredential
	err := s.pool.QueryRow(ctx, `SELECT id, api_id, api_hash FROM api_credential ORDER BY id LIMIT 1`).
		Scan(&cred.ID, &cred.APIID, &cred.APIHash)
	return cred, err
}

// AnyAccount returns an account row with no session yet, for bootstrap.
func (s *SessionStore) AnyAccount(ctx context.Context) (domain.Account, error) {
	var acc domain.Account
	err := s.pool.QueryRow(ctx, `
SELECT a.id, a.phone, a.updated_at FROM account a
LEFT JOIN session s ON s.account_fk = a.id
WHERE s.id IS NULL
ORDER BY a.updated_at ASC
LIMIT 1
`).Scan(&acc.ID, &acc.Phone, &acc.UpdatedAt)
	return acc, err
}

var _ domain.SessionRepo = (*SessionStore)(nil)
