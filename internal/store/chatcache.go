package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/esse-scrape/gram/internal/domain"
)

// ChatCacheStore implements domain.ChatCacheRepo over the chat_cache
// (user_chat) table, unique on (account_fk, username) and on
// (account_fk, platform_chat_id). It can run directly against the pool or,
// when obtained via Tx.ChatCache, pinned inside a caller-managed
// transaction.
type ChatCacheStore struct {
	q querier
}

func scanChatCache(row pgx.Row) (domain.ChatCache, error) {
	var cc domain.ChatCache
	var packed []byte
	err := row.Scan(&cc.ID, &cc.AccountID, &cc.Username, &cc.PlatformChatID, &packed, &cc.Joined, &cc.UpdatedAt)
	if err != nil {
		return domain.ChatCache{}, err
	}
	cc.Packed, err = domain.UnpackChat(packed)
	return cc, err
}

// Find looks up the cache row for (accountID, username); a hit never
// crosses account boundaries since the uniqueness constraint and the WHERE
// clause are both scoped by account_fk.
func (s *ChatCacheStore) Find(ctx context.Context, accountID uuid.UUID, username string) (domain.ChatCache, bool, error) {
	row := s.q.QueryRow(ctx, `
SELECT id, account_fk, username, platform_chat_id, packed_chat, joined, updated_at
FROM chat_cache WHERE account_fk = $1 AND username = $2
`, accountID, username)
	cc, err := scanChatCache(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatCache{}, false, nil
	}
	if err != nil {
		return domain.ChatCache{}, false, err
	}
	return cc, true, nil
}

// Insert creates a fresh chat_cache row for a resolution miss that the
// platform client just resolved.
func (s *ChatCacheStore) Insert(ctx context.Context, row domain.ChatCache) (domain.ChatCache, error) {
	r := s.q.QueryRow(ctx, `
INSERT INTO chat_cache (id, account_fk, username, platform_chat_id, packed_chat, joined, updated_at)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now())
ON CONFLICT (account_fk, username) DO UPDATE SET
  platform_chat_id = EXCLUDED.platform_chat_id, packed_chat = EXCLUDED.packed_chat, updated_at = now()
RETURNING id, account_fk, username, platform_chat_id, packed_chat, joined, updated_at
`, row.AccountID, row.Username, row.PlatformChatID, row.Packed.Pack(), row.Joined)
	return scanChatCache(r)
}

// Get loads one chat_cache row by its primary key.
func (s *ChatCacheStore) Get(ctx context.Context, id uuid.UUID) (domain.ChatCache, error) {
	row := s.q.QueryRow(ctx, `
SELECT id, account_fk, username, platform_chat_id, packed_chat, joined, updated_at
FROM chat_cache WHERE id = $1
`, id)
	return scanChatCache(row)
}

// SetJoined updates the membership flag and the (possibly rotated) access
// hash after a join or quit RPC succeeds.
func (s *ChatCacheStore) SetJoined(ctx context.Context, id uuid.UUID, joined bool, packed domain.PackedChat) error {
	_, err := s.q.Exec(ctx, `
UPDATE chat_cache SET joined = $2, packed_chat = $3, updated_at = now() WHERE id = $1
`, id, joined, packed.Pack())
	return err
}

// ListByAccount returns every cached chat for accountID, newest first.
func (s *ChatCacheStore) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.ChatCache, error) {
	rows, err := s.q.Query(ctx, `
SELECT id, account_fk, username, platform_chat_id, packed_chat, joined, updated_at
FROM chat_cache WHERE account_fk = $1 ORDER BY updated_at DESC
`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatCache
	for rows.Next() {
		cc, err := scanChatCache(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

var _ domain.ChatCacheRepo = (*ChatCacheStore)(nil)
