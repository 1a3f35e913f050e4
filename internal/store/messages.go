package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/esse-scrape/gram/internal/domain"
)

// MessageStore implements domain.MessageRepo over the message (peer_history)
// table, unique on (platform_chat_id, history_id) for idempotent re-inserts.
type MessageStore struct {
	q querier
}

// Bounds returns the stored [lo, hi] history_id interval for a chat, or
// exists=false if no rows are stored yet — the history expander primes in
// that case rather than extending an interval.
func (s *MessageStore) Bounds(ctx context.Context, platformChatID int64) (lo, hi int32, exists bool, err error) {
	var lop, hip *int32
	err = s.q.QueryRow(ctx, `
SELECT MIN(history_id), MAX(history_id) FROM message WHERE platform_chat_id = $1
`, platformChatID).Scan(&lop, &hip)
	if err != nil {
		return 0, 0, false, err
	}
	if lop == nil || hip == nil {
		return 0, 0, false, nil
	}
	return *lop, *hip, true, nil
}

// InsertBatch appends msgs, relying on the uniqueness constraint to skip
// duplicates idempotently; it returns the count of rows actually inserted.
func (s *MessageStore) InsertBatch(ctx context.Context, accountID, chatID uuid.UUID, platformChatID int64, msgs []domain.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
INSERT INTO message (id, account_fk, chat_fk, platform_chat_id, history_id, raw, updated_at)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now())
ON CONFLICT (platform_chat_id, history_id) DO NOTHING
`, accountID, chatID, platformChatID, m.ID, m.Raw)
	}
	br := s.q.SendBatch(ctx, batch)
	defer br.Close()
	inserted := 0
	for range msgs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

var _ domain.MessageRepo = (*MessageStore)(nil)
