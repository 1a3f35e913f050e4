package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/esse-scrape/gram/internal/domain"
)

// FullInfoStore implements domain.FullInfoRepo over the full_info
// (peer_full) table: an append-only log of heavy-metadata snapshots, one of
// user_full/channel_full populated per row.
type FullInfoStore struct {
	q querier
}

// Freshest returns the most recently inserted snapshot for username. The
// username-full scheduler's staleness gate does not go through it; that
// check lives in UsernameWorkStore.OldestEligible's query.
func (s *FullInfoStore) Freshest(ctx context.Context, username string) (domain.FullInfo, bool, error) {
	var fi domain.FullInfo
	var kind int16
	var userFullJSON, channelFullJSON []byte
	err := s.q.QueryRow(ctx, `
SELECT id, chat_fk, platform_chat_id, username, kind, user_full, channel_full, updated_at
FROM full_info WHERE username = $1
ORDER BY updated_at DESC
LIMIT 1
`, username).Scan(&fi.ID, &fi.ChatID, &fi.PlatformChatID, &fi.Username, &kind, &userFullJSON, &channelFullJSON, &fi.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FullInfo{}, false, nil
	}
	if err != nil {
		return domain.FullInfo{}, false, err
	}
	fi.Kind = domain.FullInfoKind(kind)
	switch fi.Kind {
	case domain.FullInfoUser:
		var uf domain.UserFull
		if err := json.Unmarshal(userFullJSON, &uf); err != nil {
			return domain.FullInfo{}, false, err
		}
		fi.UserFull = &uf
	case domain.FullInfoChannel:
		var cf domain.ChannelFull
		if err := json.Unmarshal(channelFullJSON, &cf); err != nil {
			return domain.FullInfo{}, false, err
		}
		fi.ChannelFull = &cf
	}
	return fi, true, nil
}

// Insert appends a new snapshot; peer_full has no uniqueness constraint, so
// every fetch adds a row rather than updating one.
func (s *FullInfoStore) Insert(ctx context.Context, row domain.FullInfo) (domain.FullInfo, error) {
	var userFullJSON, channelFullJSON []byte
	var err error
	if row.UserFull != nil {
		if userFullJSON, err = json.Marshal(row.UserFull); err != nil {
			return domain.FullInfo{}, err
		}
	}
	if row.ChannelFull != nil {
		if channelFullJSON, err = json.Marshal(row.ChannelFull); err != nil {
			return domain.FullInfo{}, err
		}
	}
	var id uuid.UUID
	err = s.q.QueryRow(ctx, `
INSERT INTO full_info (id, chat_fk, platform_chat_id, username, kind, user_full, channel_full, updated_at)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, now())
RETURNING id
`, row.ChatID, row.PlatformChatID, row.Username, int16(row.Kind), userFullJSON, channelFullJSON).Scan(&id)
	if err != nil {
		return domain.FullInfo{}, err
	}
	row.ID = id
	return row, nil
}

var _ domain.FullInfoRepo = (*FullInfoStore)(nil)
