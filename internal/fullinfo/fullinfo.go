// Package fullinfo is C7: given a resolved chat, dispatch on its kind and
// persist the platform's heavy-metadata snapshot as an append-only log
// entry. Staleness policy (at most one fetch per day per username) lives
// upstream in internal/scheduler; this package always fetches when asked.
package fullinfo

import (
	"context"
	"fmt"

	"github.com/esse-scrape/gram/internal/domain"
)

// Fetcher implements spec §4.7 over a PlatformClient and a FullInfoRepo.
type Fetcher struct {
	repo domain.FullInfoRepo
}

// New builds a Fetcher over repo.
func New(repo domain.FullInfoRepo) *Fetcher {
	return &Fetcher{repo: repo}
}

// Fetch dispatches on chat.Packed.Kind, calling the matching heavy-metadata
// RPC and appending the result keyed by username. A chat whose kind is
// neither user nor channel is a programmer error surfaced via
// domain.ErrWrongKind, never retried.
func (f *Fetcher) Fetch(ctx context.Context, client domain.PlatformClient, chat domain.ChatCache) (domain.FullInfo, error) {
	row := domain.FullInfo{
		ChatID:         chat.ID,
		PlatformChatID: chat.PlatformChatID,
		Username:       chat.Username,
	}

	switch chat.Packed.Kind {
	case domain.PeerUser:
		uf, err := client.FetchUserFull(ctx, chat.Packed)
		if err != nil {
			return domain.FullInfo{}, fmt.Errorf("fullinfo: fetch user full: %w", err)
		}
		row.Kind = domain.FullInfoUser
		row.UserFull = &uf
	case domain.PeerChannel:
		cf, err := client.FetchChannelFull(ctx, chat.Packed)
		if err != nil {
			return domain.FullInfo{}, fmt.Errorf("fullinfo: fetch channel full: %w", err)
		}
		row.Kind = domain.FullInfoChannel
		row.ChannelFull = &cf
	default:
		return domain.FullInfo{}, domain.ErrWrongKind
	}

	inserted, err := f.repo.Insert(ctx, row)
	if err != nil {
		return domain.FullInfo{}, fmt.Errorf("fullinfo: persist snapshot: %w", err)
	}
	return inserted, nil
}
