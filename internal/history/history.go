// Package history is C5, the central algorithm: it extends one chat's
// stored message interval at both ends while preserving the contiguity
// invariant (message ids form a single gapless [lo, hi] range per chat).
package history

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/esse-scrape/gram/internal/domain"
)

const (
	// PrimeSize is the bounded fetch used to seed an empty chat.
	PrimeSize = 100
	// ArchaeologyMax is the largest backward fetch one pass will request.
	ArchaeologyMax = 500
	// CatchupSteadyState is the catch-up count at or above which the forward
	// budget is kept unchanged rather than shrunk to the count.
	CatchupSteadyState = 50
	// CatchupProbe is the minimal forward budget used to probe for new
	// messages after a pass that found nothing to catch up on.
	CatchupProbe = 1
	// DefaultLatestChunk is the forward budget a fresh chat (or a fresh
	// scheduler run) starts with, before the adaptive rule narrows it.
	DefaultLatestChunk = ArchaeologyMax
)

// Report summarizes one Pass: how many rows each half actually inserted,
// the next forward budget the caller should pass to the following Pass,
// and whether this chat is now fully caught up (archaeology found nothing
// further back and catch-up found nothing further forward).
type Report struct {
	Old             int
	New             int
	NextLatestChunk int
	Done            bool
}

// Expander runs one chat's expansion pass inside a single transaction.
type Expander struct {
	txs domain.HistoryTxBeginner
	log zerolog.Logger
}

// New builds an Expander over txs (normally *store.Postgres).
func New(txs domain.HistoryTxBeginner, log zerolog.Logger) *Expander {
	return &Expander{txs: txs, log: log}
}

// Pass runs one prime-if-empty / archaeology / catch-up cycle for chat.
// accountID/chatID are the owning account and chat_cache row; platformChatID
// is the platform-native id message rows are keyed by; latestChunk is the
// forward budget carried over from the previous Pass (or DefaultLatestChunk
// for a chat's first call).
func (e *Expander) Pass(ctx context.Context, client domain.PlatformClient, accountID, chatID uuid.UUID, chat domain.PackedChat, platformChatID int64, latestChunk int) (Report, error) {
	tx, err := e.txs.BeginHistoryTx(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("history: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lo, hi, exists, err := tx.Messages().Bounds(ctx, platformChatID)
	if err != nil {
		return Report{}, fmt.Errorf("history: read bounds: %w", err)
	}

	if !exists {
		primed, err := e.fetch(ctx, client, chat, domain.HistoryConfig{Limit: PrimeSize})
		if err != nil {
			return Report{}, fmt.Errorf("history: prime fetch: %w", err)
		}
		if len(primed) == 0 {
			// Nothing at all in this chat; nothing to commit, fully caught up.
			if err := tx.Commit(ctx); err != nil {
				return Report{}, fmt.Errorf("history: commit empty prime: %w", err)
			}
			return Report{Done: true, NextLatestChunk: latestChunk}, nil
		}
		if _, err := tx.Messages().InsertBatch(ctx, accountID, chatID, platformChatID, primed); err != nil {
			return Report{}, fmt.Errorf("history: insert primed messages: %w", err)
		}
		lo, hi, exists, err = tx.Messages().Bounds(ctx, platformChatID)
		if err != nil {
			return Report{}, fmt.Errorf("history: re-read bounds after prime: %w", err)
		}
		if !exists {
			return Report{}, fmt.Errorf("history: bounds missing immediately after a non-empty prime insert")
		}
	}

	var archaeology, catchup []domain.Message
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		msgs, err := e.fetchArchaeology(gctx, client, chat, lo)
		if err != nil {
			return err
		}
		archaeology = msgs
		return nil
	})
	g.Go(func() error {
		msgs, err := e.fetchCatchup(gctx, client, chat, hi, latestChunk)
		if err != nil {
			return err
		}
		catchup = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("history: fetch: %w", err)
	}

	old, err := tx.Messages().InsertBatch(ctx, accountID, chatID, platformChatID, archaeology)
	if err != nil {
		return Report{}, fmt.Errorf("history: insert archaeology batch: %w", err)
	}
	newCount, err := tx.Messages().InsertBatch(ctx, accountID, chatID, platformChatID, catchup)
	if err != nil {
		return Report{}, fmt.Errorf("history: insert catch-up batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Report{}, fmt.Errorf("history: commit: %w", err)
	}

	return Report{
		Old:             old,
		New:             newCount,
		NextLatestChunk: nextLatestChunk(old, newCount, latestChunk),
		Done:            old == 0 && newCount == 0,
	}, nil
}

// nextLatestChunk implements spec §4.5's adaptive forward-budget table. The
// old>0,new>50 case is not named in the table (new is bounded by the
// previous latestChunk, so it only arises when the forward budget was
// already wide); resolved here as "keep the current budget", consistent
// with the documented new=50 steady-state row.
func nextLatestChunk(old, new, latestChunk int) int {
	switch {
	case old == 0 && new == 0:
		return latestChunk
	case old == 0 && new > 0:
		return ArchaeologyMax
	case old > 0 && new == 0:
		return CatchupProbe
	case old > 0 && new > 0 && new < CatchupSteadyState:
		return new
	default:
		return latestChunk
	}
}

// fetch drains cfg's iterator into a slice.
func (e *Expander) fetch(ctx context.Context, client domain.PlatformClient, chat domain.PackedChat, cfg domain.HistoryConfig) ([]domain.Message, error) {
	if cfg.Limit == 0 {
		return nil, nil
	}
	cfg.Chat = chat
	it, err := client.IterHistory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var out []domain.Message
	for {
		msg, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, msg)
	}
}

// fetchArchaeology requests up to ArchaeologyMax items ending at offset_id
// = lo; the platform iterator already yields strictly-decreasing ids below
// the offset, but ids are filtered defensively in case that contract is
// ever loosened.
func (e *Expander) fetchArchaeology(ctx context.Context, client domain.PlatformClient, chat domain.PackedChat, lo int32) ([]domain.Message, error) {
	msgs, err := e.fetch(ctx, client, chat, domain.HistoryConfig{
		Limit:     ArchaeologyMax,
		OffsetID:  lo,
		HasOffset: true,
	})
	if err != nil {
		return nil, err
	}
	return filterBelow(msgs, lo), nil
}

// fetchCatchup requests up to latestChunk items ending at offset_id =
// hi+latestChunk, discarding everything at or below hi since the platform
// has no "start strictly after" parameter.
func (e *Expander) fetchCatchup(ctx context.Context, client domain.PlatformClient, chat domain.PackedChat, hi int32, latestChunk int) ([]domain.Message, error) {
	if latestChunk <= 0 {
		return nil, nil
	}
	msgs, err := e.fetch(ctx, client, chat, domain.HistoryConfig{
		Limit:     latestChunk,
		OffsetID:  hi + int32(latestChunk),
		HasOffset: true,
	})
	if err != nil {
		return nil, err
	}
	return filterAbove(msgs, hi), nil
}

func filterBelow(msgs []domain.Message, lo int32) []domain.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID < lo {
			out = append(out, m)
		}
	}
	return out
}

func filterAbove(msgs []domain.Message, hi int32) []domain.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID > hi {
			out = append(out, m)
		}
	}
	return out
}
