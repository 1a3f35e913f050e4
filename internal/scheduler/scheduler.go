// Package scheduler is C6: two independent drivers that drain their work
// queues oldest-first, looping past unresolvable rows within one tick
// rather than stopping at the first miss, and polling ctx between
// iterations so an operator's shutdown signal is honored promptly.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/esse-scrape/gram/internal/domain"
	"github.com/esse-scrape/gram/internal/history"
	"github.com/esse-scrape/gram/internal/sessionstore"
)

// SessionLeaser is the subset of sessionstore.Store a driver needs: one
// session held for the loop's entire run, released on exit.
type SessionLeaser interface {
	Acquire(ctx context.Context) (sessionstore.Handle, error)
	Release(ctx context.Context, id uuid.UUID, client domain.PlatformClient) error
}

// HistoryExpander is the subset of *history.Expander a driver needs,
// narrowed to an interface so drivers are unit-testable without a real
// Postgres-backed transaction.
type HistoryExpander interface {
	Pass(ctx context.Context, client domain.PlatformClient, accountID, chatID uuid.UUID, chat domain.PackedChat, platformChatID int64, latestChunk int) (history.Report, error)
}

// FullInfoFetcher is the subset of *fullinfo.Fetcher a driver needs.
type FullInfoFetcher interface {
	Fetch(ctx context.Context, client domain.PlatformClient, chat domain.ChatCache) (domain.FullInfo, error)
}

// ChannelHistoryDriver drains channel_work oldest-first: resolve, join if
// needed, expand history to termination, quit, touch. An unresolvable
// username deletes the row and moves on.
type ChannelHistoryDriver struct {
	Sessions SessionLeaser
	Work     domain.ChannelWorkRepo
	Resolver domain.ResolutionCache
	History  HistoryExpander
	Log      zerolog.Logger
}

// Run acquires one session and processes channel_work rows until the
// queue is empty or ctx is cancelled, then releases the session.
func (d *ChannelHistoryDriver) Run(ctx context.Context) error {
	handle, err := d.Sessions.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: channel driver: acquire session: %w", err)
	}
	defer func() {
		if err := d.Sessions.Release(context.Background(), handle.SessionID, handle.Client); err != nil {
			d.Log.Warn().Err(err).Msg("scheduler: channel driver: release session failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		row, ok, err := d.Work.Oldest(ctx)
		if err != nil {
			return fmt.Errorf("scheduler: channel driver: oldest: %w", err)
		}
		if !ok {
			return nil
		}

		if err := d.processOne(ctx, handle, row); err != nil {
			return fmt.Errorf("scheduler: channel driver: process %q: %w", row.Username, err)
		}
	}
}

func (d *ChannelHistoryDriver) processOne(ctx context.Context, handle sessionstore.Handle, row domain.ChannelWork) error {
	chat, ok, err := d.Resolver.Resolve(ctx, handle.Client, handle.AccountID, row.Username)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	if !ok {
		return d.Work.Delete(ctx, row.ID)
	}

	packed := chat.Packed
	if !chat.Joined {
		p, err := d.Resolver.Join(ctx, handle.Client, chat.ID)
		if err != nil && !errors.Is(err, domain.ErrAlreadyJoined) {
			return fmt.Errorf("join: %w", err)
		}
		packed = p
	}

	latestChunk := history.DefaultLatestChunk
	for {
		report, err := d.History.Pass(ctx, handle.Client, handle.AccountID, chat.ID, packed, chat.PlatformChatID, latestChunk)
		if err != nil {
			return fmt.Errorf("history pass: %w", err)
		}
		if report.Done {
			break
		}
		latestChunk = report.NextLatestChunk
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := d.Resolver.Quit(ctx, handle.Client, chat.ID); err != nil && !errors.Is(err, domain.ErrAlreadyLeft) {
		return fmt.Errorf("quit: %w", err)
	}

	return d.Work.Touch(ctx, row.ID)
}

// UsernameFullDriver drains username_work oldest-first: resolve, fetch
// heavy metadata, persist. An unresolvable username is marked invalid (the
// row is kept, never deleted, unlike channel_work).
type UsernameFullDriver struct {
	Sessions SessionLeaser
	Work     domain.UsernameWorkRepo
	Resolver domain.ResolutionCache
	Fetcher  FullInfoFetcher
	Log      zerolog.Logger

	// StaleAfter gates re-fetching a row already fetched once, the "at
	// most one fetch per day" rule from spec §4.7. Zero means every row
	// is eligible on every pass.
	StaleAfter time.Duration
}

// Run acquires one session and processes username_work rows until the
// staleness-filtered queue is empty or ctx is cancelled.
func (d *UsernameFullDriver) Run(ctx context.Context) error {
	handle, err := d.Sessions.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: username driver: acquire session: %w", err)
	}
	defer func() {
		if err := d.Sessions.Release(context.Background(), handle.SessionID, handle.Client); err != nil {
			d.Log.Warn().Err(err).Msg("scheduler: username driver: release session failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		row, ok, err := d.Work.OldestEligible(ctx, time.Now(), d.StaleAfter)
		if err != nil {
			return fmt.Errorf("scheduler: username driver: oldest eligible: %w", err)
		}
		if !ok {
			return nil
		}

		if err := d.processOne(ctx, handle, row); err != nil {
			return fmt.Errorf("scheduler: username driver: process %q: %w", row.Username, err)
		}
	}
}

func (d *UsernameFullDriver) processOne(ctx context.Context, handle sessionstore.Handle, row domain.UsernameWork) error {
	chat, ok, err := d.Resolver.Resolve(ctx, handle.Client, handle.AccountID, row.Username)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	if !ok {
		return d.Work.MarkInvalid(ctx, row.ID)
	}

	if _, err := d.Fetcher.Fetch(ctx, handle.Client, chat); err != nil {
		return fmt.Errorf("fetch full info: %w", err)
	}
	if err := d.Work.MarkValid(ctx, row.ID); err != nil {
		return err
	}
	return d.Work.Touch(ctx, row.ID)
}
