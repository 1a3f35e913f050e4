package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/esse-scrape/gram/internal/domain"
	"github.com/esse-scrape/gram/internal/history"
	"github.com/esse-scrape/gram/internal/sessionstore"
)

// fakeClient is the minimal domain.PlatformClient stand-in passed through
// the driver; none of its methods are called directly by scheduler, since
// every platform RPC is mediated by the Resolver/History/Fetcher fakes.
type fakeClient struct{}

func (f *fakeClient) Self(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeClient) ResolveUsername(ctx context.Context, username string) (domain.PackedChat, bool, error) {
	return domain.PackedChat{}, false, nil
}
func (f *fakeClient) Join(ctx context.Context, chat domain.PackedChat) (domain.PackedChat, error) {
	return chat, nil
}
func (f *fakeClient) Quit(ctx context.Context, chat domain.PackedChat) error { return nil }
func (f *fakeClient) IterHistory(ctx context.Context, cfg domain.HistoryConfig) (domain.HistoryIterator, error) {
	return nil, nil
}
func (f *fakeClient) FetchUserFull(ctx context.Context, chat domain.PackedChat) (domain.UserFull, error) {
	return domain.UserFull{}, nil
}
func (f *fakeClient) FetchChannelFull(ctx context.Context, chat domain.PackedChat) (domain.ChannelFull, error) {
	return domain.ChannelFull{}, nil
}
func (f *fakeClient) Download(ctx context.Context, cfg domain.DownloadConfig) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeClient) Freeze(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeClient) Close() error                               { return nil }

var _ domain.PlatformClient = (*fakeClient)(nil)

// fakeLeaser hands out one fixed handle and records whether it was released.
type fakeLeaser struct {
	handle     sessionstore.Handle
	acquireErr error
	released   bool
	releasedID uuid.UUID
}

func (l *fakeLeaser) Acquire(ctx context.Context) (sessionstore.Handle, error) {
	if l.acquireErr != nil {
		return sessionstore.Handle{}, l.acquireErr
	}
	return l.handle, nil
}

func (l *fakeLeaser) Release(ctx context.Context, id uuid.UUID, client domain.PlatformClient) error {
	l.released = true
	l.releasedID = id
	return nil
}

var _ SessionLeaser = (*fakeLeaser)(nil)

func newFakeLeaser() *fakeLeaser {
	return &fakeLeaser{handle: sessionstore.Handle{
		SessionID: uuid.New(),
		AccountID: uuid.New(),
		Client:    &fakeClient{},
	}}
}

// fakeChannelWorkRepo serves a fixed queue of rows oldest-first.
type fakeChannelWorkRepo struct {
	mu      sync.Mutex
	rows    []domain.ChannelWork
	deleted []uuid.UUID
	touched []uuid.UUID
}

func (r *fakeChannelWorkRepo) Oldest(ctx context.Context) (domain.ChannelWork, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rows) == 0 {
		return domain.ChannelWork{}, false, nil
	}
	row := r.rows[0]
	r.rows = r.rows[1:]
	return row, true, nil
}

func (r *fakeChannelWorkRepo) Touch(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, id)
	return nil
}

func (r *fakeChannelWorkRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return nil
}

var _ domain.ChannelWorkRepo = (*fakeChannelWorkRepo)(nil)

// fakeUsernameWorkRepo mirrors fakeChannelWorkRepo for username_work.
type fakeUsernameWorkRepo struct {
	mu      sync.Mutex
	rows    []domain.UsernameWork
	invalid []uuid.UUID
	valid   []uuid.UUID
	touched []uuid.UUID
}

func (r *fakeUsernameWorkRepo) OldestEligible(ctx context.Context, now time.Time, staleAfter time.Duration) (domain.UsernameWork, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rows) == 0 {
		return domain.UsernameWork{}, false, nil
	}
	row := r.rows[0]
	r.rows = r.rows[1:]
	return row, true, nil
}

func (r *fakeUsernameWorkRepo) Touch(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, id)
	return nil
}

func (r *fakeUsernameWorkRepo) MarkInvalid(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalid = append(r.invalid, id)
	return nil
}

func (r *fakeUsernameWorkRepo) MarkValid(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valid = append(r.valid, id)
	return nil
}

var _ domain.UsernameWorkRepo = (*fakeUsernameWorkRepo)(nil)

// fakeResolver resolves any username present in chats, by exact match, and
// records Join/Quit calls so tests can assert on the join-if-needed policy.
type fakeResolver struct {
	chats       map[string]domain.ChatCache
	joinCalls   []uuid.UUID
	quitCalls   []uuid.UUID
	alreadyJoin bool
	alreadyLeft bool
}

func (r *fakeResolver) Resolve(ctx context.Context, client domain.PlatformClient, accountID uuid.UUID, username string) (domain.ChatCache, bool, error) {
	chat, ok := r.chats[username]
	return chat, ok, nil
}

func (r *fakeResolver) Join(ctx context.Context, client domain.PlatformClient, chatID uuid.UUID) (domain.PackedChat, error) {
	r.joinCalls = append(r.joinCalls, chatID)
	if r.alreadyJoin {
		return domain.PackedChat{}, domain.ErrAlreadyJoined
	}
	return domain.PackedChat{Kind: domain.PeerChannel, ID: 1}, nil
}

func (r *fakeResolver) Quit(ctx context.Context, client domain.PlatformClient, chatID uuid.UUID) error {
	r.quitCalls = append(r.quitCalls, chatID)
	if r.alreadyLeft {
		return domain.ErrAlreadyLeft
	}
	return nil
}

var _ domain.ResolutionCache = (*fakeResolver)(nil)

// fakeExpander terminates after a fixed number of passes, counting every
// call to Pass across all chats it is driven with.
type fakeExpander struct {
	passesUntilDone int
	calls           int
	err             error
}

func (e *fakeExpander) Pass(ctx context.Context, client domain.PlatformClient, accountID, chatID uuid.UUID, chat domain.PackedChat, platformChatID int64, latestChunk int) (history.Report, error) {
	e.calls++
	if e.err != nil {
		return history.Report{}, e.err
	}
	if e.calls >= e.passesUntilDone {
		return history.Report{Done: true}, nil
	}
	return history.Report{Old: 1, New: 1, NextLatestChunk: latestChunk}, nil
}

var _ HistoryExpander = (*fakeExpander)(nil)

// fakeFetcher records which chats it was asked to fetch full info for.
type fakeFetcher struct {
	fetched []uuid.UUID
	err     error
}

func (f *fakeFetcher) Fetch(ctx context.Context, client domain.PlatformClient, chat domain.ChatCache) (domain.FullInfo, error) {
	f.fetched = append(f.fetched, chat.ID)
	if f.err != nil {
		return domain.FullInfo{}, f.err
	}
	return domain.FullInfo{ChatID: chat.ID}, nil
}

var _ FullInfoFetcher = (*fakeFetcher)(nil)

func TestChannelDriverDrainsQueueAndReleasesSession(t *testing.T) {
	leaser := newFakeLeaser()
	aliceID, bobID := uuid.New(), uuid.New()
	work := &fakeChannelWorkRepo{rows: []domain.ChannelWork{
		{ID: uuid.New(), Username: "alice"},
		{ID: uuid.New(), Username: "ghost"},
		{ID: uuid.New(), Username: "bob"},
	}}
	resolver := &fakeResolver{chats: map[string]domain.ChatCache{
		"alice": {ID: aliceID, Joined: true, Packed: domain.PackedChat{Kind: domain.PeerChannel, ID: 1}},
		"bob":   {ID: bobID, Joined: false, Packed: domain.PackedChat{Kind: domain.PeerChannel, ID: 2}},
	}}
	expander := &fakeExpander{passesUntilDone: 2}
	driver := &ChannelHistoryDriver{
		Sessions: leaser,
		Work:     work,
		Resolver: resolver,
		History:  expander,
		Log:      zerolog.Nop(),
	}

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(work.deleted) != 1 {
		t.Fatalf("expected the unresolvable %q row deleted, got %d deletes", "ghost", len(work.deleted))
	}
	if len(work.touched) != 2 {
		t.Fatalf("expected both resolvable rows touched, got %d", len(work.touched))
	}
	if len(resolver.joinCalls) != 1 || resolver.joinCalls[0] != bobID {
		t.Fatalf("expected exactly one join, for bob's not-yet-joined chat, got %v", resolver.joinCalls)
	}
	if len(resolver.quitCalls) != 2 {
		t.Fatalf("expected quit called for every processed row, got %v", resolver.quitCalls)
	}
	if !leaser.released || leaser.releasedID != leaser.handle.SessionID {
		t.Fatalf("expected the acquired session released on a drained queue")
	}
}

func TestChannelDriverStopsOnContextCancellation(t *testing.T) {
	leaser := newFakeLeaser()
	work := &fakeChannelWorkRepo{rows: []domain.ChannelWork{
		{ID: uuid.New(), Username: "alice"},
	}}
	resolver := &fakeResolver{chats: map[string]domain.ChatCache{}}
	driver := &ChannelHistoryDriver{
		Sessions: leaser,
		Work:     work,
		Resolver: resolver,
		History:  &fakeExpander{passesUntilDone: 1},
		Log:      zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := driver.Run(ctx); err != nil {
		t.Fatalf("expected a cancelled ctx to end the loop cleanly, got %v", err)
	}
	if !leaser.released {
		t.Fatalf("expected the session released even when the loop never processes a row")
	}
}

func TestChannelDriverSurfacesAcquireFailure(t *testing.T) {
	leaser := &fakeLeaser{acquireErr: domain.ErrNoSession}
	driver := &ChannelHistoryDriver{
		Sessions: leaser,
		Work:     &fakeChannelWorkRepo{},
		Resolver: &fakeResolver{chats: map[string]domain.ChatCache{}},
		History:  &fakeExpander{},
		Log:      zerolog.Nop(),
	}

	if err := driver.Run(context.Background()); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("expected ErrNoSession to surface, got %v", err)
	}
}

func TestUsernameDriverMarksInvalidAndContinues(t *testing.T) {
	leaser := newFakeLeaser()
	aliceID := uuid.New()
	work := &fakeUsernameWorkRepo{rows: []domain.UsernameWork{
		{ID: uuid.New(), Username: "ghost"},
		{ID: uuid.New(), Username: "alice"},
	}}
	resolver := &fakeResolver{chats: map[string]domain.ChatCache{
		"alice": {ID: aliceID, Packed: domain.PackedChat{Kind: domain.PeerUser, ID: 1}},
	}}
	fetcher := &fakeFetcher{}
	driver := &UsernameFullDriver{
		Sessions: leaser,
		Work:     work,
		Resolver: resolver,
		Fetcher:  fetcher,
		Log:      zerolog.Nop(),
	}

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(work.invalid) != 1 {
		t.Fatalf("expected the unresolvable row marked invalid, got %d", len(work.invalid))
	}
	if len(work.valid) != 1 || len(fetcher.fetched) != 1 || fetcher.fetched[0] != aliceID {
		t.Fatalf("expected alice fetched and marked valid, got valid=%d fetched=%v", len(work.valid), fetcher.fetched)
	}
	if len(work.touched) != 1 {
		t.Fatalf("expected exactly the resolved row touched, got %d", len(work.touched))
	}
	if !leaser.released {
		t.Fatalf("expected the session released once the queue drains")
	}
}

func TestUsernameDriverExitsImmediatelyOnEmptyQueue(t *testing.T) {
	leaser := newFakeLeaser()
	driver := &UsernameFullDriver{
		Sessions: leaser,
		Work:     &fakeUsernameWorkRepo{},
		Resolver: &fakeResolver{chats: map[string]domain.ChatCache{}},
		Fetcher:  &fakeFetcher{},
		Log:      zerolog.Nop(),
	}

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !leaser.released {
		t.Fatalf("expected the session released even with an empty queue")
	}
}
