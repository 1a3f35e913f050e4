package resolver

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/esse-scrape/gram/internal/domain"
)

type fakeChatCacheRepo struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]domain.ChatCache
	finds   int
	inserts int
}

func newFakeChatCacheRepo() *fakeChatCacheRepo {
	return &fakeChatCacheRepo{byID: make(map[uuid.UUID]domain.ChatCache)}
}

func (f *fakeChatCacheRepo) Find(ctx context.Context, accountID uuid.UUID, username string) (domain.ChatCache, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	for _, row := range f.byID {
		if row.AccountID == accountID && row.Username != nil && *row.Username == username {
			return row, true, nil
		}
	}
	return domain.ChatCache{}, false, nil
}

func (f *fakeChatCacheRepo) Insert(ctx context.Context, row domain.ChatCache) (domain.ChatCache, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	row.ID = uuid.New()
	f.byID[row.ID] = row
	return row, nil
}

func (f *fakeChatCacheRepo) Get(ctx context.Context, id uuid.UUID) (domain.ChatCache, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.byID[id]
	if !ok {
		return domain.ChatCache{}, errors.New("not found")
	}
	return row, nil
}

func (f *fakeChatCacheRepo) SetJoined(ctx context.Context, id uuid.UUID, joined bool, packed domain.PackedChat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.byID[id]
	if !ok {
		return errors.New("not found")
	}
	row.Joined = joined
	row.Packed = packed
	f.byID[id] = row
	return nil
}

// fakePlatformClient resolves a fixed set of usernames and counts calls.
type fakePlatformClient struct {
	mu           sync.Mutex
	known        map[string]domain.PackedChat
	resolveCalls int
}

func (f *fakePlatformClient) Self(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakePlatformClient) ResolveUsername(ctx context.Context, username string) (domain.PackedChat, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	chat, ok := f.known[username]
	return chat, ok, nil
}
func (f *fakePlatformClient) Join(ctx context.Context, chat domain.PackedChat) (domain.PackedChat, error) {
	return chat, nil
}
func (f *fakePlatformClient) Quit(ctx context.Context, chat domain.PackedChat) error { return nil }
func (f *fakePlatformClient) IterHistory(ctx context.Context, cfg domain.HistoryConfig) (domain.HistoryIterator, error) {
	return nil, nil
}
func (f *fakePlatformClient) FetchUserFull(ctx context.Context, chat domain.PackedChat) (domain.UserFull, error) {
	return domain.UserFull{}, nil
}
func (f *fakePlatformClient) FetchChannelFull(ctx context.Context, chat domain.PackedChat) (domain.ChannelFull, error) {
	return domain.ChannelFull{}, nil
}
func (f *fakePlatformClient) Download(ctx context.Context, cfg domain.DownloadConfig) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakePlatformClient) Freeze(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakePlatformClient) Close() error                               { return nil }

var _ domain.PlatformClient = (*fakePlatformClient)(nil)

func TestResolveMissWithoutTombstone(t *testing.T) {
	repo := newFakeChatCacheRepo()
	client := &fakePlatformClient{known: map[string]domain.PackedChat{}}
	r := New(repo, nil, zerolog.Nop())

	_, ok, err := r.Resolve(context.Background(), client, uuid.New(), "ghost")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ok {
		t.Fatalf("expected a miss")
	}
	if repo.inserts != 0 {
		t.Fatalf("expected no tombstone row inserted on miss, got %d inserts", repo.inserts)
	}
}

func TestResolveHitInsertsOnce(t *testing.T) {
	repo := newFakeChatCacheRepo()
	accountID := uuid.New()
	client := &fakePlatformClient{known: map[string]domain.PackedChat{
		"alice": {Kind: domain.PeerUser, ID: 42, AccessHash: 7},
	}}
	r := New(repo, nil, zerolog.Nop())

	row, ok, err := r.Resolve(context.Background(), client, accountID, "alice")
	if err != nil || !ok {
		t.Fatalf("Resolve: ok=%v err=%v", ok, err)
	}
	if row.Packed.ID != 42 {
		t.Fatalf("expected packed id 42, got %d", row.Packed.ID)
	}

	// A second resolve should come back from the DB, not another platform call.
	if _, ok, err := r.Resolve(context.Background(), client, accountID, "alice"); err != nil || !ok {
		t.Fatalf("second Resolve: ok=%v err=%v", ok, err)
	}
	if client.resolveCalls != 1 {
		t.Fatalf("expected exactly one platform resolve call, got %d", client.resolveCalls)
	}
	if repo.inserts != 1 {
		t.Fatalf("expected exactly one insert, got %d", repo.inserts)
	}
}

func TestResolveIsAccountScoped(t *testing.T) {
	repo := newFakeChatCacheRepo()
	accountA, accountB := uuid.New(), uuid.New()
	client := &fakePlatformClient{known: map[string]domain.PackedChat{
		"alice": {Kind: domain.PeerUser, ID: 42, AccessHash: 7},
	}}
	r := New(repo, nil, zerolog.Nop())

	if _, _, err := r.Resolve(context.Background(), client, accountA, "alice"); err != nil {
		t.Fatalf("Resolve for account A: %v", err)
	}
	// Account B must miss the DB (and go back through the platform), never
	// silently inherit account A's row.
	if _, _, err := r.Resolve(context.Background(), client, accountB, "alice"); err != nil {
		t.Fatalf("Resolve for account B: %v", err)
	}
	if client.resolveCalls != 2 {
		t.Fatalf("expected a platform call per account, got %d", client.resolveCalls)
	}
}

func TestJoinIsNoOpWhenAlreadyJoined(t *testing.T) {
	repo := newFakeChatCacheRepo()
	accountID := uuid.New()
	row, err := repo.Insert(context.Background(), domain.ChatCache{
		AccountID: accountID,
		Packed:    domain.PackedChat{Kind: domain.PeerChannel, ID: 1, AccessHash: 2},
		Joined:    true,
	})
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	client := &fakePlatformClient{known: map[string]domain.PackedChat{}}
	r := New(repo, nil, zerolog.Nop())

	packed, err := r.Join(context.Background(), client, row.ID)
	if !errors.Is(err, domain.ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
	if packed != row.Packed {
		t.Fatalf("expected the current packed chat to be returned alongside the no-op error")
	}
}

func TestQuitIsNoOpWhenAlreadyLeft(t *testing.T) {
	repo := newFakeChatCacheRepo()
	accountID := uuid.New()
	row, err := repo.Insert(context.Background(), domain.ChatCache{
		AccountID: accountID,
		Packed:    domain.PackedChat{Kind: domain.PeerChannel, ID: 1, AccessHash: 2},
		Joined:    false,
	})
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	client := &fakePlatformClient{known: map[string]domain.PackedChat{}}
	r := New(repo, nil, zerolog.Nop())

	err = r.Quit(context.Background(), client, row.ID)
	if !errors.Is(err, domain.ErrAlreadyLeft) {
		t.Fatalf("expected ErrAlreadyLeft, got %v", err)
	}
}

func TestJoinPersistsRotatedAccessHash(t *testing.T) {
	repo := newFakeChatCacheRepo()
	accountID := uuid.New()
	row, err := repo.Insert(context.Background(), domain.ChatCache{
		AccountID: accountID,
		Packed:    domain.PackedChat{Kind: domain.PeerChannel, ID: 1, AccessHash: 2},
		Joined:    false,
	})
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	client := &fakePlatformClient{known: map[string]domain.PackedChat{}}
	r := New(repo, nil, zerolog.Nop())

	packed, err := r.Join(context.Background(), client, row.ID)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	stored, err := repo.Get(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !stored.Joined || stored.Packed != packed {
		t.Fatalf("expected the store to reflect the joined state and packed chat")
	}
}

func TestResolveLowercasesUsername(t *testing.T) {
	repo := newFakeChatCacheRepo()
	accountID := uuid.New()
	client := &fakePlatformClient{known: map[string]domain.PackedChat{
		"alice": {Kind: domain.PeerUser, ID: 42},
	}}
	r := New(repo, nil, zerolog.Nop())

	if _, ok, err := r.Resolve(context.Background(), client, accountID, "Alice"); err != nil || !ok {
		t.Fatalf("Resolve mixed case: ok=%v err=%v", ok, err)
	}
	if client.resolveCalls != 1 {
		t.Fatalf("expected the platform to see the lowercased username, got %d calls", client.resolveCalls)
	}
}
