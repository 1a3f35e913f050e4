package history

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/esse-scrape/gram/internal/domain"
)

// fakeMessageRepo is an in-memory domain.MessageRepo scoped to one chat,
// enforcing the same uniqueness-on-(platform_chat_id, history_id) idempotence
// a real Postgres unique index would.
type fakeMessageRepo struct {
	byChat map[int64]map[int32]bool
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{byChat: make(map[int64]map[int32]bool)}
}

func (f *fakeMessageRepo) Bounds(ctx context.Context, platformChatID int64) (int32, int32, bool, error) {
	ids := f.byChat[platformChatID]
	if len(ids) == 0 {
		return 0, 0, false, nil
	}
	var lo, hi int32
	first := true
	for id := range ids {
		if first || id < lo {
			lo = id
		}
		if first || id > hi {
			hi = id
		}
		first = false
	}
	return lo, hi, true, nil
}

func (f *fakeMessageRepo) InsertBatch(ctx context.Context, accountID, chatID uuid.UUID, platformChatID int64, msgs []domain.Message) (int, error) {
	ids, ok := f.byChat[platformChatID]
	if !ok {
		ids = make(map[int32]bool)
		f.byChat[platformChatID] = ids
	}
	inserted := 0
	for _, m := range msgs {
		if ids[m.ID] {
			continue
		}
		ids[m.ID] = true
		inserted++
	}
	return inserted, nil
}

var _ domain.MessageRepo = (*fakeMessageRepo)(nil)

// fakeTx wraps a fakeMessageRepo with no-op commit/rollback: each call to
// BeginHistoryTx in these tests shares the same underlying repo, so
// transaction boundaries only matter for the real Postgres implementation.
type fakeTx struct {
	repo *fakeMessageRepo
}

func (t fakeTx) Messages() domain.MessageRepo       { return t.repo }
func (t fakeTx) Commit(ctx context.Context) error   { return nil }
func (t fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeTxBeginner struct {
	repo *fakeMessageRepo
}

func (b *fakeTxBeginner) BeginHistoryTx(ctx context.Context) (domain.HistoryTx, error) {
	return fakeTx{repo: b.repo}, nil
}

var _ domain.HistoryTxBeginner = (*fakeTxBeginner)(nil)

// fakeHistoryClient serves a fixed in-memory server history, ids 1..n,
// newest-first, honoring Limit/OffsetID/HasOffset the way the real platform
// client's MessagesGetHistory wrapping does.
type fakeHistoryClient struct {
	mu  sync.Mutex
	ids []int32 // all server message ids, descending (newest first)
}

func newFakeHistoryClient(n int32) *fakeHistoryClient {
	ids := make([]int32, 0, n)
	for i := n; i >= 1; i-- {
		ids = append(ids, i)
	}
	return &fakeHistoryClient{ids: ids}
}

func (f *fakeHistoryClient) Self(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeHistoryClient) ResolveUsername(ctx context.Context, username string) (domain.PackedChat, bool, error) {
	return domain.PackedChat{}, false, nil
}
func (f *fakeHistoryClient) Join(ctx context.Context, chat domain.PackedChat) (domain.PackedChat, error) {
	return chat, nil
}
func (f *fakeHistoryClient) Quit(ctx context.Context, chat domain.PackedChat) error { return nil }
func (f *fakeHistoryClient) FetchUserFull(ctx context.Context, chat domain.PackedChat) (domain.UserFull, error) {
	return domain.UserFull{}, nil
}
func (f *fakeHistoryClient) FetchChannelFull(ctx context.Context, chat domain.PackedChat) (domain.ChannelFull, error) {
	return domain.ChannelFull{}, nil
}
func (f *fakeHistoryClient) Download(ctx context.Context, cfg domain.DownloadConfig) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeHistoryClient) Freeze(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeHistoryClient) Close() error                               { return nil }

func (f *fakeHistoryClient) IterHistory(ctx context.Context, cfg domain.HistoryConfig) (domain.HistoryIterator, error) {
	if cfg.Limit == 0 {
		return &fakeHistoryIterator{}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var window []int32
	if !cfg.HasOffset {
		// Most recent suffix, newest first.
		window = f.ids
	} else {
		for _, id := range f.ids {
			if id < cfg.OffsetID {
				window = append(window, id)
			}
		}
	}
	if len(window) > cfg.Limit {
		window = window[:cfg.Limit]
	}
	return &fakeHistoryIterator{ids: window}, nil
}

type fakeHistoryIterator struct {
	ids []int32
	idx int
}

func (it *fakeHistoryIterator) Next(ctx context.Context) (domain.Message, bool, error) {
	if it.idx >= len(it.ids) {
		return domain.Message{}, false, nil
	}
	id := it.ids[it.idx]
	it.idx++
	return domain.Message{ID: id}, true, nil
}

var _ domain.PlatformClient = (*fakeHistoryClient)(nil)

func TestPassE4ScenarioConvergesAndTerminates(t *testing.T) {
	repo := newFakeMessageRepo()
	expander := New(&fakeTxBeginner{repo: repo}, zerolog.Nop())
	client := newFakeHistoryClient(200)
	accountID, chatID := uuid.New(), uuid.New()
	chat := domain.PackedChat{Kind: domain.PeerChannel, ID: 1}
	const platformChatID = 1

	report, err := expander.Pass(context.Background(), client, accountID, chatID, chat, platformChatID, 50)
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if report.Old != 100 {
		t.Fatalf("expected archaeology to insert 100 rows (ids 1..100), got %d", report.Old)
	}
	if report.New != 0 {
		t.Fatalf("expected catch-up to insert 0 rows (server only has ids up to 200), got %d", report.New)
	}
	if report.Done {
		t.Fatalf("expected not done yet: old>0 means more to probe")
	}
	if report.NextLatestChunk != CatchupProbe {
		t.Fatalf("expected next latest_chunk to narrow to %d, got %d", CatchupProbe, report.NextLatestChunk)
	}

	lo, hi, exists, err := repo.Bounds(context.Background(), platformChatID)
	if err != nil || !exists {
		t.Fatalf("Bounds: exists=%v err=%v", exists, err)
	}
	if lo != 1 || hi != 200 {
		t.Fatalf("expected interval [1,200], got [%d,%d]", lo, hi)
	}

	report2, err := expander.Pass(context.Background(), client, accountID, chatID, chat, platformChatID, report.NextLatestChunk)
	if err != nil {
		t.Fatalf("Pass 2: %v", err)
	}
	if !report2.Done {
		t.Fatalf("expected the second pass to terminate: old=%d new=%d", report2.Old, report2.New)
	}
}

func TestPassIsIdempotentUnderRetry(t *testing.T) {
	repo := newFakeMessageRepo()
	expander := New(&fakeTxBeginner{repo: repo}, zerolog.Nop())
	client := newFakeHistoryClient(200)
	accountID, chatID := uuid.New(), uuid.New()
	chat := domain.PackedChat{Kind: domain.PeerChannel, ID: 1}
	const platformChatID = 1

	if _, err := expander.Pass(context.Background(), client, accountID, chatID, chat, platformChatID, DefaultLatestChunk); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	// Retrying the identical pass (as if a crash required a redo) must not
	// change the stored interval or double-count rows.
	report, err := expander.Pass(context.Background(), client, accountID, chatID, chat, platformChatID, DefaultLatestChunk)
	if err != nil {
		t.Fatalf("Pass retry: %v", err)
	}
	if report.Old != 0 || report.New != 0 {
		t.Fatalf("expected a retried pass to insert nothing new, got old=%d new=%d", report.Old, report.New)
	}
	lo, hi, _, _ := repo.Bounds(context.Background(), platformChatID)
	if lo != 1 || hi != 200 {
		t.Fatalf("expected interval to remain [1,200], got [%d,%d]", lo, hi)
	}
}

func TestPassOnEmptyChatTerminatesImmediately(t *testing.T) {
	repo := newFakeMessageRepo()
	expander := New(&fakeTxBeginner{repo: repo}, zerolog.Nop())
	client := newFakeHistoryClient(0)
	accountID, chatID := uuid.New(), uuid.New()
	chat := domain.PackedChat{Kind: domain.PeerChannel, ID: 9}

	report, err := expander.Pass(context.Background(), client, accountID, chatID, chat, 9, DefaultLatestChunk)
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if !report.Done {
		t.Fatalf("expected an empty chat to be immediately done")
	}
}

func TestNextLatestChunkTable(t *testing.T) {
	cases := []struct {
		old, new, latestChunk, want int
	}{
		{0, 0, 7, 7},
		{0, 5, 7, ArchaeologyMax},
		{3, 0, 7, CatchupProbe},
		{3, 20, 500, 20},
		{3, 50, 500, 500},
		{3, 120, 500, 500},
	}
	for _, c := range cases {
		got := nextLatestChunk(c.old, c.new, c.latestChunk)
		if got != c.want {
			t.Errorf("nextLatestChunk(%d,%d,%d) = %d, want %d", c.old, c.new, c.latestChunk, got, c.want)
		}
	}
}
