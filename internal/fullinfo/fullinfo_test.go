package fullinfo

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/esse-scrape/gram/internal/domain"
)

type fakeFullInfoRepo struct {
	rows []domain.FullInfo
}

func (f *fakeFullInfoRepo) Freshest(ctx context.Context, username string) (domain.FullInfo, bool, error) {
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].Username != nil && *f.rows[i].Username == username {
			return f.rows[i], true, nil
		}
	}
	return domain.FullInfo{}, false, nil
}

func (f *fakeFullInfoRepo) Insert(ctx context.Context, row domain.FullInfo) (domain.FullInfo, error) {
	row.ID = uuid.New()
	f.rows = append(f.rows, row)
	return row, nil
}

var _ domain.FullInfoRepo = (*fakeFullInfoRepo)(nil)

type fakeClient struct {
	userFull    domain.UserFull
	channelFull domain.ChannelFull
	err         error
}

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
	return f.userFull, f.err
}
func (f *fakeClient) FetchChannelFull(ctx context.Context, chat domain.PackedChat) (domain.ChannelFull, error) {
	return f.channelFull, f.err
}
func (f *fakeClient) Download(ctx context.Context, cfg domain.DownloadConfig) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeClient) Freeze(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeClient) Close() error                               { return nil }

var _ domain.PlatformClient = (*fakeClient)(nil)

func TestFetchUserDispatches(t *testing.T) {
	repo := &fakeFullInfoRepo{}
	client := &fakeClient{userFull: domain.UserFull{About: "hello"}}
	f := New(repo)
	username := "alice"

	row, err := f.Fetch(context.Background(), client, domain.ChatCache{
		Username: &username,
		Packed:   domain.PackedChat{Kind: domain.PeerUser, ID: 1},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if row.Kind != domain.FullInfoUser || row.UserFull == nil || row.UserFull.About != "hello" {
		t.Fatalf("expected a populated UserFull snapshot, got %+v", row)
	}
	if row.ChannelFull != nil {
		t.Fatalf("expected ChannelFull to stay nil for a user snapshot")
	}
}

func TestFetchChannelDispatches(t *testing.T) {
	repo := &fakeFullInfoRepo{}
	client := &fakeClient{channelFull: domain.ChannelFull{ParticipantCount: 99}}
	f := New(repo)

	row, err := f.Fetch(context.Background(), client, domain.ChatCache{
		Packed: domain.PackedChat{Kind: domain.PeerChannel, ID: 1},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if row.Kind != domain.FullInfoChannel || row.ChannelFull == nil || row.ChannelFull.ParticipantCount != 99 {
		t.Fatalf("expected a populated ChannelFull snapshot, got %+v", row)
	}
	if row.UserFull != nil {
		t.Fatalf("expected UserFull to stay nil for a channel snapshot")
	}
}

func TestFetchWrongKindSurfacesNotRetried(t *testing.T) {
	repo := &fakeFullInfoRepo{}
	client := &fakeClient{}
	f := New(repo)

	_, err := f.Fetch(context.Background(), client, domain.ChatCache{
		Packed: domain.PackedChat{Kind: domain.PeerChat, ID: 1},
	})
	if !errors.Is(err, domain.ErrWrongKind) {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
	if len(repo.rows) != 0 {
		t.Fatalf("expected no snapshot persisted for a wrong-kind chat")
	}
}

func TestFetchAppendsRatherThanUpdates(t *testing.T) {
	repo := &fakeFullInfoRepo{}
	client := &fakeClient{userFull: domain.UserFull{About: "v1"}}
	f := New(repo)
	username := "alice"
	chat := domain.ChatCache{Username: &username, Packed: domain.PackedChat{Kind: domain.PeerUser, ID: 1}}

	if _, err := f.Fetch(context.Background(), client, chat); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	client.userFull = domain.UserFull{About: "v2"}
	if _, err := f.Fetch(context.Background(), client, chat); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if len(repo.rows) != 2 {
		t.Fatalf("expected two append-only snapshots, got %d", len(repo.rows))
	}
}
