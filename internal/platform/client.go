// Package platform is the typed wrapper over gotd/td's MTProto client (C2):
// login, username resolution, join/quit, history iteration, heavy metadata
// fetches, and media download, all behind domain.PlatformClient so no other
// component touches gotd's raw types.
package platform

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"github.com/esse-scrape/gram/internal/domain"
)

// Options configures a Client beyond the bare api_id/api_hash pair. These
// mirror the canonical init parameters spec §4.2 calls for.
type Options struct {
	APIID               int
	APIHash             string
	DeviceModel         string
	AppVersion          string
	SystemLangCode      string
	FloodSleepThreshold time.Duration
	GlobalRPS           float64 // client-side throttle layered under gotd's own flood-wait handling
}

func (o Options) withDefaults() Options {
	if o.DeviceModel == "" {
		o.DeviceModel = "gram-scraper"
	}
	if o.AppVersion == "" {
		o.AppVersion = "1.0"
	}
	if o.SystemLangCode == "" {
		o.SystemLangCode = "en"
	}
	if o.FloodSleepThreshold == 0 {
		o.FloodSleepThreshold = 1200 * time.Second
	}
	if o.GlobalRPS == 0 {
		o.GlobalRPS = 20
	}
	return o
}

// Client is one connected, logged-in MTProto session. It owns the
// underlying telegram.Client's run loop for its entire lifetime; Close tears
// that loop down.
type Client struct {
	opts    Options
	storage *memStorage
	limiter *rate.Limiter

	tg     *telegram.Client
	api    *tg.Client
	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	mu      sync.Mutex
	started bool
	dcConns map[int]*dcConn
}

// NewClient constructs a Client around a frozen session blob. The
// underlying connection is not established until Run is called.
func NewClient(opts Options, frozen []byte) *Client {
	opts = opts.withDefaults()
	storage := newMemStorage(frozen)
	tgClient := telegram.NewClient(opts.APIID, opts.APIHash, telegram.Options{
		SessionStorage: storage,
		DCList:         telegram.ProductionDC(),
		Device: telegram.DeviceConfig{
			DeviceModel:    opts.DeviceModel,
			AppVersion:     opts.AppVersion,
			SystemLangCode: opts.SystemLangCode,
		},
	})
	return &Client{
		opts:    opts,
		storage: storage,
		limiter: rate.NewLimiter(rate.Limit(opts.GlobalRPS), 1),
		tg:      tgClient,
		api:     tgClient.API(),
	}
}

// Run connects in the background and returns once the connection is
// established (or setup fails); the connection itself stays open until ctx
// is cancelled or Close is called. Only internal/sessionstore calls this,
// handing out a Client to the rest of the system once Run has returned.
func (c *Client) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	ready := make(chan struct{})
	go func() {
		defer close(c.done)
		c.runErr = c.tg.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return nil
		})
	}()
	select {
	case <-ready:
		return nil
	case <-c.done:
		return c.runErr
	}
}

// Close tears down the connection and waits for Run's goroutine to exit.
func (c *Client) Close() error {
	c.closeDCConns()
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	if c.runErr != nil && c.runErr != context.Canceled {
		return c.runErr
	}
	return nil
}

// Freeze returns the current session bytes, reflecting any auth-key
// rotation gotd performed during the connection's lifetime.
func (c *Client) Freeze(ctx context.Context) ([]byte, error) {
	return c.storage.snapshot(), nil
}

// Self returns the connected user's own platform id.
func (c *Client) Self(ctx context.Context) (int64, error) {
	if err := c.throttle(ctx); err != nil {
		return 0, err
	}
	full, err := c.api.UsersGetFullUser(ctx, &tg.InputUserSelf{})
	if err != nil {
		return 0, fmt.Errorf("platform: users.getFullUser self: %w", err)
	}
	for _, u := range full.Users {
		if user, ok := u.(*tg.User); ok && user.Self {
			return user.ID, nil
		}
	}
	return 0, fmt.Errorf("platform: self user not present in response")
}

func (c *Client) throttle(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// toInputPeer builds the InputPeerClass gotd's RPCs need from a PackedChat.
func toInputPeer(chat domain.PackedChat) (tg.InputPeerClass, error) {
	switch chat.Kind {
	case domain.PeerUser:
		return &tg.InputPeerUser{UserID: chat.ID, AccessHash: chat.AccessHash}, nil
	case domain.PeerChat:
		return &tg.InputPeerChat{ChatID: chat.ID}, nil
	case domain.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash}, nil
	default:
		return nil, domain.ErrUnsupportedPeer
	}
}

// toInputChannel narrows a PackedChat to an InputChannel, used by the
// channel-only RPCs (join, quit, full-channel).
func toInputChannel(chat domain.PackedChat) (*tg.InputChannel, error) {
	if chat.Kind != domain.PeerChannel {
		return nil, domain.ErrWrongKind
	}
	return &tg.InputChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash}, nil
}

// toInputUser narrows a PackedChat to an InputUser, used by users.getFullUser.
func toInputUser(chat domain.PackedChat) (*tg.InputUser, error) {
	if chat.Kind != domain.PeerUser {
		return nil, domain.ErrWrongKind
	}
	return &tg.InputUser{UserID: chat.ID, AccessHash: chat.AccessHash}, nil
}

// ResolveUsername looks up a bare username and returns its packed chat. A
// username that resolves to nothing is reported via ok=false, not an error
// — §4.4's "miss is not an error" rule.
func (c *Client) ResolveUsername(ctx context.Context, username string) (domain.PackedChat, bool, error) {
	if err := c.throttle(ctx); err != nil {
		return domain.PackedChat{}, false, err
	}
	resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		if isNotFound(err) {
			return domain.PackedChat{}, false, nil
		}
		return domain.PackedChat{}, false, fmt.Errorf("platform: resolve username %q: %w", username, err)
	}
	for _, ch := range resolved.Chats {
		if channel, ok := ch.(*tg.Channel); ok {
			return domain.PackedChat{Kind: domain.PeerChannel, ID: channel.ID, AccessHash: channel.AccessHash}, true, nil
		}
		if chat, ok := ch.(*tg.Chat); ok {
			return domain.PackedChat{Kind: domain.PeerChat, ID: chat.ID}, true, nil
		}
	}
	for _, u := range resolved.Users {
		if user, ok := u.(*tg.User); ok {
			return domain.PackedChat{Kind: domain.PeerUser, ID: user.ID, AccessHash: user.AccessHash}, true, nil
		}
	}
	return domain.PackedChat{}, false, nil
}

func isNotFound(err error) bool {
	rpcErr, ok := asRPCError(err)
	return ok && (rpcErr.Type == "USERNAME_NOT_OCCUPIED" || rpcErr.Type == "USERNAME_INVALID")
}

// Join joins a channel or basic group, returning the (possibly rotated)
// packed chat for the now-joined peer.
func (c *Client) Join(ctx context.Context, chat domain.PackedChat) (domain.PackedChat, error) {
	if err := c.throttle(ctx); err != nil {
		return domain.PackedChat{}, err
	}
	switch chat.Kind {
	case domain.PeerChannel:
		input, err := toInputChannel(chat)
		if err != nil {
			return domain.PackedChat{}, err
		}
		updates, err := c.api.ChannelsJoinChannel(ctx, input)
		if err != nil {
			return domain.PackedChat{}, fmt.Errorf("platform: channels.joinChannel: %w", err)
		}
		return packedFromUpdates(chat, updates)
	default:
		return domain.PackedChat{}, domain.ErrUnsupportedPeer
	}
}

// Quit leaves a channel or basic group.
func (c *Client) Quit(ctx context.Context, chat domain.PackedChat) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}
	switch chat.Kind {
	case domain.PeerChannel:
		input, err := toInputChannel(chat)
		if err != nil {
			return err
		}
		_, err = c.api.ChannelsLeaveChannel(ctx, input)
		if err != nil {
			return fmt.Errorf("platform: channels.leaveChannel: %w", err)
		}
		return nil
	default:
		return domain.ErrUnsupportedPeer
	}
}

// packedFromUpdates re-derives the access hash from an UpdatesClass
// returned by a join RPC, since it may have rotated.
func packedFromUpdates(fallback domain.PackedChat, updates tg.UpdatesClass) (domain.PackedChat, error) {
	var chats []tg.ChatClass
	switch u := updates.(type) {
	case *tg.Updates:
		chats = u.Chats
	case *tg.UpdatesCombined:
		chats = u.Chats
	}
	for _, ch := range chats {
		if channel, ok := ch.(*tg.Channel); ok && channel.ID == fallback.ID {
			return domain.PackedChat{Kind: domain.PeerChannel, ID: channel.ID, AccessHash: channel.AccessHash}, nil
		}
	}
	return fallback, nil
}

// FetchUserFull retrieves heavy user metadata; calling it on a non-user
// chat is a programmer error, surfaced as ErrWrongKind.
func (c *Client) FetchUserFull(ctx context.Context, chat domain.PackedChat) (domain.UserFull, error) {
	input, err := toInputUser(chat)
	if err != nil {
		return domain.UserFull{}, err
	}
	if err := c.throttle(ctx); err != nil {
		return domain.UserFull{}, err
	}
	full, err := c.api.UsersGetFullUser(ctx, input)
	if err != nil {
		return domain.UserFull{}, fmt.Errorf("platform: users.getFullUser: %w", err)
	}
	about, _ := full.FullUser.GetAbout()
	return domain.UserFull{
		About:         about,
		CommonChats:   full.FullUser.CommonChatsCount,
		Blocked:       full.FullUser.Blocked,
		PhoneCallable: full.FullUser.PhoneCallsAvailable,
	}, nil
}

// FetchChannelFull retrieves heavy channel metadata; calling it on a
// non-channel chat is a programmer error, surfaced as ErrWrongKind.
func (c *Client) FetchChannelFull(ctx context.Context, chat domain.PackedChat) (domain.ChannelFull, error) {
	input, err := toInputChannel(chat)
	if err != nil {
		return domain.ChannelFull{}, err
	}
	if err := c.throttle(ctx); err != nil {
		return domain.ChannelFull{}, err
	}
	full, err := c.api.ChannelsGetFullChannel(ctx, input)
	if err != nil {
		return domain.ChannelFull{}, fmt.Errorf("platform: channels.getFullChannel: %w", err)
	}
	cf, ok := full.FullChat.(*tg.ChannelFull)
	if !ok {
		return domain.ChannelFull{}, fmt.Errorf("platform: unexpected full-chat type %T", full.FullChat)
	}
	about, _ := cf.GetAbout()
	participants, _ := cf.GetParticipantsCount()
	admins, _ := cf.GetAdminsCount()
	var megagroup bool
	for _, ch := range full.Chats {
		if channel, ok := ch.(*tg.Channel); ok && channel.ID == chat.ID {
			megagroup = channel.Megagroup
			break
		}
	}
	return domain.ChannelFull{
		About:            about,
		ParticipantCount: int32(participants),
		AdminCount:       int32(admins),
		Restricted:       cf.Restricted,
		Megagroup:        megagroup,
	}, nil
}

var (
	_ io.Closer             = (*Client)(nil)
	_ domain.PlatformClient = (*Client)(nil)
)
