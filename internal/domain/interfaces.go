package domain

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared across components, checked with errors.Is rather
// than a bespoke error hierarchy.
var (
	ErrNoSession         = errors.New("no frozen session available")
	ErrUsernameNotFound  = errors.New("username did not resolve to a chat")
	ErrWrongKind         = errors.New("full-info request against the wrong peer kind")
	ErrIntervalLost      = errors.New("stored history interval changed during expansion")
	ErrAlreadyJoined     = errors.New("chat is already joined")
	ErrAlreadyLeft       = errors.New("chat is already left")
	ErrSessionInUse      = errors.New("session row is already in use")
	ErrWorkQueueEmpty    = errors.New("work queue is empty")
	ErrUnsupportedPeer   = errors.New("unsupported peer kind")
	ErrSurrogateBoundary = errors.New("utf-16 offset falls inside a surrogate pair")
)

// Entity is a typed span over a message's text, offsets expressed in UTF-16
// code units (the platform's convention).
type Entity struct {
	Kind   EntityKind
	Offset int
	Length int
	UserID int64  // populated for EntityMentionName
	URL    string // populated for EntityTextURL
}

// EntityKind enumerates the entity kinds the mention extractor understands;
// all other kinds are ignored.
type EntityKind int

const (
	EntityUnknown EntityKind = iota
	EntityMention
	EntityMentionName
	EntityTextURL
)

// Message is the minimal shape the mention extractor and the history
// expander need from a platform message: raw text, its entities, and the
// numeric id used for contiguity bookkeeping.
type Message struct {
	ID       int32
	Text     string
	Entities []Entity
	Raw      []byte // the full platform message, opaque JSON, stored verbatim
}

// PlatformClient is the typed wrapper over the MTProto transport that every
// other component programs against (C2). One instance corresponds to one
// connected, logged-in session.
type PlatformClient interface {
	Self(ctx context.Context) (userID int64, err error)
	ResolveUsername(ctx context.Context, username string) (PackedChat, bool, error)
	Join(ctx context.Context, chat PackedChat) (PackedChat, error)
	Quit(ctx context.Context, chat PackedChat) error
	IterHistory(ctx context.Context, cfg HistoryConfig) (HistoryIterator, error)
	FetchUserFull(ctx context.Context, chat PackedChat) (UserFull, error)
	FetchChannelFull(ctx context.Context, chat PackedChat) (ChannelFull, error)
	Download(ctx context.Context, cfg DownloadConfig) (io.ReadCloser, error)
	Freeze(ctx context.Context) ([]byte, error)
	Close() error
}

// HistoryConfig parametrizes one history.iter_history call.
type HistoryConfig struct {
	Chat      PackedChat
	Limit     int // 0 is a no-op: returns immediately with no round trip
	OffsetID  int32
	HasOffset bool // distinguishes OffsetID==0 (explicit) from "no offset"
}

// HistoryIterator is a single-use, finite, lazily-suspendable sequence of
// messages yielded newest-before-OffsetID going backward.
type HistoryIterator interface {
	Next(ctx context.Context) (Message, bool, error)
}

// DownloadConfig parametrizes one media download stream.
type DownloadConfig struct {
	MediaRaw  []byte // opaque platform media reference, as stored on a Message
	Offset    int64
	ChunkSize int32
}

// SessionRepo persists the session table and mediates the in_use flag.
type SessionRepo interface {
	AcquireFrozen(ctx context.Context) (Session, ApiCredential, bool, error)
	MarkReleased(ctx context.Context, id uuid.UUID, frozen []byte) error
	MarkInUse(ctx context.Context, id uuid.UUID) error
	Insert(ctx context.Context, credentialID, accountID uuid.UUID, frozen []byte) (Session, error)
	Credential(ctx context.Context, id uuid.UUID) (ApiCredential, error)
	AnyCredential(ctx context.Context) (ApiCredential, error)
	AnyAccount(ctx context.Context) (Account, error)
}

// ChatCacheRepo persists the resolution cache table.
type ChatCacheRepo interface {
	Find(ctx context.Context, accountID uuid.UUID, username string) (ChatCache, bool, error)
	Insert(ctx context.Context, row ChatCache) (ChatCache, error)
	Get(ctx context.Context, id uuid.UUID) (ChatCache, error)
	SetJoined(ctx context.Context, id uuid.UUID, joined bool, packed PackedChat) error
	// ListByAccount returns every cached chat for accountID, newest-updated
	// first. It backs the external interface's chat/list operation.
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]ChatCache, error)
}

// ChannelWorkRepo persists the channel-history work queue.
type ChannelWorkRepo interface {
	Oldest(ctx context.Context) (ChannelWork, bool, error)
	Touch(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// UsernameWorkRepo persists the username-resolution work queue.
type UsernameWorkRepo interface {
	OldestEligible(ctx context.Context, now time.Time, staleAfter time.Duration) (UsernameWork, bool, error)
	Touch(ctx context.Context, id uuid.UUID) error
	MarkInvalid(ctx context.Context, id uuid.UUID) error
	MarkValid(ctx context.Context, id uuid.UUID) error
}

// MessageRepo persists peer_history and reports interval bounds used by the
// history expander to preserve the contiguity invariant.
type MessageRepo interface {
	// Bounds returns (lo, hi, exists) for the stored history_id interval of
	// one chat.
	Bounds(ctx context.Context, platformChatID int64) (lo, hi int32, exists bool, err error)
	// InsertBatch inserts messages, relying on the (platform_chat_id,
	// history_id) uniqueness constraint for idempotence; returns the count
	// of rows actually inserted (duplicates are silently skipped, not
	// errors).
	InsertBatch(ctx context.Context, accountID, chatID uuid.UUID, platformChatID int64, msgs []Message) (int, error)
}

// HistoryTx is one caller-managed transaction scoped to a single history
// expansion pass (prime, archaeology, catch-up all land together or not at
// all).
type HistoryTx interface {
	Messages() MessageRepo
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// HistoryTxBeginner opens a HistoryTx; internal/store is its only
// implementation.
type HistoryTxBeginner interface {
	BeginHistoryTx(ctx context.Context) (HistoryTx, error)
}

// FullInfoRepo persists peer_full snapshots.
type FullInfoRepo interface {
	Freshest(ctx context.Context, username string) (FullInfo, bool, error)
	Insert(ctx context.Context, row FullInfo) (FullInfo, error)
}

// ResolutionCache is C4: username -> live packed chat, per account.
type ResolutionCache interface {
	Resolve(ctx context.Context, client PlatformClient, accountID uuid.UUID, username string) (ChatCache, bool, error)
	Join(ctx context.Context, client PlatformClient, chatID uuid.UUID) (PackedChat, error)
	Quit(ctx context.Context, client PlatformClient, chatID uuid.UUID) error
}

// KVCache is a generic TTL-keyed byte cache (the Redis read-through layer
// in front of ResolutionCache, or anything else that wants one).
type KVCache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
