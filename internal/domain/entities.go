// Package domain holds the persistent record shapes shared across the
// scraper's components. Nothing in this package talks to Postgres or
// MTProto directly — it is the vocabulary the other packages share.
package domain

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ApiCredential is an entry in the immutable catalogue of platform app
// credentials (api_id/api_hash pairs issued by the platform).
type ApiCredential struct {
	ID      uuid.UUID
	APIID   int32
	APIHash string
}

// Account is one human, phone-bound account the scraper can log in as.
type Account struct {
	ID        uuid.UUID
	Phone     string
	UpdatedAt time.Time
}

// Session is a row in the session table: the opaque frozen login blob for
// one account plus the in_use flag guarding mutual exclusion.
type Session struct {
	ID           uuid.UUID
	CredentialID uuid.UUID
	AccountID    uuid.UUID
	FrozenData   []byte
	InUse        bool
	UpdatedAt    time.Time
}

// PeerKind tags which platform peer kind a PackedChat addresses.
type PeerKind uint8

const (
	PeerUnknown PeerKind = iota
	PeerUser
	PeerChat
	PeerChannel
)

// PackedChat is the opaque id+access-hash token good for re-addressing a
// chat in later RPCs. It is account-scoped: an access hash minted for one
// account's session is meaningless (or wrong) under another account.
type PackedChat struct {
	Kind       PeerKind
	ID         int64
	AccessHash int64
}

// Pack serializes the token to its 17-byte wire form: 1 byte kind, 8 bytes
// id, 8 bytes access hash, all big-endian.
func (p PackedChat) Pack() []byte {
	buf := make([]byte, 17)
	buf[0] = byte(p.Kind)
	binary.BigEndian.PutUint64(buf[1:9], uint64(p.ID))
	binary.BigEndian.PutUint64(buf[9:17], uint64(p.AccessHash))
	return buf
}

// UnpackChat parses the 17-byte wire form produced by Pack.
func UnpackChat(raw []byte) (PackedChat, error) {
	if len(raw) != 17 {
		return PackedChat{}, fmt.Errorf("packed chat: expected 17 bytes, got %d", len(raw))
	}
	return PackedChat{
		Kind:       PeerKind(raw[0]),
		ID:         int64(binary.BigEndian.Uint64(raw[1:9])),
		AccessHash: int64(binary.BigEndian.Uint64(raw[9:17])),
	}, nil
}

// ChatCache is a row in the resolution cache (chat_cache / user_chat):
// a username (or bare chat id) resolved to a packed chat, scoped to one
// account, with ground-truth membership state.
type ChatCache struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	Username       *string
	PlatformChatID int64
	Packed         PackedChat
	Joined         bool
	UpdatedAt      time.Time
}

// ChannelWork is a row in the channel work queue (esse_interest_channel):
// a username seeded externally for the history driver to crawl.
type ChannelWork struct {
	ID        uuid.UUID
	Username  string
	UpdatedAt time.Time
}

// UsernameWork is a row in the username work queue (esse_username_full).
// IsValid is tri-state: nil means never resolved, false means confirmed
// dead, true means resolved at least once.
type UsernameWork struct {
	ID        uuid.UUID
	Source    *uuid.UUID
	Username  string
	IsValid   *bool
	UpdatedAt time.Time
}

// HistoryMessage is a row in peer_history: one crawled message, keyed
// uniquely by (platform_chat_id, history_id).
type HistoryMessage struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	ChatID         uuid.UUID
	PlatformChatID int64
	HistoryID      int32
	Raw            []byte // json
	UpdatedAt      time.Time
}

// FullInfoKind tags which of FullInfo's two payload fields is populated.
type FullInfoKind uint8

const (
	FullInfoUnknown FullInfoKind = iota
	FullInfoUser
	FullInfoChannel
)

// UserFull is the normalized heavy-metadata snapshot for a user peer. It
// never leaks the platform client's raw tg.UserFull type across this
// package's boundary.
type UserFull struct {
	About         string `json:"about,omitempty"`
	CommonChats   int32  `json:"common_chats_count,omitempty"`
	Blocked       bool   `json:"blocked,omitempty"`
	PhoneCallable bool   `json:"phone_calls_available,omitempty"`
}

// ChannelFull is the normalized heavy-metadata snapshot for a channel peer.
type ChannelFull struct {
	About            string `json:"about,omitempty"`
	ParticipantCount int32  `json:"participants_count,omitempty"`
	AdminCount       int32  `json:"admins_count,omitempty"`
	Restricted       bool   `json:"restricted,omitempty"`
	Megagroup        bool   `json:"megagroup,omitempty"`
}

// FullInfo is a row in peer_full: one append-only snapshot of heavy
// metadata for a chat, tagged by kind so exactly one of UserFull/
// ChannelFull is populated.
type FullInfo struct {
	ID             uuid.UUID
	ChatID         uuid.UUID
	PlatformChatID int64
	Username       *string
	Kind           FullInfoKind
	UserFull       *UserFull
	ChannelFull    *ChannelFull
	UpdatedAt      time.Time
}
