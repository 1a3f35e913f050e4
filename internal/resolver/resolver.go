// Package resolver is C4: the per-account username -> chat resolution
// cache, with join/quit as its two mutating operations. Postgres's
// chat_cache table is authoritative; a Redis read-through layer and an
// in-process singleflight group exist purely to avoid re-asking the
// platform (or the database) the same question twice at once.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/esse-scrape/gram/internal/domain"
)

const defaultCacheTTL = 5 * time.Minute

// Resolver implements domain.ResolutionCache.
type Resolver struct {
	repo  domain.ChatCacheRepo
	cache domain.KVCache
	log   zerolog.Logger
	ttl   time.Duration
	group singleflight.Group
}

// New builds a Resolver over repo, optionally read-through-cached by cache
// (nil disables the Redis layer, falling straight through to repo).
func New(repo domain.ChatCacheRepo, cache domain.KVCache, log zerolog.Logger) *Resolver {
	return &Resolver{repo: repo, cache: cache, log: log, ttl: defaultCacheTTL}
}

func cacheKey(accountID uuid.UUID, username string) string {
	return fmt.Sprintf("resolve:%s:%s", accountID, username)
}

// cachedRow is the JSON shape stored in Redis: just enough to rebuild a
// ChatCache without a database round trip. The account id is embedded so a
// cache hit can never cross accounts even if a key were somehow reused.
type cachedRow struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	PlatformChatID int64           `json:"platform_chat_id"`
	Kind           domain.PeerKind `json:"kind"`
	PackedID       int64           `json:"packed_id"`
	AccessHash     int64           `json:"access_hash"`
	Joined         bool            `json:"joined"`
}

func (c cachedRow) toChatCache() domain.ChatCache {
	return domain.ChatCache{
		ID:             c.ID,
		AccountID:      c.AccountID,
		PlatformChatID: c.PlatformChatID,
		Packed:         domain.PackedChat{Kind: c.Kind, ID: c.PackedID, AccessHash: c.AccessHash},
		Joined:         c.Joined,
	}
}

func fromChatCache(row domain.ChatCache) cachedRow {
	return cachedRow{
		ID:             row.ID,
		AccountID:      row.AccountID,
		PlatformChatID: row.PlatformChatID,
		Kind:           row.Packed.Kind,
		PackedID:       row.Packed.ID,
		AccessHash:     row.Packed.AccessHash,
		Joined:         row.Joined,
	}
}

// Resolve implements spec §4.4's three-step lookup: cache hit, DB hit,
// platform miss. A platform miss returns ok=false without writing a
// tombstone, so a later call can try again.
func (r *Resolver) Resolve(ctx context.Context, client domain.PlatformClient, accountID uuid.UUID, username string) (domain.ChatCache, bool, error) {
	username = strings.ToLower(username)

	if r.cache != nil {
		if row, ok := r.getCached(accountID, username); ok {
			return row, true, nil
		}
	}

	if row, ok, err := r.repo.Find(ctx, accountID, username); err != nil {
		return domain.ChatCache{}, false, fmt.Errorf("resolver: find cached chat: %w", err)
	} else if ok {
		r.setCached(accountID, username, row)
		return row, true, nil
	}

	// Concurrent resolves of the same cold (account, username) pair
	// collapse into one platform RPC.
	key := cacheKey(accountID, username)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolveViaPlatform(ctx, client, accountID, username)
	})
	if err != nil {
		return domain.ChatCache{}, false, err
	}
	result := v.(resolveResult)
	if !result.ok {
		return domain.ChatCache{}, false, nil
	}
	r.setCached(accountID, username, result.row)
	return result.row, true, nil
}

type resolveResult struct {
	row domain.ChatCache
	ok  bool
}

func (r *Resolver) resolveViaPlatform(ctx context.Context, client domain.PlatformClient, accountID uuid.UUID, username string) (resolveResult, error) {
	// Another goroutine may have inserted the row between our Find above
	// and acquiring the singleflight key; check once more before spending
	// a platform RPC.
	if row, ok, err := r.repo.Find(ctx, accountID, username); err != nil {
		return resolveResult{}, fmt.Errorf("resolver: find cached chat (recheck): %w", err)
	} else if ok {
		return resolveResult{row: row, ok: true}, nil
	}

	packed, ok, err := client.ResolveUsername(ctx, username)
	if err != nil {
		return resolveResult{}, fmt.Errorf("resolver: resolve username %q via platform: %w", username, err)
	}
	if !ok {
		return resolveResult{}, nil
	}

	uname := username
	row, err := r.repo.Insert(ctx, domain.ChatCache{
		AccountID:      accountID,
		Username:       &uname,
		PlatformChatID: packed.ID,
		Packed:         packed,
		Joined:         false,
	})
	if err != nil {
		return resolveResult{}, fmt.Errorf("resolver: insert resolved chat: %w", err)
	}
	return resolveResult{row: row, ok: true}, nil
}

func (r *Resolver) getCached(accountID uuid.UUID, username string) (domain.ChatCache, bool) {
	raw, err := r.cache.Get(cacheKey(accountID, username))
	if err != nil {
		return domain.ChatCache{}, false
	}
	var cr cachedRow
	if err := json.Unmarshal(raw, &cr); err != nil {
		return domain.ChatCache{}, false
	}
	if cr.AccountID != accountID {
		// Defensive: a key collision must never leak another account's
		// access hash (Invariant 4).
		return domain.ChatCache{}, false
	}
	return cr.toChatCache(), true
}

func (r *Resolver) setCached(accountID uuid.UUID, username string, row domain.ChatCache) {
	if r.cache == nil {
		return
	}
	buf, err := json.Marshal(fromChatCache(row))
	if err != nil {
		return
	}
	if err := r.cache.Set(cacheKey(accountID, username), buf, r.ttl); err != nil {
		r.log.Warn().Err(err).Str("username", username).Msg("resolver: redis write-through failed")
	}
}

// Join re-reads the row inside the caller's intent, joins via the
// platform if not already joined, and persists the (possibly rotated)
// packed chat. Already-joined is reported as domain.ErrAlreadyJoined
// alongside the current packed chat, not treated as a failure.
func (r *Resolver) Join(ctx context.Context, client domain.PlatformClient, chatID uuid.UUID) (domain.PackedChat, error) {
	row, err := r.repo.Get(ctx, chatID)
	if err != nil {
		return domain.PackedChat{}, fmt.Errorf("resolver: join: load chat %s: %w", chatID, err)
	}
	if row.Joined {
		return row.Packed, domain.ErrAlreadyJoined
	}
	packed, err := client.Join(ctx, row.Packed)
	if err != nil {
		return domain.PackedChat{}, fmt.Errorf("resolver: join: platform join: %w", err)
	}
	if err := r.repo.SetJoined(ctx, chatID, true, packed); err != nil {
		return domain.PackedChat{}, fmt.Errorf("resolver: join: persist: %w", err)
	}
	r.invalidateRowCache(row, packed, true)
	return packed, nil
}

// Quit is Join's mirror.
func (r *Resolver) Quit(ctx context.Context, client domain.PlatformClient, chatID uuid.UUID) error {
	row, err := r.repo.Get(ctx, chatID)
	if err != nil {
		return fmt.Errorf("resolver: quit: load chat %s: %w", chatID, err)
	}
	if !row.Joined {
		return domain.ErrAlreadyLeft
	}
	if err := client.Quit(ctx, row.Packed); err != nil {
		return fmt.Errorf("resolver: quit: platform quit: %w", err)
	}
	if err := r.repo.SetJoined(ctx, chatID, false, row.Packed); err != nil {
		return fmt.Errorf("resolver: quit: persist: %w", err)
	}
	r.invalidateRowCache(row, row.Packed, false)
	return nil
}

func (r *Resolver) invalidateRowCache(row domain.ChatCache, packed domain.PackedChat, joined bool) {
	if r.cache == nil || row.Username == nil {
		return
	}
	updated := row
	updated.Packed = packed
	updated.Joined = joined
	r.setCached(row.AccountID, *row.Username, updated)
}

var _ domain.ResolutionCache = (*Resolver)(nil)
