// Package mention mines @username mentions and deep links out of raw
// platform messages. It is pure — no I/O, no side effects — so it embeds
// cleanly in other pipelines as well as feeding the scraper's own crawl
// queue.
package mention

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/esse-scrape/gram/internal/domain"
)

// Result is the extractor's output: the set of usernames and user ids
// mentioned in one message.
type Result struct {
	Usernames map[string]struct{}
	UserIDs   map[int64]struct{}
}

func newResult() Result {
	return Result{Usernames: map[string]struct{}{}, UserIDs: map[int64]struct{}{}}
}

// Option configures Extract / ExtractJSON.
type Option func(*config)

type config struct {
	host string
}

// WithHost overrides the deep-link host (default "t.me"), for platform
// deployments that address chats under a different domain.
func WithHost(host string) Option {
	return func(c *config) { c.host = host }
}

func newConfig(opts []Option) config {
	c := config{host: defaultHost}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Extract scans msg's entities and raw text for mentions and deep links.
//
// It runs both the entity-scan path (mention, mention-by-id, text-url
// entities) and a standalone bare-deep-link scan over the raw text, unioning
// the two — a message may reference the same channel both via an entity and
// via plain text, and either may be the only one present.
func Extract(msg domain.Message, opts ...Option) Result {
	cfg := newConfig(opts)
	res := newResult()

	for _, ent := range msg.Entities {
		switch ent.Kind {
		case domain.EntityMention, domain.EntityMentionName:
			name, ok := mentionUsername(msg.Text, ent)
			if !ok {
				continue // offset out of bounds or inside a surrogate pair: drop this entity only
			}
			res.Usernames[name] = struct{}{}
			if ent.Kind == domain.EntityMentionName {
				res.UserIDs[ent.UserID] = struct{}{}
			}
		case domain.EntityTextURL:
			if name, ok := usernameFromTextURL(ent.URL, cfg.host); ok {
				res.Usernames[name] = struct{}{}
			}
		}
	}

	for _, name := range scanBareLinks(msg.Text, cfg.host) {
		res.Usernames[name] = struct{}{}
	}

	return res
}

// mentionUsername maps a mention/mention-by-id entity's UTF-16 span onto
// msg, strips the leading '@', and lowercases the result.
func mentionUsername(text string, ent domain.Entity) (string, bool) {
	start, end, ok := utf16RangeToUTF8(text, ent.Offset, ent.Length)
	if !ok {
		return "", false
	}
	if start > len(text) || end > len(text) || start > end {
		return "", false
	}
	span := text[start:end]
	span = strings.TrimPrefix(span, "@")
	if span == "" {
		return "", false
	}
	return strings.ToLower(span), true
}

// wireMessage is the JSON envelope ExtractJSON understands: a text body
// plus an ordered entity array, each entity UTF-16-offset/length plus a
// kind-specific payload.
type wireMessage struct {
	Message  string       `json:"message"`
	Entities []wireEntity `json:"entities"`
}

type wireEntity struct {
	Type   string `json:"_type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	UserID int64  `json:"user_id,omitempty"`
	URL    string `json:"url,omitempty"`
}

const (
	typeMention     = "messageEntityMention"
	typeMentionName = "messageEntityMentionName"
	typeTextURL     = "messageEntityTextUrl"
)

// ExtractJSON decodes a JSON-encoded platform message and runs Extract over
// it. A malformed payload is reported as a decoding error, per §7's "bad
// JSON into the extractor" policy — distinct from a dropped entity, which
// is never an error.
func ExtractJSON(raw []byte, opts ...Option) (Result, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Result{}, fmt.Errorf("mention: decode message: %w", err)
	}

	msg := domain.Message{Text: wire.Message, Raw: raw}
	for _, we := range wire.Entities {
		ent := domain.Entity{Offset: we.Offset, Length: we.Length, UserID: we.UserID, URL: we.URL}
		switch we.Type {
		case typeMention:
			ent.Kind = domain.EntityMention
		case typeMentionName:
			ent.Kind = domain.EntityMentionName
		case typeTextURL:
			ent.Kind = domain.EntityTextURL
		default:
			continue
		}
		msg.Entities = append(msg.Entities, ent)
	}

	return Extract(msg, opts...), nil
}
