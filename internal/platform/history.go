package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gotd/td/tg"

	"github.com/esse-scrape/gram/internal/domain"
)

// historyPageSize bounds each messages.getHistory round trip; the
// iterator's own cfg.Limit bounds how many messages it yields in total.
const historyPageSize = 100

// IterHistory returns a single-use, lazily-paged iterator yielding messages
// newest-before-cfg.OffsetID going backward toward id 1.
func (c *Client) IterHistory(ctx context.Context, cfg domain.HistoryConfig) (domain.HistoryIterator, error) {
	peer, err := toInputPeer(cfg.Chat)
	if err != nil {
		return nil, err
	}
	limit := cfg.Limit
	if limit < 0 {
		return nil, fmt.Errorf("platform: negative history limit")
	}
	return &historyIterator{
		client:   c,
		peer:     peer,
		offsetID: cfg.OffsetID,
		limit:    limit,
		yielded:  0,
		done:     limit == 0,
	}, nil
}

type historyIterator struct {
	client   *Client
	peer     tg.InputPeerClass
	offsetID int32
	limit    int // 0 yields nothing: IterHistory marks such an iterator done up front
	yielded  int

	buf  []*tg.Message
	idx  int
	done bool
}

func (it *historyIterator) Next(ctx context.Context) (domain.Message, bool, error) {
	if it.done {
		return domain.Message{}, false, nil
	}
	if it.limit > 0 && it.yielded >= it.limit {
		it.done = true
		return domain.Message{}, false, nil
	}
	if it.idx >= len(it.buf) {
		if err := it.fill(ctx); err != nil {
			return domain.Message{}, false, err
		}
		if len(it.buf) == 0 {
			it.done = true
			return domain.Message{}, false, nil
		}
	}
	m := it.buf[it.idx]
	it.idx++
	it.yielded++
	it.offsetID = int32(m.ID)

	raw, err := json.Marshal(messageWire{
		ID:   m.ID,
		Date: m.Date,
		Text: m.Message,
	})
	if err != nil {
		return domain.Message{}, false, err
	}
	return domain.Message{
		ID:       int32(m.ID),
		Text:     m.Message,
		Entities: convertEntities(m.Entities),
		Raw:      raw,
	}, true, nil
}

type messageWire struct {
	ID   int    `json:"id"`
	Date int    `json:"date"`
	Text string `json:"text"`
}

func convertEntities(in []tg.MessageEntityClass) []domain.Entity {
	out := make([]domain.Entity, 0, len(in))
	for _, e := range in {
		switch ent := e.(type) {
		case *tg.MessageEntityMention:
			out = append(out, domain.Entity{Kind: domain.EntityMention, Offset: ent.Offset, Length: ent.Length})
		case *tg.MessageEntityMentionName:
			out = append(out, domain.Entity{Kind: domain.EntityMentionName, Offset: ent.Offset, Length: ent.Length, UserID: ent.UserID})
		case *tg.MessageEntityTextURL:
			out = append(out, domain.Entity{Kind: domain.EntityTextURL, Offset: ent.Offset, Length: ent.Length, URL: ent.URL})
		}
	}
	return out
}

// fill performs one messages.getHistory round trip; a `max_limit = 0`
// request is a no-op per §4.5 and never round-trips.
func (it *historyIterator) fill(ctx context.Context) error {
	it.idx = 0
	it.buf = it.buf[:0]

	page := historyPageSize
	if it.limit > 0 {
		remaining := it.limit - it.yielded
		if remaining < page {
			page = remaining
		}
	}
	if page == 0 {
		return nil
	}
	if err := it.client.throttle(ctx); err != nil {
		return err
	}

	history, err := it.client.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     it.peer,
		OffsetID: it.offsetID,
		Limit:    page,
	})
	if err != nil {
		return fmt.Errorf("platform: messages.getHistory: %w", err)
	}

	var raws []tg.MessageClass
	switch h := history.(type) {
	case *tg.MessagesChannelMessages:
		raws = h.Messages
	case *tg.MessagesMessagesSlice:
		raws = h.Messages
	case *tg.MessagesMessages:
		raws = h.Messages
	default:
		return fmt.Errorf("platform: unexpected history response %T", history)
	}

	for _, raw := range raws {
		if m, ok := raw.(*tg.Message); ok {
			it.buf = append(it.buf, m)
		}
	}
	return nil
}
