// Package store is the pgx-backed persistence layer: one adapter type per
// domain repo interface. Queries are plain SQL, transactions explicit,
// errors surfaced with errors.Is against pgx.ErrNoRows rather than a
// bespoke not-found type.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/esse-scrape/gram/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// Store type run either directly against the pool or pinned inside a
// caller-managed transaction (the history expander's prime/archaeology/
// catch-up passes all need the latter).
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres groups every repo adapter over one connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool.
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Tx is a caller-managed transaction: the history expander's one pass runs
// its prime/archaeology/catch-up steps against the same Tx so either all of
// them land or none do.
type Tx struct {
	tx pgx.Tx
}

// BeginTx opens a new transaction at the given isolation level.
func (p *Postgres) BeginTx(ctx context.Context, iso pgx.TxIsoLevel) (*Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the underlying transaction.
func (t *Tx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

// Rollback rolls back the underlying transaction; calling it after a
// successful Commit is a no-op error safely ignored by callers using the
// usual `defer tx.Rollback(ctx)` idiom.
func (t *Tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// Messages returns a MessageRepo view pinned to this transaction.
func (t *Tx) Messages() *MessageStore { return &MessageStore{q: t.tx} }

// ChatCache returns a ChatCacheRepo view pinned to this transaction.
func (t *Tx) ChatCache() *ChatCacheStore { return &ChatCacheStore{q: t.tx} }

// Sessions returns the SessionRepo view over p.
func (p *Postgres) Sessions() *SessionStore { return &SessionStore{pool: p.pool} }

// ChatCache returns the ChatCacheRepo view over p.
func (p *Postgres) ChatCache() *ChatCacheStore { return &ChatCacheStore{q: p.pool} }

// ChannelWork returns the ChannelWorkRepo view over p.
func (p *Postgres) ChannelWork() *ChannelWorkStore { return &ChannelWorkStore{q: p.pool} }

// UsernameWork returns the UsernameWorkRepo view over p.
func (p *Postgres) UsernameWork() *UsernameWorkStore { return &UsernameWorkStore{q: p.pool} }

// Messages returns the MessageRepo view over p.
func (p *Postgres) Messages() *MessageStore { return &MessageStore{q: p.pool} }

// FullInfo returns the FullInfoRepo view over p.
func (p *Postgres) FullInfo() *FullInfoStore { return &FullInfoStore{q: p.pool} }

// historyTxAdapter narrows *Tx to domain.HistoryTx: Go's structural typing
// can't match Messages() *MessageStore against Messages() domain.MessageRepo
// directly, so this adapter does the conversion explicitly.
type historyTxAdapter struct{ tx *Tx }

func (a historyTxAdapter) Messages() domain.MessageRepo       { return a.tx.Messages() }
func (a historyTxAdapter) Commit(ctx context.Context) error   { return a.tx.Commit(ctx) }
func (a historyTxAdapter) Rollback(ctx context.Context) error { return a.tx.Rollback(ctx) }

// BeginHistoryTx implements domain.HistoryTxBeginner, used exclusively by
// internal/history to scope one expansion pass.
func (p *Postgres) BeginHistoryTx(ctx context.Context) (domain.HistoryTx, error) {
	tx, err := p.BeginTx(ctx, pgx.ReadCommitted)
	if err != nil {
		return nil, err
	}
	return historyTxAdapter{tx: tx}, nil
}

var _ domain.HistoryTxBeginner = (*Postgres)(nil)
