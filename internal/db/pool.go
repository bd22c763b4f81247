package db

import "github.com/jmoiron/sqlx"

// Pool splits database access into a write side and a read side.
//
// The message store is read-heavy: history pages and participant lookups far
// outnumber inserts. Under SQLite in WAL mode the writer is pinned to a single
// connection so inserts never trip over SQLITE_BUSY, while readers fan out
// over their own connections against WAL snapshots. Under Postgres the split
// is nominal and both sides share one pgx-backed pool.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps the writer and reader handles. Passing the same handle twice
// is valid and collapses the pool to a single connection set.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the side for INSERT, UPDATE, DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the side for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close shuts down both sides, closing a shared handle only once.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader == p.writer {
		return wErr
	}
	rErr := p.reader.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}
