package peer

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/rvdmeulen/huddle/internal/proto"
)

// Outbox kinds.
const (
	// OutboxSync holds locally-hosted messages awaiting backup sync to
	// the tracker.
	OutboxSync = "sync"

	// OutboxOffline holds messages composed while no delivery path was
	// reachable; the sync routine re-attempts delivery.
	OutboxOffline = "offline"
)

// OutboxEntry is one queued message plus its row handle for requeueing.
type OutboxEntry struct {
	RowID int64
	Kind  string
	Msg   proto.Message
}

// Outbox is the peer's durable SQLite queue for pending tracker sync and
// the offline cache. It survives restarts when backed by a file.
type Outbox struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenOutbox opens (or creates) the outbox database. An empty path opens
// an in-memory queue that lives only for the process.
func OpenOutbox(path string) (*Outbox, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS outbox (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		kind    TEXT NOT NULL,
		channel TEXT NOT NULL,
		author  TEXT NOT NULL,
		content TEXT NOT NULL,
		ts      INTEGER NOT NULL,
		msg_id  INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Enqueue appends a message to the queue.
func (o *Outbox) Enqueue(kind string, m proto.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.db.Exec(
		`INSERT INTO outbox (kind, channel, author, content, ts, msg_id) VALUES (?, ?, ?, ?, ?, ?)`,
		kind, m.Channel, m.Author, m.Content, m.Timestamp, m.ID)
	return err
}

// DequeueBatch removes and returns up to limit entries of the given kind
// in insertion order; limit <= 0 drains everything. Entries that fail to
// deliver must be put back with Requeue, or they are lost.
func (o *Outbox) DequeueBatch(kind string, limit int) ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := o.db.Query(
		`SELECT id, kind, channel, author, content, ts, msg_id FROM outbox WHERE kind = ? ORDER BY id LIMIT ?`,
		kind, limit)
	if err != nil {
		return nil, err
	}

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.RowID, &e.Kind, &e.Msg.Channel, &e.Msg.Author, &e.Msg.Content, &e.Msg.Timestamp, &e.Msg.ID); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range out {
		if _, err := o.db.Exec(`DELETE FROM outbox WHERE id = ?`, e.RowID); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Requeue puts failed entries back into the queue.
func (o *Outbox) Requeue(entries []OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range entries {
		if _, err := o.db.Exec(
			`INSERT INTO outbox (kind, channel, author, content, ts, msg_id) VALUES (?, ?, ?, ?, ?, ?)`,
			e.Kind, e.Msg.Channel, e.Msg.Author, e.Msg.Content, e.Msg.Timestamp, e.Msg.ID); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of queued entries of the given kind.
func (o *Outbox) Pending(kind string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int
	err := o.db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE kind = ?`, kind).Scan(&n)
	return n, err
}

// GroupByChannel rearranges a drained batch into per-channel entry
// slices, preserving order, so a failed channel can be requeued without
// touching the others.
func GroupByChannel(entries []OutboxEntry) map[string][]OutboxEntry {
	groups := make(map[string][]OutboxEntry)
	for _, e := range entries {
		groups[e.Msg.Channel] = append(groups[e.Msg.Channel], e)
	}
	return groups
}

// EntryMessages extracts the message payloads of a batch.
func EntryMessages(entries []OutboxEntry) []proto.Message {
	out := make([]proto.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Msg
	}
	return out
}
