package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// DB is the tracker's persistent record store. Collections live under key
// prefixes in one Badger instance; every read-modify-write runs inside a
// single Update transaction, so read-your-writes holds within the process.
type DB struct {
	db *badger.DB
}

// Open opens (or creates) the store under dir.
func Open(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &DB{db: db}, nil
}

// OpenInMemory opens a store that lives only for the process. Used when no
// data directory is configured, and by tests.
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Key layout. Message and notification keys zero-pad the ID so the byte
// order of keys matches numeric order.
func userKey(name string) []byte    { return []byte("user/" + name) }
func channelKey(name string) []byte { return []byte("channel/" + name) }
func peerKey(id string) []byte      { return []byte("peer/" + id) }
func streamKey(ch string) []byte    { return []byte("stream/" + ch) }

func msgPrefix(channel string) []byte { return []byte("msg/" + channel + "/") }
func msgKey(channel string, id int64) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d", channel, id))
}

func notifPrefix(recipient string) []byte { return []byte("notif/" + recipient + "/") }
func notifKey(recipient string, id int64) []byte {
	return []byte(fmt.Sprintf("notif/%s/%020d", recipient, id))
}

func msgSeqKey(channel string) []byte     { return []byte("seq/msg/" + channel) }
func notifSeqKey(recipient string) []byte { return []byte("seq/notif/" + recipient) }

// nextSeq increments and returns the counter stored at key. Counters start
// at 1.
func nextSeq(txn *badger.Txn, key []byte) (int64, error) {
	var n int64
	item, err := txn.Get(key)
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			if len(val) == 8 {
				n = int64(binary.BigEndian.Uint64(val))
			}
			return nil
		}); err != nil {
			return 0, err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return 0, err
	}

	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	if err := txn.Set(key, buf); err != nil {
		return 0, err
	}
	return n, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
