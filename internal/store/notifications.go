package store

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"
)

// Notification kinds.
const (
	NotifyMessage     = "message"
	NotifyStreamStart = "stream_start"
)

type Notification struct {
	ID        int64  `json:"id"`
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	Channel   string `json:"channel,omitempty"`
	CreatedAt int64  `json:"created_at"`
	Read      bool   `json:"read"`
}

// AddNotification appends a notification to the recipient's queue and
// returns its per-recipient ID.
func (d *DB) AddNotification(recipient, kind, content, channel string, createdAt int64) (int64, error) {
	var id int64
	err := d.db.Update(func(txn *badger.Txn) error {
		var err error
		id, err = nextSeq(txn, notifSeqKey(recipient))
		if err != nil {
			return err
		}
		return putJSON(txn, notifKey(recipient, id), Notification{
			ID:        id,
			Recipient: recipient,
			Kind:      kind,
			Content:   content,
			Channel:   channel,
			CreatedAt: createdAt,
		})
	})
	return id, err
}

// NotificationsSince returns the recipient's unread notifications with
// id > sinceID, ascending.
func (d *DB) NotificationsSince(recipient string, sinceID int64) ([]Notification, error) {
	var out []Notification
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = notifPrefix(recipient)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(notifKey(recipient, sinceID+1)); it.Valid(); it.Next() {
			var n Notification
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return err
			}
			if !n.Read {
				out = append(out, n)
			}
		}
		return nil
	})
	return out, err
}

// MarkNotificationsRead acknowledges the given IDs. Unknown or already
// read IDs are ignored, so acknowledgment is idempotent.
func (d *DB) MarkNotificationsRead(recipient string, ids []int64) error {
	return d.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			var n Notification
			err := getJSON(txn, notifKey(recipient, id), &n)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if n.Read {
				continue
			}
			n.Read = true
			if err := putJSON(txn, notifKey(recipient, id), n); err != nil {
				return err
			}
		}
		return nil
	})
}
