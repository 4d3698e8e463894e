package store

import (
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

type Channel struct {
	Name        string   `json:"name"`
	Owner       string   `json:"owner"`
	Description string   `json:"description,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	Members     []string `json:"members"`

	// LastMessageID is the tracker's sequence high-water mark for this
	// channel. Hosting peers run their own independent counter.
	LastMessageID int64 `json:"last_message_id"`
}

// CreateChannel creates a channel with the owner as its first member and
// records ownership on the owner's user record.
func (d *DB) CreateChannel(name, owner, description string, createdAt int64) error {
	return d.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, channelKey(name))
		if err != nil {
			return err
		}
		if ok {
			return ErrExists
		}
		ch := Channel{
			Name:        name,
			Owner:       owner,
			Description: description,
			CreatedAt:   createdAt,
			Members:     []string{owner},
		}
		if err := putJSON(txn, channelKey(name), ch); err != nil {
			return err
		}
		if err := d.addOwned(txn, owner, name); err != nil {
			return err
		}
		return d.addJoined(txn, owner, name)
	})
}

func (d *DB) GetChannel(name string) (Channel, error) {
	var ch Channel
	err := d.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, channelKey(name), &ch)
	})
	return ch, err
}

// ListChannels returns all channels sorted by name.
func (d *DB) ListChannels() ([]Channel, error) {
	var out []Channel
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("channel/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var ch Channel
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ch)
			}); err != nil {
				return err
			}
			out = append(out, ch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// JoinChannel adds the user to the channel's member set. Joining twice is
// a no-op; both calls succeed.
func (d *DB) JoinChannel(name, username string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		var ch Channel
		if err := getJSON(txn, channelKey(name), &ch); err != nil {
			return err
		}
		ch.Members = appendUnique(ch.Members, username)
		if err := putJSON(txn, channelKey(name), ch); err != nil {
			return err
		}
		// Visitors have no user record to update.
		if ok, err := exists(txn, userKey(username)); err != nil || !ok {
			return err
		}
		return d.addJoined(txn, username, name)
	})
}

// IsMember reports channel membership. Returns ErrNotFound for an unknown
// channel.
func (d *DB) IsMember(name, username string) (bool, error) {
	ch, err := d.GetChannel(name)
	if err != nil {
		return false, err
	}
	for _, m := range ch.Members {
		if m == username {
			return true, nil
		}
	}
	return false, nil
}
