package store

import (
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// User statuses.
const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusInvisible = "invisible"
)

// ValidStatus reports whether s is one of the recognized user statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusOffline, StatusInvisible:
		return true
	}
	return false
}

type User struct {
	Username       string   `json:"username"`
	PasswordHash   string   `json:"password_hash"`
	Email          string   `json:"email,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	Status         string   `json:"status"`
	ChannelsOwned  []string `json:"channels_owned,omitempty"`
	ChannelsJoined []string `json:"channels_joined,omitempty"`
}

// AddUser creates a user record. The password must already be hashed.
func (d *DB) AddUser(username, passwordHash, email string, createdAt int64) error {
	return d.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, userKey(username))
		if err != nil {
			return err
		}
		if ok {
			return ErrExists
		}
		return putJSON(txn, userKey(username), User{
			Username:     username,
			PasswordHash: passwordHash,
			Email:        email,
			CreatedAt:    createdAt,
			Status:       StatusOffline,
		})
	})
}

func (d *DB) GetUser(username string) (User, error) {
	var u User
	err := d.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(username), &u)
	})
	return u, err
}

func (d *DB) UpdateUserStatus(username, status string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		var u User
		if err := getJSON(txn, userKey(username), &u); err != nil {
			return err
		}
		u.Status = status
		return putJSON(txn, userKey(username), u)
	})
}

// OnlineUsers returns the usernames whose status is online, sorted.
func (d *DB) OnlineUsers() ([]string, error) {
	var out []string
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("user/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var u User
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &u)
			}); err != nil {
				return err
			}
			if u.Status == StatusOnline {
				out = append(out, u.Username)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (d *DB) addOwned(txn *badger.Txn, username, channel string) error {
	var u User
	if err := getJSON(txn, userKey(username), &u); err != nil {
		return err
	}
	u.ChannelsOwned = appendUnique(u.ChannelsOwned, channel)
	return putJSON(txn, userKey(username), u)
}

func (d *DB) addJoined(txn *badger.Txn, username, channel string) error {
	var u User
	if err := getJSON(txn, userKey(username), &u); err != nil {
		return err
	}
	u.ChannelsJoined = appendUnique(u.ChannelsJoined, channel)
	return putJSON(txn, userKey(username), u)
}

func appendUnique(set []string, v string) []string {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}
