package store

import (
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Stream records a live stream announced for a channel. One stream per
// channel at a time.
type Stream struct {
	Channel   string   `json:"channel"`
	Streamer  string   `json:"streamer"`
	StartedAt int64    `json:"started_at"`
	Viewers   []string `json:"viewers,omitempty"`
}

func (d *DB) StartStream(channel, streamer string, startedAt int64) error {
	return d.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, streamKey(channel))
		if err != nil {
			return err
		}
		if ok {
			return ErrExists
		}
		return putJSON(txn, streamKey(channel), Stream{
			Channel:   channel,
			Streamer:  streamer,
			StartedAt: startedAt,
		})
	})
}

func (d *DB) GetStream(channel string) (Stream, error) {
	var s Stream
	err := d.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, streamKey(channel), &s)
	})
	return s, err
}

func (d *DB) EndStream(channel string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, streamKey(channel))
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return txn.Delete(streamKey(channel))
	})
}

// AddStreamViewer records a viewer on a running stream. Idempotent.
func (d *DB) AddStreamViewer(channel, viewer string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		var s Stream
		if err := getJSON(txn, streamKey(channel), &s); err != nil {
			return err
		}
		s.Viewers = appendUnique(s.Viewers, viewer)
		return putJSON(txn, streamKey(channel), s)
	})
}

func (d *DB) ActiveStreams() ([]Stream, error) {
	var out []Stream
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("stream/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var s Stream
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}
