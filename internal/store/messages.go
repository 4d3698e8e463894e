package store

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"

	"github.com/rvdmeulen/huddle/internal/proto"
)

// AppendMessage durably appends one message to a channel's stream and
// returns its tracker-assigned ID. The counter increment, the message
// write and the channel high-water update happen in one transaction.
func (d *DB) AppendMessage(channel, author, content string, ts int64) (int64, error) {
	var id int64
	err := d.db.Update(func(txn *badger.Txn) error {
		var ch Channel
		if err := getJSON(txn, channelKey(channel), &ch); err != nil {
			return err
		}
		var err error
		id, err = nextSeq(txn, msgSeqKey(channel))
		if err != nil {
			return err
		}
		msg := proto.Message{
			ID:        id,
			Channel:   channel,
			Author:    author,
			Content:   content,
			Timestamp: ts,
		}
		if err := putJSON(txn, msgKey(channel, id), msg); err != nil {
			return err
		}
		ch.LastMessageID = id
		return putJSON(txn, channelKey(channel), ch)
	})
	return id, err
}

// MessagesSince returns the channel's messages with id > sinceID, in
// ascending ID order. When limit > 0 only the most recent limit matching
// messages are returned (the tail, not the head).
func (d *DB) MessagesSince(channel string, sinceID int64, limit int) ([]proto.Message, error) {
	var out []proto.Message
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = msgPrefix(channel)
		it := txn.NewIterator(opts)
		defer it.Close()
		// Keys zero-pad the ID, so seeking to sinceID+1 lands on the
		// first qualifying message.
		for it.Seek(msgKey(channel, sinceID+1)); it.Valid(); it.Next() {
			var m proto.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// MessageCount returns the tracker-assigned high-water mark for a channel.
func (d *DB) MessageCount(channel string) (int64, error) {
	ch, err := d.GetChannel(channel)
	if err != nil {
		return 0, err
	}
	return ch.LastMessageID, nil
}
