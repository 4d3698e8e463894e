package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Peer kinds.
const (
	PeerNormal  = "normal"
	PeerVisitor = "visitor"
)

// PeerRecord binds a session subject to a network endpoint. A record
// whose LastSeen is older than the liveness window is excluded from
// directory queries; lapsed records are filtered, never deleted.
type PeerRecord struct {
	PeerID          string   `json:"peer_id"`
	Username        string   `json:"username"`
	IP              string   `json:"ip"`
	Port            int      `json:"port"`
	Kind            string   `json:"kind"`
	LastSeen        int64    `json:"last_seen"`
	HostingChannels []string `json:"hosting_channels,omitempty"`
}

// PeerID builds the directory key for a subject's endpoint.
func PeerID(subject, ip string, port int) string {
	return fmt.Sprintf("%s:%s:%d", subject, ip, port)
}

// Active reports whether the record's last heartbeat is inside the
// liveness window, both in unix seconds.
func (p PeerRecord) Active(now, windowSec int64) bool {
	return now-p.LastSeen < windowSec
}

// UpsertPeer creates or refreshes a peer record. Re-registration keeps
// the existing hosting set, so a reconnecting host stays listed;
// heartbeats maintain the set afterwards.
func (d *DB) UpsertPeer(rec PeerRecord) error {
	return d.db.Update(func(txn *badger.Txn) error {
		var existing PeerRecord
		err := getJSON(txn, peerKey(rec.PeerID), &existing)
		if err == nil {
			rec.HostingChannels = existing.HostingChannels
		} else if err != ErrNotFound {
			return err
		}
		return putJSON(txn, peerKey(rec.PeerID), rec)
	})
}

// TouchPeer refreshes LastSeen and replaces HostingChannels wholesale
// with the supplied set; callers resend their authoritative state each
// heartbeat.
func (d *DB) TouchPeer(peerID string, lastSeen int64, hosting []string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		var rec PeerRecord
		if err := getJSON(txn, peerKey(peerID), &rec); err != nil {
			return err
		}
		rec.LastSeen = lastSeen
		rec.HostingChannels = hosting
		return putJSON(txn, peerKey(peerID), rec)
	})
}

// SetPeerHosting adds or removes one channel from a peer's hosting set.
func (d *DB) SetPeerHosting(peerID, channel string, on bool) error {
	return d.db.Update(func(txn *badger.Txn) error {
		var rec PeerRecord
		if err := getJSON(txn, peerKey(peerID), &rec); err != nil {
			return err
		}
		if on {
			rec.HostingChannels = appendUnique(rec.HostingChannels, channel)
		} else {
			kept := rec.HostingChannels[:0]
			for _, c := range rec.HostingChannels {
				if c != channel {
					kept = append(kept, c)
				}
			}
			rec.HostingChannels = kept
		}
		return putJSON(txn, peerKey(peerID), rec)
	})
}

// ActivePeers returns the records inside the liveness window, sorted by
// peer ID.
func (d *DB) ActivePeers(now, windowSec int64) ([]PeerRecord, error) {
	all, err := d.allPeers()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Active(now, windowSec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ChannelHost returns the active peer listed as hosting the channel. At
// most one peer should host a channel at a time by convention; iteration
// over sorted IDs makes the answer deterministic if that convention is
// ever violated.
func (d *DB) ChannelHost(channel string, now, windowSec int64) (PeerRecord, error) {
	active, err := d.ActivePeers(now, windowSec)
	if err != nil {
		return PeerRecord{}, err
	}
	for _, rec := range active {
		for _, c := range rec.HostingChannels {
			if c == channel {
				return rec, nil
			}
		}
	}
	return PeerRecord{}, ErrNotFound
}

// RemovePeersFor deletes all records bound to a username. Used for
// logout-time cleanup; lapsed peers are otherwise only filtered.
func (d *DB) RemovePeersFor(username string) error {
	all, err := d.allPeers()
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		for _, rec := range all {
			if rec.Username == username {
				if err := txn.Delete(peerKey(rec.PeerID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (d *DB) allPeers() ([]PeerRecord, error) {
	var out []PeerRecord
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("peer/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec PeerRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}
