package peer

import "github.com/rvdmeulen/huddle/internal/proto"

// Message identity across sequence authorities is content-based: the
// tracker and a hosting peer run independent per-channel counters, so two
// different messages can legitimately share a numeric ID. Merging by ID
// equality is therefore never done anywhere in this package.

// keySet indexes messages by their content key.
type keySet map[string]struct{}

func newKeySet(msgs []proto.Message) keySet {
	ks := make(keySet, len(msgs))
	for _, m := range msgs {
		ks[m.DedupKey()] = struct{}{}
	}
	return ks
}

func (ks keySet) has(m proto.Message) bool {
	_, ok := ks[m.DedupKey()]
	return ok
}

func (ks keySet) add(m proto.Message) {
	ks[m.DedupKey()] = struct{}{}
}

// mergeMessages appends the unseen messages from incoming to local,
// assigning each a fresh ID from assign so the local sequence stays the
// single authority for the merged history. Returns the extended slice
// and the messages that were actually new.
func mergeMessages(local []proto.Message, incoming []proto.Message, seen keySet, assign func() int64) ([]proto.Message, []proto.Message) {
	var added []proto.Message
	for _, m := range incoming {
		if seen.has(m) {
			continue
		}
		m.ID = assign()
		local = append(local, m)
		added = append(added, m)
		seen.add(m)
	}
	return local, added
}

// filterSince mirrors the tracker's history semantics on an in-memory
// slice: id > sinceID ascending, right-truncated to the most recent
// limit entries when limit > 0.
func filterSince(msgs []proto.Message, sinceID int64, limit int) []proto.Message {
	var out []proto.Message
	for _, m := range msgs {
		if m.ID > sinceID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
