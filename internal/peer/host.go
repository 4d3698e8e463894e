package peer

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/rvdmeulen/huddle/internal/proto"
	"github.com/rvdmeulen/huddle/internal/session"
)

// hostedChannel is the authoritative live store of a channel this node
// hosts. Message IDs come from its own sequence; the tracker keeps an
// independent one, so backups flow through SYNC_DATA with content-based
// dedup rather than ID matching.
type hostedChannel struct {
	name string

	mu      sync.RWMutex
	msgs    []proto.Message
	nextID  int64
	seen    keySet
	members map[string]*memberConn

	// Highest local ID known to be stored by the tracker. Messages above
	// it are the backlog the status loop pushes as a durability backstop.
	syncedTo int64
}

// memberConn is one peer connected to a hosted channel.
type memberConn struct {
	subject string
	visitor bool
	conn    net.Conn
	enc     *json.Encoder
	wmu     sync.Mutex
}

func (mc *memberConn) send(f proto.Frame) error {
	mc.wmu.Lock()
	defer mc.wmu.Unlock()
	return mc.enc.Encode(f)
}

func newHostedChannel(name string) *hostedChannel {
	return &hostedChannel{
		name:    name,
		seen:    make(keySet),
		members: make(map[string]*memberConn),
	}
}

// seed loads tracker history into the local store under fresh local IDs.
func (hc *hostedChannel) seed(history []proto.Message) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.msgs, _ = mergeMessages(hc.msgs, history, hc.seen, func() int64 {
		hc.nextID++
		return hc.nextID
	})
	// Seeded messages came from the tracker; they need no backup.
	hc.syncedTo = hc.nextID
}

func (hc *hostedChannel) append(author, content string) proto.Message {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.nextID++
	msg := proto.Message{
		ID:        hc.nextID,
		Channel:   hc.name,
		Author:    author,
		Content:   content,
		Timestamp: proto.NowUnix(),
	}
	hc.msgs = append(hc.msgs, msg)
	hc.seen.add(msg)
	return msg
}

// merge folds a pushed batch into the store, assigning fresh local IDs
// to messages not seen before. Returns the newly added messages.
func (hc *hostedChannel) merge(incoming []proto.Message) []proto.Message {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	var added []proto.Message
	hc.msgs, added = mergeMessages(hc.msgs, incoming, hc.seen, func() int64 {
		hc.nextID++
		return hc.nextID
	})
	return added
}

func (hc *hostedChannel) history(sinceID int64, limit int) []proto.Message {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return filterSince(hc.msgs, sinceID, limit)
}

func (hc *hostedChannel) count() int64 {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return int64(len(hc.msgs))
}

// unsynced returns the tail of messages not yet backed up to the
// tracker. Local IDs ascend in slice order.
func (hc *hostedChannel) unsynced() []proto.Message {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	i := len(hc.msgs)
	for i > 0 && hc.msgs[i-1].ID > hc.syncedTo {
		i--
	}
	if i == len(hc.msgs) {
		return nil
	}
	out := make([]proto.Message, len(hc.msgs)-i)
	copy(out, hc.msgs[i:])
	return out
}

// markSynced records that the tracker holds everything up to the given
// local ID.
func (hc *hostedChannel) markSynced(id int64) {
	hc.mu.Lock()
	if id > hc.syncedTo {
		hc.syncedTo = id
	}
	hc.mu.Unlock()
}

func (hc *hostedChannel) addMember(mc *memberConn) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if prev, ok := hc.members[mc.subject]; ok {
		prev.conn.Close()
	}
	hc.members[mc.subject] = mc
}

func (hc *hostedChannel) removeMember(subject string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.members, subject)
}

func (hc *hostedChannel) memberSubjects() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make([]string, 0, len(hc.members))
	for s := range hc.members {
		out = append(out, s)
	}
	return out
}

// broadcast sends a frame to connected members, excluding the given
// subject (typically the author) and anyone the skip predicate marks as
// offline or invisible.
func (hc *hostedChannel) broadcast(f proto.Frame, exclude string, skip func(subject string) bool) {
	hc.mu.RLock()
	conns := make([]*memberConn, 0, len(hc.members))
	for subject, mc := range hc.members {
		if subject == exclude {
			continue
		}
		if skip != nil && skip(subject) {
			continue
		}
		conns = append(conns, mc)
	}
	hc.mu.RUnlock()

	for _, mc := range conns {
		if err := mc.send(f); err != nil {
			log.Debugf("broadcast to %s on %s: %v", mc.subject, hc.name, err)
		}
	}
}

func (hc *hostedChannel) closeAll() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for _, mc := range hc.members {
		mc.conn.Close()
	}
	hc.members = make(map[string]*memberConn)
}

// ─── Accept side ─────────────────────────────────────────────────────────────

func (n *Node) acceptLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warnf("p2p accept: %v", err)
			continue
		}
		n.wg.Add(1)
		go n.handleMember(ctx, conn)
	}
}

// handleMember runs one inbound p2p connection. The first frame must be
// a JOIN naming a channel this node hosts; everything after that is
// channel traffic until LEAVE or disconnect.
func (n *Node) handleMember(ctx context.Context, conn net.Conn) {
	defer n.wg.Done()
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	var join proto.Frame
	if err := dec.Decode(&join); err != nil {
		return
	}
	if join.Type != proto.FrameJoin || join.From == "" {
		enc.Encode(proto.Frame{Type: proto.FrameError, RID: join.RID, Error: "expected JOIN"})
		return
	}

	n.mu.RLock()
	hc := n.hosted[join.Channel]
	n.mu.RUnlock()
	if hc == nil {
		enc.Encode(proto.Frame{Type: proto.FrameError, RID: join.RID, Error: "not hosting " + join.Channel})
		return
	}

	sub := session.ParseSubject(join.From)
	mc := &memberConn{subject: join.From, visitor: sub.IsVisitor(), conn: conn, enc: enc}
	hc.addMember(mc)
	defer hc.removeMember(mc.subject)

	// The message count in the JOIN reply lets the joiner size its first
	// history pull.
	mc.send(proto.Frame{
		Type:         proto.FrameJoin,
		RID:          join.RID,
		Channel:      hc.name,
		Success:      true,
		MessageCount: hc.count(),
	})
	log.Debugf("%s joined hosted channel %s", mc.subject, hc.name)

	// Unblock the decoder on shutdown by closing the conn.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var f proto.Frame
		if err := dec.Decode(&f); err != nil {
			return
		}
		if f.Type == proto.FrameLeave {
			return
		}
		n.handleMemberFrame(hc, mc, f)
	}
}

func (n *Node) handleMemberFrame(hc *hostedChannel, mc *memberConn, f proto.Frame) {
	switch f.Type {
	case proto.FrameMessage:
		if mc.visitor {
			mc.send(proto.Frame{Type: proto.FrameError, RID: f.RID, Error: "visitors may not send messages here"})
			return
		}
		msg := hc.append(mc.subject, f.Content)
		// The ack carries the host's timestamp so the sender records the
		// same message identity a later history pull would produce.
		mc.send(proto.Frame{Type: proto.FrameAck, RID: f.RID, MessageID: msg.ID, TS: msg.Timestamp})
		hc.broadcast(proto.Frame{
			Type:      proto.FrameMessage,
			Channel:   hc.name,
			From:      msg.Author,
			Content:   msg.Content,
			TS:        msg.Timestamp,
			MessageID: msg.ID,
		}, mc.subject, n.offlineUsers())
		if err := n.outbox.Enqueue(OutboxSync, msg); err != nil {
			log.Warnf("enqueue backup for %s: %v", hc.name, err)
		}
		n.notify(Event{Type: EventMessage, Channel: hc.name, Message: &msg})

	case proto.FrameHistory:
		mc.send(proto.Frame{
			Type:     proto.FrameHistory,
			RID:      f.RID,
			Channel:  hc.name,
			Messages: hc.history(f.SinceID, f.Limit),
		})

	case proto.FrameChannelInfo:
		mc.send(proto.Frame{
			Type:         proto.FrameChannelInfo,
			RID:          f.RID,
			Channel:      hc.name,
			From:         n.subject.String(),
			MessageCount: hc.count(),
		})

	case proto.FrameSync:
		// A member pushing its offline cache. Visitors cannot author
		// over a member connection, batched or not.
		if mc.visitor {
			mc.send(proto.Frame{Type: proto.FrameError, RID: f.RID, Error: "visitors may not send messages here"})
			return
		}
		// Merge with content-based dedup, fan the new messages out, and
		// queue the tracker backup.
		added := hc.merge(f.Messages)
		mc.send(proto.Frame{Type: proto.FrameAck, RID: f.RID, Synced: len(added)})
		for i := range added {
			msg := added[i]
			hc.broadcast(proto.Frame{
				Type:      proto.FrameMessage,
				Channel:   hc.name,
				From:      msg.Author,
				Content:   msg.Content,
				TS:        msg.Timestamp,
				MessageID: msg.ID,
			}, mc.subject, n.offlineUsers())
			if err := n.outbox.Enqueue(OutboxSync, msg); err != nil {
				log.Warnf("enqueue backup for %s: %v", hc.name, err)
			}
			n.notify(Event{Type: EventMessage, Channel: hc.name, Message: &msg})
		}

	default:
		mc.send(proto.Frame{Type: proto.FrameError, RID: f.RID, Error: "unknown frame type " + f.Type})
	}
}
