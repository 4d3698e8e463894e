package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rvdmeulen/huddle/internal/proto"
	"github.com/rvdmeulen/huddle/internal/util"
)

// Connect backoff between dial attempts.
var dialBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

var errConnClosed = errors.New("host connection closed")

// hostConn is the client side of a persistent connection to a hosting
// peer. Requests carry a correlation ID; the read loop routes ACK and
// reply frames back to the waiting caller and hands unsolicited MESSAGE
// frames to the node.
type hostConn struct {
	channel string
	addr    string
	conn    net.Conn
	enc     *json.Encoder
	wmu     sync.Mutex

	// joinCount is the host's message count at JOIN time, used by the
	// joiner to size its first history pull.
	joinCount int64

	mu      sync.Mutex
	pending map[string]chan proto.Frame
	closed  bool
	done    chan struct{}
}

// connectToHost looks up the channel's active host at the tracker and
// opens the live connection to it, pulling the history the local cache
// is missing.
func (n *Node) connectToHost(channel string) error {
	host, err := n.tracker.ChannelHostPeer(n.token, channel)
	if err != nil {
		return err
	}
	// Do not dial ourselves when we are the listed host.
	if n.IsHosting(channel) {
		return nil
	}

	n.setState(channel, StateConnecting)
	addr := net.JoinHostPort(host.IP, fmt.Sprintf("%d", host.Port))
	conn, err := dialHost(addr, channel, n.subject.String())
	if err != nil {
		n.setState(channel, StateDisconnected)
		return err
	}

	n.mu.Lock()
	if prev, ok := n.joined[channel]; ok {
		prev.close()
	}
	n.joined[channel] = conn
	n.mu.Unlock()
	n.setState(channel, StateConnected)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		conn.readLoop(n)
	}()

	// Flush any offline-cached messages for this channel, then backfill
	// the local cache from the host's store.
	n.flushOfflineTo(channel, conn)
	if msgs, err := conn.history(0, 0); err == nil {
		for _, m := range msgs {
			n.deliverRemote(channel, m)
		}
	}
	return nil
}

// dialHost opens the TCP connection with bounded retries and completes
// the JOIN handshake.
func dialHost(addr, channel, subject string) (*hostConn, error) {
	var conn net.Conn
	var err error
	for i := 0; ; i++ {
		conn, err = net.DialTimeout("tcp", addr, util.DefaultConnectTimeout)
		if err == nil {
			break
		}
		if i >= len(dialBackoff) {
			return nil, fmt.Errorf("dial host %s: %w", addr, err)
		}
		time.Sleep(dialBackoff[i])
	}

	hc := &hostConn{
		channel: channel,
		addr:    addr,
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[string]chan proto.Frame),
		done:    make(chan struct{}),
	}

	join := proto.Frame{
		Type:    proto.FrameJoin,
		RID:     uuid.NewString(),
		Channel: channel,
		From:    subject,
	}
	conn.SetDeadline(time.Now().Add(util.DefaultRequestTimeout))
	if err := hc.enc.Encode(join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join %s: %w", channel, err)
	}
	var reply proto.Frame
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join %s: %w", channel, err)
	}
	conn.SetDeadline(time.Time{})

	if reply.Type == proto.FrameError || !reply.Success {
		conn.Close()
		return nil, fmt.Errorf("join %s refused: %s", channel, reply.Error)
	}
	hc.joinCount = reply.MessageCount
	return hc, nil
}

func (hc *hostConn) write(f proto.Frame) error {
	hc.wmu.Lock()
	defer hc.wmu.Unlock()
	return hc.enc.Encode(f)
}

// request sends a frame and waits for the frame echoing its RID.
func (hc *hostConn) request(f proto.Frame) (proto.Frame, error) {
	f.RID = uuid.NewString()
	ch := make(chan proto.Frame, 1)

	hc.mu.Lock()
	if hc.closed {
		hc.mu.Unlock()
		return proto.Frame{}, errConnClosed
	}
	hc.pending[f.RID] = ch
	hc.mu.Unlock()

	defer func() {
		hc.mu.Lock()
		delete(hc.pending, f.RID)
		hc.mu.Unlock()
	}()

	if err := hc.write(f); err != nil {
		return proto.Frame{}, err
	}
	select {
	case reply := <-ch:
		if reply.Type == proto.FrameError {
			return reply, errors.New(reply.Error)
		}
		return reply, nil
	case <-hc.done:
		return proto.Frame{}, errConnClosed
	case <-time.After(util.DefaultRequestTimeout):
		return proto.Frame{}, fmt.Errorf("host %s: reply timeout", hc.addr)
	}
}

// readLoop decodes frames until the connection drops. Frames with a
// pending RID complete waiting requests; MESSAGE frames without one are
// live traffic.
func (hc *hostConn) readLoop(n *Node) {
	dec := json.NewDecoder(hc.conn)
	for {
		var f proto.Frame
		if err := dec.Decode(&f); err != nil {
			hc.close()
			return
		}

		if f.RID != "" {
			hc.mu.Lock()
			ch, ok := hc.pending[f.RID]
			hc.mu.Unlock()
			if ok {
				ch <- f
				continue
			}
		}

		if f.Type == proto.FrameMessage {
			ts := f.TS
			if ts == 0 {
				ts = proto.NowUnix()
			}
			n.deliverRemote(hc.channel, proto.Message{
				ID:        f.MessageID,
				Channel:   hc.channel,
				Author:    f.From,
				Content:   f.Content,
				Timestamp: ts,
			})
		}
	}
}

// sendMessage delivers one message over the connection and returns the
// host-assigned ID and timestamp from the ack.
func (hc *hostConn) sendMessage(content string) (id, ts int64, err error) {
	reply, err := hc.request(proto.Frame{
		Type:    proto.FrameMessage,
		Channel: hc.channel,
		Content: content,
	})
	if err != nil {
		return 0, 0, err
	}
	ts = reply.TS
	if ts == 0 {
		ts = proto.NowUnix()
	}
	return reply.MessageID, ts, nil
}

func (hc *hostConn) history(sinceID int64, limit int) ([]proto.Message, error) {
	reply, err := hc.request(proto.Frame{
		Type:    proto.FrameHistory,
		Channel: hc.channel,
		SinceID: sinceID,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

// pushSync uploads cached messages; the host merges them with dedup and
// reports how many were new.
func (hc *hostConn) pushSync(msgs []proto.Message) (int, error) {
	reply, err := hc.request(proto.Frame{
		Type:     proto.FrameSync,
		Channel:  hc.channel,
		Messages: msgs,
	})
	if err != nil {
		return 0, err
	}
	return reply.Synced, nil
}

// leave announces departure before closing.
func (hc *hostConn) leave() {
	hc.write(proto.Frame{Type: proto.FrameLeave, Channel: hc.channel})
	hc.close()
}

func (hc *hostConn) close() {
	hc.mu.Lock()
	if hc.closed {
		hc.mu.Unlock()
		return
	}
	hc.closed = true
	close(hc.done)
	hc.mu.Unlock()
	hc.conn.Close()
}
