package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rvdmeulen/huddle/internal/config"
	"github.com/rvdmeulen/huddle/internal/proto"
	"github.com/rvdmeulen/huddle/internal/session"
	"github.com/rvdmeulen/huddle/internal/util"
)

var log = logging.Logger("peer")

// ErrVisitorRestricted rejects owner-only operations attempted under a
// visitor session before any network traffic happens. The tracker and
// hosts enforce the same policy remotely.
var ErrVisitorRestricted = errors.New("operation not available to visitors")

// Connection states of a joined channel.
const (
	StateDisconnected      = "disconnected"
	StateConnecting        = "connecting"
	StateConnected         = "connected"
	StateSyncingViaTracker = "syncing_via_tracker"
)

// Event is delivered to local subscribers (UIs, tests) when channel
// traffic arrives or connection state changes.
type Event struct {
	Type    string         `json:"type"`
	Channel string         `json:"channel,omitempty"`
	Message *proto.Message `json:"message,omitempty"`
}

// Event types for local subscribers.
const (
	EventMessage     = "message"
	EventStateChange = "state_change"
)

// channelCache is the local append-only message cache kept per joined
// channel. The cache runs its own sequence; merged remote histories get
// fresh local IDs (see reconcile.go).
type channelCache struct {
	msgs   []proto.Message
	seen   keySet
	nextID int64
}

func newChannelCache() *channelCache {
	return &channelCache{seen: make(keySet)}
}

func (c *channelCache) assign() int64 {
	c.nextID++
	return c.nextID
}

// Node is a client-side agent: it registers with the tracker, may host
// channels it owns, joins channels hosted elsewhere, and keeps local and
// offline caches synchronized back to the tracker.
type Node struct {
	cfg     config.Peer
	tracker *TrackerClient
	outbox  *Outbox

	subject session.Subject
	token   string

	ln   net.Listener
	port int

	mu        sync.RWMutex
	hosted    map[string]*hostedChannel
	joined    map[string]*hostConn
	caches    map[string]*channelCache
	states    map[string]string
	online    map[string]struct{}
	listeners []chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(cfg config.Peer, runDir string) (*Node, error) {
	outboxPath := ""
	if cfg.OutboxPath != "" {
		outboxPath = util.ResolvePath(runDir, cfg.OutboxPath)
	}
	outbox, err := OpenOutbox(outboxPath)
	if err != nil {
		return nil, err
	}
	return &Node{
		cfg:     cfg,
		tracker: NewTrackerClient(cfg.TrackerAddr, util.SecondsDuration(cfg.RequestTimeoutSec)),
		outbox:  outbox,
		hosted:  make(map[string]*hostedChannel),
		joined:  make(map[string]*hostConn),
		caches:  make(map[string]*channelCache),
		states:  make(map[string]string),
		online:  make(map[string]struct{}),
	}, nil
}

// Tracker exposes the typed tracker client for callers that need
// operations the node does not wrap.
func (n *Node) Tracker() *TrackerClient { return n.tracker }

func (n *Node) Subject() session.Subject { return n.subject }
func (n *Node) Token() string            { return n.token }

// Login authenticates a registered user against the tracker.
func (n *Node) Login(username, password string) error {
	token, subject, err := n.tracker.Auth(username, password)
	if err != nil {
		return err
	}
	n.token = token
	n.subject = session.ParseSubject(subject)
	return nil
}

// LoginVisitor obtains a restricted visitor session.
func (n *Node) LoginVisitor(displayName string) error {
	token, subject, err := n.tracker.Visitor(displayName)
	if err != nil {
		return err
	}
	n.token = token
	n.subject = session.ParseSubject(subject)
	return nil
}

// Start opens the p2p listener, registers the endpoint with the tracker
// and spawns the background loops. Login must have happened first.
func (n *Node) Start(ctx context.Context) error {
	if n.token == "" {
		return errors.New("not logged in")
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Bind, n.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("p2p listen %s: %w", addr, err)
	}
	n.ln = ln
	n.port = ln.Addr().(*net.TCPAddr).Port
	log.Infof("%s listening for p2p traffic on %s", n.subject, ln.Addr())

	if err := n.tracker.Register(n.token, n.port); err != nil {
		ln.Close()
		return fmt.Errorf("register with tracker: %w", err)
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(4)
	go n.acceptLoop(ctx)
	go n.heartbeatLoop(ctx)
	go n.syncLoop(ctx)
	go n.statusLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
		n.teardown()
	}()
	return nil
}

// Port returns the bound p2p port.
func (n *Node) Port() int { return n.port }

// Stop cancels the background loops and waits for them to exit.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.outbox.Close()
}

func (n *Node) teardown() {
	n.mu.Lock()
	hosted := n.hosted
	joined := n.joined
	n.hosted = make(map[string]*hostedChannel)
	n.joined = make(map[string]*hostConn)
	listeners := n.listeners
	n.listeners = nil
	n.mu.Unlock()

	for _, hc := range hosted {
		hc.closeAll()
	}
	for _, conn := range joined {
		conn.close()
	}
	for _, ch := range listeners {
		close(ch)
	}
}

// ─── Local event fan-out ─────────────────────────────────────────────────────

// Subscribe returns a channel receiving node events. Sends never block;
// slow subscribers miss events.
func (n *Node) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	n.mu.Lock()
	n.listeners = append(n.listeners, ch)
	n.mu.Unlock()
	return ch
}

func (n *Node) Unsubscribe(ch <-chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, listener := range n.listeners {
		if listener == ch {
			close(listener)
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			return
		}
	}
}

func (n *Node) notify(evt Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, listener := range n.listeners {
		select {
		case listener <- evt:
		default:
		}
	}
}

// ─── Channel lifecycle ───────────────────────────────────────────────────────

func (n *Node) CreateChannel(channel, description string) error {
	if n.subject.IsVisitor() {
		return ErrVisitorRestricted
	}
	return n.tracker.CreateChannel(n.token, channel, description)
}

// HostChannel declares this peer the live host of a channel it owns. The
// channel's tracker history seeds the local store so late joiners get a
// complete feed; the seeded copy runs under this host's own sequence.
func (n *Node) HostChannel(channel string) error {
	if n.subject.IsVisitor() {
		return ErrVisitorRestricted
	}
	if err := n.tracker.ChannelHost(n.token, channel, proto.ActionHost, n.port); err != nil {
		return err
	}

	hc := newHostedChannel(channel)
	if history, err := n.tracker.History(n.token, channel, 0, 0); err == nil {
		hc.seed(history)
	} else {
		log.Warnf("seed %s from tracker: %v", channel, err)
	}

	n.mu.Lock()
	n.hosted[channel] = hc
	n.mu.Unlock()
	log.Infof("hosting channel %s (%d seeded messages)", channel, hc.count())
	return nil
}

// ReleaseChannel stops hosting: members are disconnected and the
// tracker's directory entry is cleared. Unsynced messages stay in the
// outbox for the sync loop.
func (n *Node) ReleaseChannel(channel string) error {
	n.mu.Lock()
	hc, ok := n.hosted[channel]
	delete(n.hosted, channel)
	n.mu.Unlock()
	if ok {
		hc.closeAll()
	}
	return n.tracker.ChannelHost(n.token, channel, proto.ActionRelease, n.port)
}

// JoinChannel registers membership with the tracker and, when an active
// host exists, opens the live p2p connection to it.
func (n *Node) JoinChannel(channel string) error {
	if err := n.tracker.JoinChannel(n.token, channel); err != nil {
		return err
	}
	n.mu.Lock()
	if _, ok := n.caches[channel]; !ok {
		n.caches[channel] = newChannelCache()
	}
	n.mu.Unlock()

	if err := n.connectToHost(channel); err != nil {
		// No host is not an error: the channel falls back to
		// tracker-mediated sync until one appears.
		log.Debugf("join %s: no p2p host: %v", channel, err)
		n.setState(channel, StateSyncingViaTracker)
	}
	return nil
}

// LeaveChannel drops the live connection, if any. Tracker membership is
// retained; the member list only grows.
func (n *Node) LeaveChannel(channel string) {
	n.mu.Lock()
	conn, ok := n.joined[channel]
	delete(n.joined, channel)
	n.mu.Unlock()
	if ok {
		conn.leave()
	}
	n.setState(channel, StateDisconnected)
}

// IsHosting reports whether this node currently hosts the channel.
func (n *Node) IsHosting(channel string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.hosted[channel]
	return ok
}

// ChannelState returns the joined channel's connection state.
func (n *Node) ChannelState(channel string) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if s, ok := n.states[channel]; ok {
		return s
	}
	return StateDisconnected
}

func (n *Node) setState(channel, state string) {
	n.mu.Lock()
	prev := n.states[channel]
	n.states[channel] = state
	n.mu.Unlock()
	if prev != state {
		n.notify(Event{Type: EventStateChange, Channel: channel, Message: nil})
		log.Debugf("channel %s: %s -> %s", channel, prev, state)
	}
}

func (n *Node) hostingChannels() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.hosted))
	for name := range n.hosted {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ─── Sending ─────────────────────────────────────────────────────────────────

// Send delivers one message with the path precedence: self-hosted local
// append, open p2p connection, fresh p2p connection to a tracker-listed
// host, tracker fallback, offline cache. The returned deferred flag is
// true when the message was cached for later delivery rather than
// delivered now.
func (n *Node) Send(channel, content string) (deferred bool, err error) {
	// 1. Hosting it ourselves: append under the local sequence, fan out,
	// and queue the tracker backup.
	n.mu.RLock()
	hc := n.hosted[channel]
	conn := n.joined[channel]
	n.mu.RUnlock()

	if hc != nil {
		msg := hc.append(n.subject.String(), content)
		hc.broadcast(proto.Frame{Type: proto.FrameMessage, Channel: channel, From: msg.Author, Content: msg.Content, TS: msg.Timestamp, MessageID: msg.ID}, "", n.offlineUsers())
		if err := n.outbox.Enqueue(OutboxSync, msg); err != nil {
			log.Warnf("enqueue backup for %s: %v", channel, err)
		}
		n.notify(Event{Type: EventMessage, Channel: channel, Message: &msg})
		return false, nil
	}

	// Visitors may not author messages in hosted channels; their only
	// delivery path is the tracker.
	if !n.subject.IsVisitor() {
		// 2. An open connection to the host.
		if conn != nil {
			if id, ts, err := conn.sendMessage(content); err == nil {
				n.recordOwnSend(channel, id, content, ts)
				return false, nil
			}
			n.dropConn(channel, conn)
		}

		// 3. The tracker knows a host: connect and retry.
		if err := n.connectToHost(channel); err == nil {
			n.mu.RLock()
			conn = n.joined[channel]
			n.mu.RUnlock()
			if conn != nil {
				if id, ts, err := conn.sendMessage(content); err == nil {
					n.recordOwnSend(channel, id, content, ts)
					return false, nil
				}
				n.dropConn(channel, conn)
			}
		}
	}

	// 4. Tracker fallback path.
	if _, err := n.tracker.SendMessage(n.token, channel, content); err == nil {
		return false, nil
	} else if errors.Is(err, ErrDenied) {
		// A rejection (not a member, unknown channel) will not succeed
		// later either; caching it would retry forever.
		return false, err
	}

	// 5. Offline cache; drained by the sync loop.
	msg := proto.Message{
		Channel:   channel,
		Author:    n.subject.String(),
		Content:   content,
		Timestamp: proto.NowUnix(),
	}
	if err := n.outbox.Enqueue(OutboxOffline, msg); err != nil {
		return false, fmt.Errorf("offline cache: %w", err)
	}
	log.Infof("cached message for %s, no delivery path reachable", channel)
	return true, nil
}

// History returns channel messages: the local store when hosting, the
// live host when connected, otherwise the tracker.
func (n *Node) History(channel string, sinceID int64, limit int) ([]proto.Message, error) {
	n.mu.RLock()
	hc := n.hosted[channel]
	conn := n.joined[channel]
	n.mu.RUnlock()

	if hc != nil {
		return hc.history(sinceID, limit), nil
	}
	if conn != nil {
		if msgs, err := conn.history(sinceID, limit); err == nil {
			return msgs, nil
		}
		n.dropConn(channel, conn)
	}
	return n.tracker.History(n.token, channel, sinceID, limit)
}

// recordOwnSend delivers a host-acked message to the sender's own cache.
// The host excludes the sender from the broadcast, so without this the
// sender would only see its message on the next history pull.
func (n *Node) recordOwnSend(channel string, id int64, content string, ts int64) {
	n.deliverRemote(channel, proto.Message{
		ID:        id,
		Channel:   channel,
		Author:    n.subject.String(),
		Content:   content,
		Timestamp: ts,
	})
}

// deliverRemote merges one message received over a p2p connection into
// the channel's local cache and notifies subscribers.
func (n *Node) deliverRemote(channel string, msg proto.Message) {
	n.mu.Lock()
	cache, ok := n.caches[channel]
	if !ok {
		cache = newChannelCache()
		n.caches[channel] = cache
	}
	if cache.seen.has(msg) {
		n.mu.Unlock()
		return
	}
	local := msg
	local.ID = cache.assign()
	cache.msgs = append(cache.msgs, local)
	cache.seen.add(local)
	n.mu.Unlock()

	n.notify(Event{Type: EventMessage, Channel: channel, Message: &local})
}

// CachedMessages returns the local cache of a joined channel.
func (n *Node) CachedMessages(channel string) []proto.Message {
	n.mu.RLock()
	defer n.mu.RUnlock()
	cache, ok := n.caches[channel]
	if !ok {
		return nil
	}
	out := make([]proto.Message, len(cache.msgs))
	copy(out, cache.msgs)
	return out
}

func (n *Node) offlineUsers() func(subject string) bool {
	n.mu.RLock()
	online := make(map[string]struct{}, len(n.online))
	for u := range n.online {
		online[u] = struct{}{}
	}
	n.mu.RUnlock()
	return func(subject string) bool {
		sub := session.ParseSubject(subject)
		if sub.IsVisitor() {
			// Visitors have no status record; never skip them.
			return false
		}
		_, isOnline := online[sub.Name]
		return !isOnline
	}
}

func (n *Node) dropConn(channel string, conn *hostConn) {
	n.mu.Lock()
	if n.joined[channel] == conn {
		delete(n.joined, channel)
	}
	n.mu.Unlock()
	conn.close()
	n.setState(channel, StateDisconnected)
}
