package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rvdmeulen/huddle/internal/config"
	"github.com/rvdmeulen/huddle/internal/proto"
	"github.com/rvdmeulen/huddle/internal/session"
	"github.com/rvdmeulen/huddle/internal/store"
	"github.com/rvdmeulen/huddle/internal/tracker"
)

// startTestTracker runs an in-process tracker on a free localhost port
// and returns its address.
func startTestTracker(t *testing.T) string {
	t.Helper()
	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default().Tracker
	cfg.Bind = "127.0.0.1"
	cfg.Port = 0
	cfg.OpsPort = 0
	cfg.SweepIntervalSec = 1

	srv := tracker.New(cfg, db)
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start tracker: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Wait()
	})
	return srv.Addr()
}

func registerUser(t *testing.T, addr, username string) {
	t.Helper()
	client := NewTrackerClient(addr, 2*time.Second)
	if err := client.RegisterUser(username, "passw0rd", username+"@example.com"); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
}

func startTestNode(t *testing.T, addr, username string) *Node {
	t.Helper()
	cfg := config.Default().Peer
	cfg.Bind = "127.0.0.1"
	cfg.Port = 0
	cfg.TrackerAddr = addr
	cfg.OutboxPath = "" // in-memory
	cfg.RequestTimeoutSec = 2

	node, err := NewNode(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if username != "" {
		if err := node.Login(username, "passw0rd"); err != nil {
			t.Fatalf("login %s: %v", username, err)
		}
	}
	return node
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHostJoinAndBroadcast(t *testing.T) {
	addr := startTestTracker(t)
	registerUser(t, addr, "alice")
	registerUser(t, addr, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startTestNode(t, addr, "alice")
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Stop()

	if err := alice.CreateChannel("general", "the lobby"); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if err := alice.HostChannel("general"); err != nil {
		t.Fatalf("host channel: %v", err)
	}
	// The directory learns the hosting set from the heartbeat.
	alice.heartbeat()

	bob := startTestNode(t, addr, "bob")
	if err := bob.Start(ctx); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer bob.Stop()
	bob.heartbeat()
	// Refresh alice's view of who is online so fan-out includes bob.
	alice.heartbeat()

	events := bob.Subscribe()
	if err := bob.JoinChannel("general"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	waitFor(t, "bob connected", func() bool {
		return bob.ChannelState("general") == StateConnected
	})

	// Alice (the host) sends: bob must receive it live over p2p.
	if deferred, err := alice.Send("general", "welcome"); err != nil || deferred {
		t.Fatalf("alice send: deferred=%v err=%v", deferred, err)
	}

	timeout := time.After(3 * time.Second)
recv:
	for {
		select {
		case evt := <-events:
			// Connection state changes share the feed; skip them.
			if evt.Type != EventMessage {
				continue
			}
			if evt.Message == nil || evt.Message.Content != "welcome" {
				t.Fatalf("unexpected message event: %+v", evt)
			}
			if evt.Message.Author != "alice" {
				t.Errorf("author = %q, want alice", evt.Message.Author)
			}
			break recv
		case <-timeout:
			t.Fatal("bob never received the broadcast")
		}
	}

	// Bob sends through his open host connection; the host assigns the
	// channel-local ID and stores it.
	if deferred, err := bob.Send("general", "thanks"); err != nil || deferred {
		t.Fatalf("bob send: deferred=%v err=%v", deferred, err)
	}
	waitFor(t, "host stored bob's message", func() bool {
		msgs, err := alice.History("general", 0, 0)
		return err == nil && len(msgs) == 2
	})
	msgs, _ := alice.History("general", 0, 0)
	if msgs[1].Author != "bob" || msgs[1].ID != 2 {
		t.Fatalf("host store tail = %+v, want bob's message with ID 2", msgs[1])
	}

	// LEAVE drops the live connection on both ends.
	bob.LeaveChannel("general")
	if state := bob.ChannelState("general"); state != StateDisconnected {
		t.Fatalf("state after leave = %q, want %q", state, StateDisconnected)
	}
	waitFor(t, "host removed bob", func() bool {
		alice.mu.RLock()
		hc := alice.hosted["general"]
		alice.mu.RUnlock()
		return len(hc.memberSubjects()) == 0
	})
}

func TestJoinReportsHostMessageCount(t *testing.T) {
	addr := startTestTracker(t)
	registerUser(t, addr, "alice")
	registerUser(t, addr, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startTestNode(t, addr, "alice")
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Stop()

	if err := alice.CreateChannel("dev", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := alice.HostChannel("dev"); err != nil {
		t.Fatalf("host: %v", err)
	}
	alice.heartbeat()
	alice.Send("dev", "one")
	alice.Send("dev", "two")
	alice.Send("dev", "three")

	bob := startTestNode(t, addr, "bob")
	if err := bob.Start(ctx); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer bob.Stop()

	if err := bob.JoinChannel("dev"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "backfill", func() bool {
		return len(bob.CachedMessages("dev")) == 3
	})

	bob.mu.RLock()
	conn := bob.joined["dev"]
	bob.mu.RUnlock()
	if conn == nil {
		t.Fatal("no host connection after join")
	}
	if conn.joinCount != 3 {
		t.Fatalf("join reported %d messages, want 3", conn.joinCount)
	}
}

func TestSendFallsBackToTracker(t *testing.T) {
	addr := startTestTracker(t)
	registerUser(t, addr, "alice")
	registerUser(t, addr, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startTestNode(t, addr, "alice")
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Stop()

	// Channel exists but nobody hosts it: sends route via the tracker.
	if err := alice.CreateChannel("quiet", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if deferred, err := alice.Send("quiet", "anyone here"); err != nil || deferred {
		t.Fatalf("send: deferred=%v err=%v", deferred, err)
	}

	msgs, err := alice.Tracker().History(alice.Token(), "quiet", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 1 || msgs[0].Content != "anyone here" {
		t.Fatalf("tracker history = %+v, want one message with ID 1", msgs)
	}

	// A non-member's send is rejected outright, not cached.
	bob := startTestNode(t, addr, "bob")
	if _, err := bob.Send("quiet", "sneaking in"); !errors.Is(err, ErrDenied) {
		t.Fatalf("non-member send error = %v, want ErrDenied", err)
	}
	if n, _ := bob.outbox.Pending(OutboxOffline); n != 0 {
		t.Fatalf("rejected message was cached, pending = %d", n)
	}
	bob.outbox.Close()
}

func TestOfflineCacheWhenTrackerUnreachable(t *testing.T) {
	// Point the node at a dead address: every path fails and the message
	// lands in the offline cache with a deferred success.
	cfg := config.Default().Peer
	cfg.TrackerAddr = "127.0.0.1:1" // nothing listens here
	cfg.OutboxPath = ""
	cfg.RequestTimeoutSec = 1

	node, err := NewNode(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	defer node.outbox.Close()
	node.token = "stale-token"
	node.subject = session.RegisteredSubject("alice")

	deferred, err := node.Send("general", "are you there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !deferred {
		t.Fatal("send with no reachable path must defer, not succeed")
	}
	if n, _ := node.outbox.Pending(OutboxOffline); n != 1 {
		t.Fatalf("offline cache pending = %d, want 1", n)
	}
}

func TestVisitorRestrictions(t *testing.T) {
	addr := startTestTracker(t)
	registerUser(t, addr, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startTestNode(t, addr, "alice")
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Stop()
	if err := alice.CreateChannel("general", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	guest := startTestNode(t, addr, "")
	if err := guest.LoginVisitor("wanderer"); err != nil {
		t.Fatalf("visitor login: %v", err)
	}
	defer guest.outbox.Close()

	if !guest.Subject().IsVisitor() {
		t.Fatalf("subject %q not recognized as visitor", guest.Subject())
	}
	// Owner-only operations are refused locally, before any traffic.
	if err := guest.CreateChannel("guests", ""); !errors.Is(err, ErrVisitorRestricted) {
		t.Errorf("visitor create error = %v, want ErrVisitorRestricted", err)
	}
	if err := guest.HostChannel("general"); !errors.Is(err, ErrVisitorRestricted) {
		t.Errorf("visitor host error = %v, want ErrVisitorRestricted", err)
	}

	// Visitors can join and read via the tracker.
	if err := guest.Tracker().JoinChannel(guest.Token(), "general"); err != nil {
		t.Fatalf("visitor join: %v", err)
	}
	if _, err := guest.Tracker().History(guest.Token(), "general", 0, 0); err != nil {
		t.Fatalf("visitor history: %v", err)
	}
}

func TestHostLossFallsBackToTrackerSync(t *testing.T) {
	addr := startTestTracker(t)
	registerUser(t, addr, "alice")
	registerUser(t, addr, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startTestNode(t, addr, "alice")
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}

	if err := alice.CreateChannel("general", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := alice.HostChannel("general"); err != nil {
		t.Fatalf("host: %v", err)
	}
	alice.heartbeat()

	bob := startTestNode(t, addr, "bob")
	if err := bob.Start(ctx); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer bob.Stop()

	if err := bob.JoinChannel("general"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "bob connected", func() bool {
		return bob.ChannelState("general") == StateConnected
	})

	// The host releases and goes away; reconciliation must demote bob's
	// channel to tracker-mediated sync.
	if err := alice.ReleaseChannel("general"); err != nil {
		t.Fatalf("release: %v", err)
	}
	alice.heartbeat()
	alice.Stop()

	bob.reconcileHosts()
	if state := bob.ChannelState("general"); state != StateSyncingViaTracker {
		t.Fatalf("state after host loss = %q, want %q", state, StateSyncingViaTracker)
	}

	// Messages still get through, now via the tracker.
	if deferred, err := bob.Send("general", "still here"); err != nil || deferred {
		t.Fatalf("send after host loss: deferred=%v err=%v", deferred, err)
	}
	msgs, err := bob.Tracker().History(bob.Token(), "general", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Content != "still here" {
		t.Fatalf("tracker history tail = %+v, want bob's message", msgs)
	}
}

func TestHostedMessagesSyncToTracker(t *testing.T) {
	addr := startTestTracker(t)
	registerUser(t, addr, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startTestNode(t, addr, "alice")
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Stop()

	if err := alice.CreateChannel("general", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := alice.HostChannel("general"); err != nil {
		t.Fatalf("host: %v", err)
	}

	alice.Send("general", "first")
	alice.Send("general", "second")

	// Drain the sync queue by hand instead of waiting for the ticker.
	alice.drainSyncQueue()

	msgs, err := alice.Tracker().History(alice.Token(), "general", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("tracker has %d messages, want 2", len(msgs))
	}
	// Tracker IDs are its own sequence starting at 1.
	if msgs[0].ID != 1 || msgs[1].ID != 2 {
		t.Fatalf("tracker IDs = %d,%d, want 1,2", msgs[0].ID, msgs[1].ID)
	}

	// A second drain with nothing queued must not duplicate anything.
	alice.drainSyncQueue()
	msgs, _ = alice.Tracker().History(alice.Token(), "general", 0, 0)
	if len(msgs) != 2 {
		t.Fatalf("tracker has %d messages after replay, want 2", len(msgs))
	}
}

func TestHostRefusesVisitorAuthoring(t *testing.T) {
	addr := startTestTracker(t)
	registerUser(t, addr, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startTestNode(t, addr, "alice")
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Stop()

	if err := alice.CreateChannel("general", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := alice.HostChannel("general"); err != nil {
		t.Fatalf("host: %v", err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", alice.Port()))
	if err != nil {
		t.Fatalf("dial host: %v", err)
	}
	defer conn.Close()
	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	roundTrip := func(f proto.Frame) proto.Frame {
		t.Helper()
		if err := enc.Encode(f); err != nil {
			t.Fatalf("write %s: %v", f.Type, err)
		}
		var reply proto.Frame
		if err := dec.Decode(&reply); err != nil {
			t.Fatalf("read reply to %s: %v", f.Type, err)
		}
		return reply
	}

	// Visitors may join and read.
	join := roundTrip(proto.Frame{Type: proto.FrameJoin, RID: "j1", Channel: "general", From: "visitor:mallory"})
	if !join.Success {
		t.Fatalf("visitor join refused: %+v", join)
	}

	// Direct authoring is refused.
	reply := roundTrip(proto.Frame{Type: proto.FrameMessage, RID: "m1", Channel: "general", Content: "direct"})
	if reply.Type != proto.FrameError {
		t.Fatalf("MESSAGE from visitor: got %+v, want error", reply)
	}

	// Authoring wrapped in a sync batch is refused the same way.
	reply = roundTrip(proto.Frame{Type: proto.FrameSync, RID: "s1", Channel: "general", Messages: []proto.Message{{
		Channel:   "general",
		Author:    "visitor:mallory",
		Content:   "smuggled",
		Timestamp: proto.NowUnix(),
	}}})
	if reply.Type != proto.FrameError {
		t.Fatalf("SYNC from visitor: got %+v, want error", reply)
	}

	msgs, err := alice.History("general", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("hosted store contains %+v, want none", msgs)
	}
}

func TestSenderSeesOwnSendOverHostConn(t *testing.T) {
	addr := startTestTracker(t)
	registerUser(t, addr, "alice")
	registerUser(t, addr, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startTestNode(t, addr, "alice")
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Stop()

	if err := alice.CreateChannel("general", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := alice.HostChannel("general"); err != nil {
		t.Fatalf("host: %v", err)
	}
	alice.heartbeat()

	bob := startTestNode(t, addr, "bob")
	if err := bob.Start(ctx); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer bob.Stop()

	events := bob.Subscribe()
	if err := bob.JoinChannel("general"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	waitFor(t, "bob connected", func() bool {
		return bob.ChannelState("general") == StateConnected
	})

	if deferred, err := bob.Send("general", "ping"); err != nil || deferred {
		t.Fatalf("bob send: deferred=%v err=%v", deferred, err)
	}

	// The acked send lands in bob's own cache right away; the host does
	// not echo it back.
	msgs := bob.CachedMessages("general")
	if len(msgs) != 1 || msgs[0].Content != "ping" || msgs[0].Author != "bob" {
		t.Fatalf("sender cache after send = %+v, want own message", msgs)
	}

	timeout := time.After(3 * time.Second)
recv:
	for {
		select {
		case evt := <-events:
			if evt.Type != EventMessage {
				continue
			}
			if evt.Message == nil || evt.Message.Content != "ping" {
				t.Fatalf("unexpected message event: %+v", evt)
			}
			break recv
		case <-timeout:
			t.Fatal("subscriber never saw the sender's own message")
		}
	}

	// A later history replay of the host's copy dedups against the local
	// record instead of doubling it.
	hostMsgs, err := alice.History("general", 0, 0)
	if err != nil || len(hostMsgs) != 1 {
		t.Fatalf("host store = %+v err=%v, want one message", hostMsgs, err)
	}
	bob.deliverRemote("general", hostMsgs[0])
	if msgs := bob.CachedMessages("general"); len(msgs) != 1 {
		t.Fatalf("replay duplicated the sender's own message: %+v", msgs)
	}
}

func TestStatusLoopBacksUpHostedBacklog(t *testing.T) {
	addr := startTestTracker(t)
	registerUser(t, addr, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startTestNode(t, addr, "alice")
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Stop()

	if err := alice.CreateChannel("general", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := alice.HostChannel("general"); err != nil {
		t.Fatalf("host: %v", err)
	}

	alice.Send("general", "first")
	alice.Send("general", "second")

	// Lose the queued backups, as if the enqueues had failed.
	if _, err := alice.outbox.DequeueBatch(OutboxSync, 0); err != nil {
		t.Fatalf("discard outbox: %v", err)
	}

	// The status pass pushes the hosted tail straight from the store.
	alice.reconcileHosts()

	msgs, err := alice.Tracker().History(alice.Token(), "general", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("tracker has %d messages, want 2", len(msgs))
	}

	// The next pass has nothing left to push.
	alice.reconcileHosts()
	msgs, _ = alice.Tracker().History(alice.Token(), "general", 0, 0)
	if len(msgs) != 2 {
		t.Fatalf("backstop replayed messages: tracker has %d", len(msgs))
	}
}
