package tracker

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rvdmeulen/huddle/internal/config"
	"github.com/rvdmeulen/huddle/internal/proto"
	"github.com/rvdmeulen/huddle/internal/store"
)

func newTestServer(t *testing.T) *Server {
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

	srv := New(cfg, db)
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Wait()
	})
	return srv
}

// roundTrip opens a fresh connection, sends one request and decodes the
// single response, mirroring how peers talk to the tracker.
func roundTrip(t *testing.T, addr string, req proto.Request) proto.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial tracker: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("send request: %v", err)
	}
	var resp proto.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func mustOK(t *testing.T, addr string, req proto.Request) proto.Response {
	t.Helper()
	resp := roundTrip(t, addr, req)
	if !resp.Success || resp.Type != proto.TypeSuccess {
		t.Fatalf("%s failed: %s", req.Type, resp.Message)
	}
	return resp
}

func mustFail(t *testing.T, addr string, req proto.Request) proto.Response {
	t.Helper()
	resp := roundTrip(t, addr, req)
	if resp.Success || resp.Type != proto.TypeError {
		t.Fatalf("%s unexpectedly succeeded", req.Type)
	}
	return resp
}

func login(t *testing.T, addr, username string) string {
	t.Helper()
	mustOK(t, addr, proto.Request{Type: proto.TypeRegisterUser, Username: username, Password: "hunter2!"})
	resp := mustOK(t, addr, proto.Request{Type: proto.TypeAuth, Username: username, Password: "hunter2!"})
	if resp.Token == "" || resp.Subject != username {
		t.Fatalf("auth response: token=%q subject=%q", resp.Token, resp.Subject)
	}
	return resp.Token
}

func TestRegisterLoginAndChat(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	alice := login(t, addr, "alice")
	bob := login(t, addr, "bob")

	mustOK(t, addr, proto.Request{Type: proto.TypeCreateChannel, Token: alice, Channel: "general", Description: "the lobby"})
	mustOK(t, addr, proto.Request{Type: proto.TypeJoinChannel, Token: bob, Channel: "general"})

	sent := mustOK(t, addr, proto.Request{Type: proto.TypeSendMessage, Token: alice, Channel: "general", Content: "hello"})
	if sent.MessageID != 1 {
		t.Fatalf("first message ID = %d, want 1", sent.MessageID)
	}

	hist := mustOK(t, addr, proto.Request{Type: proto.TypeGetHistory, Token: bob, Channel: "general"})
	if len(hist.Messages) != 1 || hist.Messages[0].Content != "hello" || hist.Messages[0].Author != "alice" {
		t.Fatalf("history = %+v", hist.Messages)
	}

	chans := mustOK(t, addr, proto.Request{Type: proto.TypeGetChannels, Token: bob})
	if len(chans.Channels) != 1 || chans.Channels[0].Members != 2 {
		t.Fatalf("channels = %+v, want general with 2 members", chans.Channels)
	}

	users := mustOK(t, addr, proto.Request{Type: proto.TypeGetOnlineUsers, Token: alice})
	if len(users.Users) != 2 {
		t.Fatalf("online users = %v, want alice and bob", users.Users)
	}
}

func TestAuthRejectsBadCredentials(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	mustOK(t, addr, proto.Request{Type: proto.TypeRegisterUser, Username: "alice", Password: "hunter2!"})

	resp := mustFail(t, addr, proto.Request{Type: proto.TypeAuth, Username: "alice", Password: "wrong"})
	if !strings.Contains(resp.Message, "invalid credentials") {
		t.Errorf("message = %q", resp.Message)
	}
	// Unknown user gets the same answer as a wrong password.
	resp2 := mustFail(t, addr, proto.Request{Type: proto.TypeAuth, Username: "mallory", Password: "wrong"})
	if resp2.Message != resp.Message {
		t.Errorf("unknown-user message %q differs from wrong-password %q", resp2.Message, resp.Message)
	}

	mustFail(t, addr, proto.Request{Type: proto.TypeRegisterUser, Username: "alice", Password: "again"})
}

func TestVisitorAuthorization(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	alice := login(t, addr, "alice")
	mustOK(t, addr, proto.Request{Type: proto.TypeCreateChannel, Token: alice, Channel: "general"})

	resp := mustOK(t, addr, proto.Request{Type: proto.TypeVisitor, DisplayName: "wanderer"})
	if !resp.Visitor || resp.Subject != "visitor:wanderer" {
		t.Fatalf("visitor response: %+v", resp)
	}
	guest := resp.Token

	// Visitors may join and read.
	mustOK(t, addr, proto.Request{Type: proto.TypeJoinChannel, Token: guest, Channel: "general"})
	mustOK(t, addr, proto.Request{Type: proto.TypeGetHistory, Token: guest, Channel: "general"})

	// Owner-only and account-only operations are denied.
	for _, req := range []proto.Request{
		{Type: proto.TypeCreateChannel, Token: guest, Channel: "lounge"},
		{Type: proto.TypeChannelHost, Token: guest, Channel: "general", Action: proto.ActionHost, Port: 4000},
		{Type: proto.TypeSyncData, Token: guest, Channel: "general"},
		{Type: proto.TypeStatus, Token: guest, Status: store.StatusInvisible},
		{Type: proto.TypeStreamStart, Token: guest, Channel: "general"},
	} {
		resp := mustFail(t, addr, req)
		if !strings.Contains(resp.Message, "authorization denied") {
			t.Errorf("%s: message = %q, want authorization denial", req.Type, resp.Message)
		}
	}
}

func TestHostElectionAndLapse(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	alice := login(t, addr, "alice")
	mustOK(t, addr, proto.Request{Type: proto.TypeCreateChannel, Token: alice, Channel: "general"})
	mustOK(t, addr, proto.Request{Type: proto.TypeRegister, Token: alice, Port: 4100})
	mustOK(t, addr, proto.Request{Type: proto.TypeChannelHost, Token: alice, Channel: "general", Action: proto.ActionHost, Port: 4100})

	resp := mustOK(t, addr, proto.Request{Type: proto.TypeGetPeers, Token: alice, Channel: "general"})
	if resp.Host == nil || resp.Host.Username != "alice" || resp.Host.Port != 4100 {
		t.Fatalf("host = %+v, want alice:4100", resp.Host)
	}
	peerID := resp.Host.PeerID

	// Backdate the host's heartbeat past the liveness window: directory
	// queries must stop returning it.
	stale := time.Now().Unix() - int64(srv.cfg.PeerLivenessSec) - 1
	if err := srv.db.TouchPeer(peerID, stale, []string{"general"}); err != nil {
		t.Fatalf("backdate peer: %v", err)
	}

	resp = mustFail(t, addr, proto.Request{Type: proto.TypeGetPeers, Token: alice, Channel: "general"})
	if !strings.Contains(resp.Message, "no active host") {
		t.Errorf("message = %q, want no active host", resp.Message)
	}

	// A fresh heartbeat restores it.
	mustOK(t, addr, proto.Request{Type: proto.TypeHeartbeat, Token: alice, Port: 4100, Hosting: []string{"general"}})
	mustOK(t, addr, proto.Request{Type: proto.TypeGetPeers, Token: alice, Channel: "general"})
}

func TestHeartbeatReplacesHostingWholesale(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	alice := login(t, addr, "alice")
	mustOK(t, addr, proto.Request{Type: proto.TypeCreateChannel, Token: alice, Channel: "a"})
	mustOK(t, addr, proto.Request{Type: proto.TypeCreateChannel, Token: alice, Channel: "b"})
	mustOK(t, addr, proto.Request{Type: proto.TypeRegister, Token: alice, Port: 4200})

	mustOK(t, addr, proto.Request{Type: proto.TypeHeartbeat, Token: alice, Port: 4200, Hosting: []string{"a", "b"}})
	resp := mustOK(t, addr, proto.Request{Type: proto.TypeGetPeers, Token: alice})
	if len(resp.Peers) != 1 || len(resp.Peers[0].Hosting) != 2 {
		t.Fatalf("peers = %+v, want one peer hosting a and b", resp.Peers)
	}

	// The next heartbeat's set replaces the old one entirely.
	mustOK(t, addr, proto.Request{Type: proto.TypeHeartbeat, Token: alice, Port: 4200, Hosting: []string{"b"}})
	resp = mustOK(t, addr, proto.Request{Type: proto.TypeGetPeers, Token: alice})
	if len(resp.Peers[0].Hosting) != 1 || resp.Peers[0].Hosting[0] != "b" {
		t.Fatalf("hosting = %v, want [b]", resp.Peers[0].Hosting)
	}

	// Heartbeat for an unregistered endpoint is an error.
	mustFail(t, addr, proto.Request{Type: proto.TypeHeartbeat, Token: alice, Port: 4999})
}

func TestSyncDataOwnershipAndDedup(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	alice := login(t, addr, "alice")
	bob := login(t, addr, "bob")
	mustOK(t, addr, proto.Request{Type: proto.TypeCreateChannel, Token: alice, Channel: "general"})
	mustOK(t, addr, proto.Request{Type: proto.TypeJoinChannel, Token: bob, Channel: "general"})

	batch := []proto.Message{
		{ID: 5, Channel: "general", Author: "alice", Content: "one", Timestamp: 100},
		{ID: 6, Channel: "general", Author: "bob", Content: "two", Timestamp: 101},
	}

	// Only the owner may sync.
	mustFail(t, addr, proto.Request{Type: proto.TypeSyncData, Token: bob, Channel: "general", Messages: batch})

	resp := mustOK(t, addr, proto.Request{Type: proto.TypeSyncData, Token: alice, Channel: "general", Messages: batch})
	if resp.Synced != 2 {
		t.Fatalf("synced = %d, want 2", resp.Synced)
	}

	// Stored under the tracker's own sequence, not the peer IDs.
	hist := mustOK(t, addr, proto.Request{Type: proto.TypeGetHistory, Token: alice, Channel: "general"})
	if len(hist.Messages) != 2 || hist.Messages[0].ID != 1 || hist.Messages[1].ID != 2 {
		t.Fatalf("history = %+v, want tracker IDs 1,2", hist.Messages)
	}

	// Replaying the batch adds nothing; content identity dedups it.
	resp = mustOK(t, addr, proto.Request{Type: proto.TypeSyncData, Token: alice, Channel: "general", Messages: batch})
	if resp.Synced != 0 {
		t.Fatalf("replay synced = %d, want 0", resp.Synced)
	}
}

func TestMalformedAndUnknownRequests(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp proto.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if resp.Success || !strings.Contains(resp.Message, "malformed") {
		t.Fatalf("malformed input response = %+v", resp)
	}

	alice := login(t, addr, "alice")
	resp = mustFail(t, addr, proto.Request{Type: "DANCE", Token: alice})
	if !strings.Contains(resp.Message, "unknown request type") {
		t.Errorf("message = %q", resp.Message)
	}

	// Operations without a valid session are rejected uniformly.
	resp = mustFail(t, addr, proto.Request{Type: proto.TypeGetChannels, Token: "no-such-token"})
	if !strings.Contains(resp.Message, "invalid session") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestNotificationFanOut(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	alice := login(t, addr, "alice")
	bob := login(t, addr, "bob")
	carol := login(t, addr, "carol")

	mustOK(t, addr, proto.Request{Type: proto.TypeCreateChannel, Token: alice, Channel: "general"})
	mustOK(t, addr, proto.Request{Type: proto.TypeJoinChannel, Token: bob, Channel: "general"})
	mustOK(t, addr, proto.Request{Type: proto.TypeJoinChannel, Token: carol, Channel: "general"})

	// Carol goes invisible; she must not be notified.
	mustOK(t, addr, proto.Request{Type: proto.TypeStatus, Token: carol, Status: store.StatusInvisible})

	mustOK(t, addr, proto.Request{Type: proto.TypeSendMessage, Token: alice, Channel: "general", Content: "ping"})

	bobNotifs := mustOK(t, addr, proto.Request{Type: proto.TypeGetNotifications, Token: bob})
	if len(bobNotifs.Notifications) != 1 || bobNotifs.Notifications[0].Kind != store.NotifyMessage {
		t.Fatalf("bob notifications = %+v", bobNotifs.Notifications)
	}
	// The sender is not notified about their own message.
	aliceNotifs := mustOK(t, addr, proto.Request{Type: proto.TypeGetNotifications, Token: alice})
	if len(aliceNotifs.Notifications) != 0 {
		t.Fatalf("alice notifications = %+v, want none", aliceNotifs.Notifications)
	}
	carolNotifs := mustOK(t, addr, proto.Request{Type: proto.TypeGetNotifications, Token: carol})
	if len(carolNotifs.Notifications) != 0 {
		t.Fatalf("carol notifications = %+v, want none while invisible", carolNotifs.Notifications)
	}

	// Acking is idempotent and tolerates unknown IDs.
	ids := []int64{bobNotifs.Notifications[0].ID, 999}
	mustOK(t, addr, proto.Request{Type: proto.TypeMarkNotificationsRead, Token: bob, IDs: ids})
	mustOK(t, addr, proto.Request{Type: proto.TypeMarkNotificationsRead, Token: bob, IDs: ids})
	bobNotifs = mustOK(t, addr, proto.Request{Type: proto.TypeGetNotifications, Token: bob})
	if len(bobNotifs.Notifications) != 0 {
		t.Fatalf("notifications after ack = %+v, want none", bobNotifs.Notifications)
	}
}

func TestStreamLifecycle(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	alice := login(t, addr, "alice")
	bob := login(t, addr, "bob")
	mustOK(t, addr, proto.Request{Type: proto.TypeCreateChannel, Token: alice, Channel: "general"})
	mustOK(t, addr, proto.Request{Type: proto.TypeJoinChannel, Token: bob, Channel: "general"})

	mustOK(t, addr, proto.Request{Type: proto.TypeStreamStart, Token: alice, Channel: "general"})
	// One live stream per channel.
	mustFail(t, addr, proto.Request{Type: proto.TypeStreamStart, Token: bob, Channel: "general"})

	streams := mustOK(t, addr, proto.Request{Type: proto.TypeGetStreams, Token: bob})
	if len(streams.Streams) != 1 || streams.Streams[0].Streamer != "alice" {
		t.Fatalf("streams = %+v", streams.Streams)
	}

	// Watching registers a viewer, idempotently.
	mustOK(t, addr, proto.Request{Type: proto.TypeStreamWatch, Token: bob, Channel: "general"})
	mustOK(t, addr, proto.Request{Type: proto.TypeStreamWatch, Token: bob, Channel: "general"})
	streams = mustOK(t, addr, proto.Request{Type: proto.TypeGetStreams, Token: bob})
	if v := streams.Streams[0].Viewers; len(v) != 1 || v[0] != "bob" {
		t.Fatalf("viewers = %v, want [bob]", v)
	}
	mustFail(t, addr, proto.Request{Type: proto.TypeStreamWatch, Token: bob, Channel: "nowhere"})

	// Members were notified of the stream start.
	notifs := mustOK(t, addr, proto.Request{Type: proto.TypeGetNotifications, Token: bob})
	if len(notifs.Notifications) != 1 || notifs.Notifications[0].Kind != store.NotifyStreamStart {
		t.Fatalf("bob notifications = %+v", notifs.Notifications)
	}

	// Only the streamer may end it.
	mustFail(t, addr, proto.Request{Type: proto.TypeStreamEnd, Token: bob, Channel: "general"})
	mustOK(t, addr, proto.Request{Type: proto.TypeStreamEnd, Token: alice, Channel: "general"})

	streams = mustOK(t, addr, proto.Request{Type: proto.TypeGetStreams, Token: bob})
	if len(streams.Streams) != 0 {
		t.Fatalf("streams after end = %+v, want none", streams.Streams)
	}
}

func TestLogoutRevokesSessionAndPresence(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.Addr()

	alice := login(t, addr, "alice")
	mustOK(t, addr, proto.Request{Type: proto.TypeRegister, Token: alice, Port: 4300})

	mustOK(t, addr, proto.Request{Type: proto.TypeLogout, Token: alice})

	// The token is dead and the peer record is gone.
	mustFail(t, addr, proto.Request{Type: proto.TypeGetChannels, Token: alice})

	bob := login(t, addr, "bob")
	resp := mustOK(t, addr, proto.Request{Type: proto.TypeGetPeers, Token: bob})
	if len(resp.Peers) != 0 {
		t.Fatalf("peers after logout = %+v, want none", resp.Peers)
	}
	users := mustOK(t, addr, proto.Request{Type: proto.TypeGetOnlineUsers, Token: bob})
	if len(users.Users) != 1 || users.Users[0] != "bob" {
		t.Fatalf("online users = %v, want only bob", users.Users)
	}
}
