package tracker

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rvdmeulen/huddle/internal/proto"
	"github.com/rvdmeulen/huddle/internal/session"
	"github.com/rvdmeulen/huddle/internal/store"
	"github.com/rvdmeulen/huddle/internal/util"
)

func ok() proto.Response {
	return proto.Response{Success: true, Type: proto.TypeSuccess}
}

func fail(format string, args ...any) proto.Response {
	return proto.Response{Success: false, Type: proto.TypeError, Message: fmt.Sprintf(format, args...)}
}

// dispatch routes one decoded request. Every handler follows the same
// shape: validate session (login requests excepted), authorize, perform
// the store operation, respond.
func (s *Server) dispatch(req proto.Request, remoteIP string) proto.Response {
	switch req.Type {
	case proto.TypeAuth:
		return s.handleAuth(req, remoteIP)
	case proto.TypeVisitor:
		return s.handleVisitor(req, remoteIP)
	case proto.TypeRegisterUser:
		return s.handleRegisterUser(req)
	}

	sub, err := s.sessions.Validate(req.Token)
	if err != nil {
		return fail("invalid session: %v", err)
	}

	switch req.Type {
	case proto.TypeLogout:
		return s.handleLogout(req, sub)
	case proto.TypeRegister:
		return s.handleRegister(req, sub, remoteIP)
	case proto.TypeHeartbeat:
		return s.handleHeartbeat(req, sub, remoteIP)
	case proto.TypeGetPeers:
		return s.handleGetPeers(req)
	case proto.TypeChannelHost:
		return s.handleChannelHost(req, sub, remoteIP)
	case proto.TypeSyncData:
		return s.handleSyncData(req, sub)
	case proto.TypeJoinChannel:
		return s.handleJoinChannel(req, sub)
	case proto.TypeCreateChannel:
		return s.handleCreateChannel(req, sub)
	case proto.TypeGetChannels:
		return s.handleGetChannels()
	case proto.TypeGetHistory:
		return s.handleGetHistory(req, sub)
	case proto.TypeSendMessage:
		return s.handleSendMessage(req, sub)
	case proto.TypeStatus:
		return s.handleStatus(req, sub)
	case proto.TypeGetOnlineUsers:
		return s.handleGetOnlineUsers()
	case proto.TypeGetNotifications:
		return s.handleGetNotifications(req, sub)
	case proto.TypeMarkNotificationsRead:
		return s.handleMarkNotificationsRead(req, sub)
	case proto.TypeStreamStart:
		return s.handleStreamStart(req, sub)
	case proto.TypeStreamEnd:
		return s.handleStreamEnd(req, sub)
	case proto.TypeStreamWatch:
		return s.handleStreamWatch(req, sub)
	case proto.TypeGetStreams:
		return s.handleGetStreams()
	default:
		return fail("unknown request type %q", req.Type)
	}
}

func (s *Server) handleAuth(req proto.Request, remoteIP string) proto.Response {
	username, err := util.ValidateName(req.Username)
	if err != nil {
		return fail("invalid username: %v", err)
	}
	u, err := s.db.GetUser(username)
	if err != nil {
		s.feed.Emit(Event{Type: EventAuthFail, Subject: username})
		return fail("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		s.feed.Emit(Event{Type: EventAuthFail, Subject: username})
		return fail("invalid credentials")
	}

	sub := session.RegisteredSubject(username)
	token, err := s.sessions.Issue(sub, remoteIP)
	if err != nil {
		return fail("issue session: %v", err)
	}
	if err := s.db.UpdateUserStatus(username, store.StatusOnline); err != nil {
		log.Warnf("set %s online: %v", username, err)
	}
	s.feed.Emit(Event{Type: EventAuthOK, Subject: username})

	resp := ok()
	resp.Token = token
	resp.Subject = sub.String()
	return resp
}

func (s *Server) handleVisitor(req proto.Request, remoteIP string) proto.Response {
	name, err := util.ValidateName(req.DisplayName)
	if err != nil {
		return fail("invalid display name: %v", err)
	}
	sub := session.VisitorSubject(name)
	token, err := s.sessions.Issue(sub, remoteIP)
	if err != nil {
		return fail("issue session: %v", err)
	}
	s.feed.Emit(Event{Type: EventAuthOK, Subject: sub.String()})

	resp := ok()
	resp.Token = token
	resp.Subject = sub.String()
	resp.Visitor = true
	return resp
}

func (s *Server) handleRegisterUser(req proto.Request) proto.Response {
	username, err := util.ValidateName(req.Username)
	if err != nil {
		return fail("invalid username: %v", err)
	}
	if req.Password == "" {
		return fail("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return fail("hash password: %v", err)
	}
	if err := s.db.AddUser(username, string(hash), req.Email, time.Now().Unix()); err != nil {
		if errors.Is(err, store.ErrExists) {
			return fail("username %q is taken", username)
		}
		return fail("create user: %v", err)
	}
	s.feed.Emit(Event{Type: EventRegistered, Subject: username})
	return ok()
}

func (s *Server) handleLogout(req proto.Request, sub session.Subject) proto.Response {
	s.sessions.Revoke(req.Token)
	if !sub.IsVisitor() {
		if err := s.db.UpdateUserStatus(sub.Name, store.StatusOffline); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warnf("logout %s: %v", sub.Name, err)
		}
	}
	if err := s.db.RemovePeersFor(sub.String()); err != nil {
		log.Warnf("remove peers for %s: %v", sub, err)
	}
	return ok()
}

func (s *Server) handleRegister(req proto.Request, sub session.Subject, remoteIP string) proto.Response {
	if req.Port <= 0 || req.Port > 65535 {
		return fail("invalid port %d", req.Port)
	}
	kind := store.PeerNormal
	if sub.IsVisitor() {
		kind = store.PeerVisitor
	}
	rec := store.PeerRecord{
		PeerID:   store.PeerID(sub.String(), remoteIP, req.Port),
		Username: sub.String(),
		IP:       remoteIP,
		Port:     req.Port,
		Kind:     kind,
		LastSeen: time.Now().Unix(),
	}
	if err := s.db.UpsertPeer(rec); err != nil {
		return fail("register peer: %v", err)
	}
	s.feed.Emit(Event{Type: EventPeerOnline, Subject: rec.PeerID})
	return ok()
}

func (s *Server) handleHeartbeat(req proto.Request, sub session.Subject, remoteIP string) proto.Response {
	hosting := req.Hosting
	if sub.IsVisitor() {
		// Visitors cannot host; any claimed set is discarded.
		hosting = nil
	}
	peerID := store.PeerID(sub.String(), remoteIP, req.Port)
	if err := s.db.TouchPeer(peerID, time.Now().Unix(), hosting); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail("peer %s is not registered", peerID)
		}
		return fail("heartbeat: %v", err)
	}
	return ok()
}

func (s *Server) handleGetPeers(req proto.Request) proto.Response {
	now := time.Now().Unix()
	window := int64(s.cfg.PeerLivenessSec)

	if req.Channel != "" {
		rec, err := s.db.ChannelHost(req.Channel, now, window)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fail("no active host for channel %q", req.Channel)
			}
			return fail("host lookup: %v", err)
		}
		resp := ok()
		info := peerInfo(rec, now)
		resp.Host = &info
		return resp
	}

	active, err := s.db.ActivePeers(now, window)
	if err != nil {
		return fail("peer directory: %v", err)
	}
	resp := ok()
	resp.Peers = make([]proto.PeerInfo, 0, len(active))
	for _, rec := range active {
		resp.Peers = append(resp.Peers, peerInfo(rec, now))
	}
	return resp
}

func peerInfo(rec store.PeerRecord, now int64) proto.PeerInfo {
	return proto.PeerInfo{
		PeerID:   rec.PeerID,
		Username: rec.Username,
		IP:       rec.IP,
		Port:     rec.Port,
		Visitor:  rec.Kind == store.PeerVisitor,
		AgeSec:   now - rec.LastSeen,
		Hosting:  rec.HostingChannels,
	}
}

func (s *Server) handleChannelHost(req proto.Request, sub session.Subject, remoteIP string) proto.Response {
	if sub.IsVisitor() {
		return fail("authorization denied: visitors cannot host channels")
	}
	ch, err := s.db.GetChannel(req.Channel)
	if err != nil {
		return fail("channel %q not found", req.Channel)
	}
	if ch.Owner != sub.Name {
		return fail("authorization denied: only the owner may host %q", req.Channel)
	}

	var on bool
	switch req.Action {
	case proto.ActionHost:
		on = true
	case proto.ActionRelease:
		on = false
	default:
		return fail("unknown action %q", req.Action)
	}

	peerID := store.PeerID(sub.String(), remoteIP, req.Port)
	if err := s.db.SetPeerHosting(peerID, req.Channel, on); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail("peer %s is not registered", peerID)
		}
		return fail("channel host: %v", err)
	}
	s.feed.Emit(Event{Type: EventHostChange, Subject: sub.Name, Channel: req.Channel, Detail: req.Action})
	return ok()
}

// handleSyncData accepts a batch of messages from a channel's owner and
// appends the ones not already stored, each under a fresh tracker ID.
// Peer-assigned IDs on the batch are informational only; identity is the
// content key.
func (s *Server) handleSyncData(req proto.Request, sub session.Subject) proto.Response {
	if sub.IsVisitor() {
		return fail("authorization denied: visitors cannot sync channels")
	}
	ch, err := s.db.GetChannel(req.Channel)
	if err != nil {
		return fail("channel %q not found", req.Channel)
	}
	if ch.Owner != sub.Name {
		return fail("authorization denied: only the owner may sync %q", req.Channel)
	}

	stored, err := s.db.MessagesSince(req.Channel, 0, 0)
	if err != nil {
		return fail("sync read: %v", err)
	}
	seen := make(map[string]struct{}, len(stored))
	for _, m := range stored {
		seen[m.DedupKey()] = struct{}{}
	}

	synced := 0
	for _, m := range req.Messages {
		m.Channel = req.Channel
		if m.Timestamp == 0 {
			m.Timestamp = time.Now().Unix()
		}
		key := m.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		if _, err := s.db.AppendMessage(req.Channel, m.Author, m.Content, m.Timestamp); err != nil {
			return fail("sync append: %v", err)
		}
		seen[key] = struct{}{}
		synced++
	}

	resp := ok()
	resp.Synced = synced
	return resp
}

func (s *Server) handleJoinChannel(req proto.Request, sub session.Subject) proto.Response {
	if err := s.db.JoinChannel(req.Channel, sub.String()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail("channel %q not found", req.Channel)
		}
		return fail("join channel: %v", err)
	}
	return ok()
}

func (s *Server) handleCreateChannel(req proto.Request, sub session.Subject) proto.Response {
	if sub.IsVisitor() {
		return fail("authorization denied: visitors cannot create channels")
	}
	name, err := util.ValidateName(req.Channel)
	if err != nil {
		return fail("invalid channel name: %v", err)
	}
	if err := s.db.CreateChannel(name, sub.Name, req.Description, time.Now().Unix()); err != nil {
		if errors.Is(err, store.ErrExists) {
			return fail("channel %q already exists", name)
		}
		return fail("create channel: %v", err)
	}
	s.feed.Emit(Event{Type: EventChannelCreated, Subject: sub.Name, Channel: name})
	return ok()
}

func (s *Server) handleGetChannels() proto.Response {
	channels, err := s.db.ListChannels()
	if err != nil {
		return fail("list channels: %v", err)
	}
	now := time.Now().Unix()
	window := int64(s.cfg.PeerLivenessSec)

	resp := ok()
	resp.Channels = make([]proto.ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		info := proto.ChannelInfo{
			Name:        ch.Name,
			Owner:       ch.Owner,
			Description: ch.Description,
			Members:     len(ch.Members),
		}
		if host, err := s.db.ChannelHost(ch.Name, now, window); err == nil {
			info.Host = host.Username
		}
		resp.Channels = append(resp.Channels, info)
	}
	return resp
}

func (s *Server) handleGetHistory(req proto.Request, sub session.Subject) proto.Response {
	member, err := s.db.IsMember(req.Channel, sub.String())
	if err != nil {
		return fail("channel %q not found", req.Channel)
	}
	if !member {
		return fail("authorization denied: not a member of %q", req.Channel)
	}
	msgs, err := s.db.MessagesSince(req.Channel, req.SinceID, req.Limit)
	if err != nil {
		return fail("history: %v", err)
	}
	resp := ok()
	resp.Messages = msgs
	return resp
}

// handleSendMessage is the fallback delivery path used when a channel has
// no reachable host.
func (s *Server) handleSendMessage(req proto.Request, sub session.Subject) proto.Response {
	member, err := s.db.IsMember(req.Channel, sub.String())
	if err != nil {
		return fail("channel %q not found", req.Channel)
	}
	if !member {
		return fail("authorization denied: not a member of %q", req.Channel)
	}
	if req.Content == "" {
		return fail("empty message")
	}

	id, err := s.db.AppendMessage(req.Channel, sub.String(), req.Content, time.Now().Unix())
	if err != nil {
		return fail("append message: %v", err)
	}
	s.feed.Emit(Event{Type: EventMessageStored, Subject: sub.String(), Channel: req.Channel})
	s.fanOut(req.Channel, sub.String(), store.NotifyMessage, req.Content)

	resp := ok()
	resp.MessageID = id
	return resp
}

func (s *Server) handleStatus(req proto.Request, sub session.Subject) proto.Response {
	if sub.IsVisitor() {
		return fail("authorization denied: visitors cannot change status")
	}
	if !store.ValidStatus(req.Status) {
		return fail("unknown status %q", req.Status)
	}
	if err := s.db.UpdateUserStatus(sub.Name, req.Status); err != nil {
		return fail("status: %v", err)
	}
	return ok()
}

func (s *Server) handleGetOnlineUsers() proto.Response {
	users, err := s.db.OnlineUsers()
	if err != nil {
		return fail("online users: %v", err)
	}
	resp := ok()
	resp.Users = users
	return resp
}

func (s *Server) handleGetNotifications(req proto.Request, sub session.Subject) proto.Response {
	ns, err := s.db.NotificationsSince(sub.String(), req.SinceID)
	if err != nil {
		return fail("notifications: %v", err)
	}
	resp := ok()
	resp.Notifications = make([]proto.Notification, 0, len(ns))
	for _, n := range ns {
		resp.Notifications = append(resp.Notifications, proto.Notification{
			ID:        n.ID,
			Kind:      n.Kind,
			Content:   n.Content,
			Channel:   n.Channel,
			CreatedAt: n.CreatedAt,
		})
	}
	return resp
}

func (s *Server) handleMarkNotificationsRead(req proto.Request, sub session.Subject) proto.Response {
	if err := s.db.MarkNotificationsRead(sub.String(), req.IDs); err != nil {
		return fail("mark read: %v", err)
	}
	return ok()
}

func (s *Server) handleStreamStart(req proto.Request, sub session.Subject) proto.Response {
	if sub.IsVisitor() {
		return fail("authorization denied: visitors cannot start streams")
	}
	member, err := s.db.IsMember(req.Channel, sub.Name)
	if err != nil {
		return fail("channel %q not found", req.Channel)
	}
	if !member {
		return fail("authorization denied: not a member of %q", req.Channel)
	}
	if err := s.db.StartStream(req.Channel, sub.Name, time.Now().Unix()); err != nil {
		if errors.Is(err, store.ErrExists) {
			return fail("a stream is already live in %q", req.Channel)
		}
		return fail("start stream: %v", err)
	}
	s.feed.Emit(Event{Type: EventStreamStart, Subject: sub.Name, Channel: req.Channel})
	s.fanOut(req.Channel, sub.Name, store.NotifyStreamStart, sub.Name+" started streaming")
	return ok()
}

func (s *Server) handleStreamEnd(req proto.Request, sub session.Subject) proto.Response {
	st, err := s.db.GetStream(req.Channel)
	if err != nil {
		return fail("no live stream in %q", req.Channel)
	}
	if st.Streamer != sub.Name {
		return fail("authorization denied: only the streamer may end the stream")
	}
	if err := s.db.EndStream(req.Channel); err != nil {
		return fail("end stream: %v", err)
	}
	s.feed.Emit(Event{Type: EventStreamEnd, Subject: sub.Name, Channel: req.Channel})
	return ok()
}

// handleStreamWatch records the caller as a viewer of a running stream.
// Watching is open to visitors; only authoring is restricted.
func (s *Server) handleStreamWatch(req proto.Request, sub session.Subject) proto.Response {
	member, err := s.db.IsMember(req.Channel, sub.String())
	if err != nil {
		return fail("channel %q not found", req.Channel)
	}
	if !member {
		return fail("authorization denied: not a member of %q", req.Channel)
	}
	if err := s.db.AddStreamViewer(req.Channel, sub.String()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail("no live stream in %q", req.Channel)
		}
		return fail("watch stream: %v", err)
	}
	return ok()
}

func (s *Server) handleGetStreams() proto.Response {
	streams, err := s.db.ActiveStreams()
	if err != nil {
		return fail("streams: %v", err)
	}
	resp := ok()
	resp.Streams = make([]proto.StreamInfo, 0, len(streams))
	for _, st := range streams {
		resp.Streams = append(resp.Streams, proto.StreamInfo{
			Channel:   st.Channel,
			Streamer:  st.Streamer,
			StartedAt: st.StartedAt,
			Viewers:   st.Viewers,
		})
	}
	return resp
}

// fanOut creates one notification per channel member who is not the
// actor and is currently online. Visitors have no user record and no
// notification queue, so they are skipped by the status lookup.
func (s *Server) fanOut(channel, actor, kind, content string) {
	ch, err := s.db.GetChannel(channel)
	if err != nil {
		return
	}
	now := time.Now().Unix()
	for _, member := range ch.Members {
		if member == actor {
			continue
		}
		u, err := s.db.GetUser(member)
		if err != nil || u.Status != store.StatusOnline {
			continue
		}
		if _, err := s.db.AddNotification(member, kind, content, channel, now); err != nil {
			log.Warnf("notify %s: %v", member, err)
		}
	}
}
