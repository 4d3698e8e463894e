package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rvdmeulen/huddle/internal/config"
	"github.com/rvdmeulen/huddle/internal/proto"
	"github.com/rvdmeulen/huddle/internal/session"
	"github.com/rvdmeulen/huddle/internal/store"
)

var log = logging.Logger("tracker")

const eventRingSize = 256

// Server is the central coordination authority: peer directory, channel
// directory, host election, durable messages and fallback delivery. Each
// inbound connection carries exactly one JSON request and receives
// exactly one JSON response.
type Server struct {
	cfg      config.Tracker
	db       *store.DB
	sessions *session.Registry
	feed     *Feed

	ln        net.Listener
	startedAt time.Time
	wg        sync.WaitGroup

	mu         sync.Mutex
	lastActive map[string]struct{}
}

func New(cfg config.Tracker, db *store.DB) *Server {
	s := &Server{
		cfg:        cfg,
		db:         db,
		sessions:   session.NewRegistry(time.Duration(cfg.SessionTimeoutSec) * time.Second),
		feed:       NewFeed(eventRingSize),
		lastActive: make(map[string]struct{}),
	}
	s.sessions.SetPresenceLossFunc(func(username string) {
		if err := db.UpdateUserStatus(username, store.StatusOffline); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warnf("presence loss for %s: %v", username, err)
		}
	})
	return s
}

// Sessions exposes the registry for composition and tests.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// Feed exposes the event feed consumed by the ops surface.
func (s *Server) Feed() *Feed { return s.feed }

// Start binds the coordination listener plus the ops surface and spawns
// the accept and sweep loops. It returns once listening; ctx cancellation
// tears everything down.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tracker listen %s: %w", addr, err)
	}
	s.ln = ln
	s.startedAt = time.Now()
	log.Infof("tracker listening on %s", ln.Addr())

	if s.cfg.OpsPort > 0 {
		if err := s.startOps(ctx); err != nil {
			ln.Close()
			return err
		}
	}

	s.wg.Add(2)
	go s.acceptLoop(ctx)
	go s.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	return nil
}

// Addr returns the bound coordination address, useful when the
// configured port is 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Wait blocks until the accept and sweep loops have exited.
func (s *Server) Wait() {
	s.wg.Wait()
	s.feed.Close()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warnf("accept: %v", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads one request, dispatches it and writes one response.
// Malformed input and handler panics become error responses; nothing here
// is fatal to the listener.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	timeout := time.Duration(s.cfg.RequestTimeoutSec) * time.Second
	_ = conn.SetDeadline(time.Now().Add(timeout))

	var resp proto.Response
	var req proto.Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		log.Debugf("malformed request from %s: %v", conn.RemoteAddr(), err)
		resp = fail("malformed request")
	} else {
		resp = s.safeDispatch(req, remoteIP(conn))
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		log.Debugf("write response to %s: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) safeDispatch(req proto.Request, remoteIP string) (resp proto.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler panic on %s: %v", req.Type, r)
			resp = fail("internal error")
		}
	}()
	return s.dispatch(req, remoteIP)
}

// sweepLoop evicts expired sessions and emits heartbeat_lapse events for
// peers that fell out of the liveness window since the previous scan.
func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.SweepIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sessions.SweepExpired(); n > 0 {
				log.Infof("swept %d expired sessions", n)
			}
			s.scanPeerLapses()
		}
	}
}

func (s *Server) scanPeerLapses() {
	active, err := s.db.ActivePeers(time.Now().Unix(), int64(s.cfg.PeerLivenessSec))
	if err != nil {
		log.Warnf("liveness scan: %v", err)
		return
	}
	current := make(map[string]struct{}, len(active))
	for _, rec := range active {
		current[rec.PeerID] = struct{}{}
	}

	s.mu.Lock()
	prev := s.lastActive
	s.lastActive = current
	s.mu.Unlock()

	for peerID := range prev {
		if _, still := current[peerID]; !still {
			s.feed.Emit(Event{Type: EventHeartbeatLapse, Subject: peerID})
		}
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
