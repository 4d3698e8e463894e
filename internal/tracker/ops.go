package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rvdmeulen/huddle/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The ops surface binds to localhost by default; admins proxying it
	// are expected to handle origin policy themselves.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startOps serves the admin HTTP surface: health, stats, peer directory
// and a WebSocket event feed.
func (s *Server) startOps(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.OpsBind, s.cfg.OpsPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/peers", s.handleOpsPeers)
	mux.HandleFunc("/ws/events", func(w http.ResponseWriter, r *http.Request) {
		s.handleEventsWS(ctx, w, r)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("ops server: %v", err)
		}
	}()

	log.Infof("ops surface on http://%s", ln.Addr())
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "ok",
		"uptime_sec": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := time.Now().Unix()
	active, _ := s.db.ActivePeers(now, int64(s.cfg.PeerLivenessSec))
	channels, _ := s.db.ListChannels()
	var messages int64
	for _, ch := range channels {
		messages += ch.LastMessageID
	}
	writeJSON(w, map[string]any{
		"sessions":        s.sessions.Len(),
		"active_peers":    len(active),
		"channels":        len(channels),
		"messages_stored": messages,
	})
}

func (s *Server) handleOpsPeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := time.Now().Unix()
	active, err := s.db.ActivePeers(now, int64(s.cfg.PeerLivenessSec))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]any, 0, len(active))
	for _, rec := range active {
		out = append(out, peerInfo(rec, now))
	}
	writeJSON(w, out)
}

// handleEventsWS upgrades to WebSocket and pushes the recent event ring
// followed by live events until either side goes away.
func (s *Server) handleEventsWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	for _, evt := range s.feed.Recent(eventRingSize) {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}

	sub := s.feed.Subscribe()
	defer s.feed.Unsubscribe(sub)

	// Drain client frames so close/ping handling works; we never expect
	// payloads from the admin side.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
