package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/petervdpas/tandem/internal/invite"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

const (
	maxBodyBytes      = 64 << 10
	sseHeartbeat      = 25 * time.Second
	defaultLogLines   = 200
	maxLogLines       = 2000
	defaultObservers  = 256
	defaultObserverIP = 8
)

type createRequest struct {
	HostID string `json:"host_id"`
	Label  string `json:"label,omitempty"`
}

type joinRequest struct {
	PeerID    string `json:"peer_id"`
	Role      string `json:"role,omitempty"`
	Label     string `json:"label,omitempty"`
	HostToken string `json:"host_token,omitempty"`
}

type publishRequest struct {
	HostID    string               `json:"host_id"`
	HostToken string               `json:"host_token"`
	State     *track.PlaybackState `json:"state"`
}

type publishResponse struct {
	Seq uint64 `json:"seq"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/logs", s.handleLogs).Methods(http.MethodGet)

	r.HandleFunc("/api/sessions", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{session}", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{session}", s.handleEnd).Methods(http.MethodDelete)
	r.HandleFunc("/api/sessions/{session}/join", s.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{session}/publish", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{session}/leave", s.handleLeave).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{session}/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/ws/{session}", s.handleWS)
	r.HandleFunc("/s/{session}", s.handleInvite).Methods(http.MethodGet)

	r.HandleFunc("/host/create", s.handleLegacyCreate).Methods(http.MethodGet)
	r.HandleFunc("/host/create/{uid}", s.handleLegacyCreate).Methods(http.MethodGet)
	r.HandleFunc("/host/update/{room}", s.handleLegacyUpdate).Methods(http.MethodPost)
	r.HandleFunc("/update/{room}", s.handleLegacyPoll).Methods(http.MethodGet)

	if s.rv != nil {
		s.rv.Register(r)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": len(s.hub.Sessions())})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 {
		n = min(v, maxLogLines)
	}
	writeJSON(w, http.StatusOK, logger.Recent(n))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := s.hub.CreateSession(req.HostID, req.Label)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Sessions())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.hub.Snapshot(mux.Vars(r)["session"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PeerID == "" {
		http.Error(w, "peer_id required", http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["session"]
	if err := s.hub.Authorize(id, req.PeerID, req.HostToken); err != nil {
		writeErr(w, err)
		return
	}
	snap, err := s.hub.Join(id, req.PeerID, req.Role, req.Label)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.State == nil {
		http.Error(w, "state required", http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["session"]
	if err := s.hub.Authorize(id, req.HostID, req.HostToken); err != nil {
		writeErr(w, err)
		return
	}
	seq, err := s.hub.Publish(id, req.HostID, *req.State)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publishResponse{Seq: seq})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := mux.Vars(r)["session"]
	if err := s.hub.Authorize(id, req.PeerID, req.HostToken); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.hub.Leave(id, req.PeerID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id, hostID := mux.Vars(r)["session"], r.URL.Query().Get("host")
	if err := s.hub.Authorize(id, hostID, r.Header.Get(proto.HostTokenHeader)); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.hub.End(id, hostID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInvite answers the http(s) form of an invite link with the
// tandem:// link for the same session.
func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	snap, err := s.hub.Snapshot(mux.Vars(r)["session"])
	if err != nil {
		writeErr(w, err)
		return
	}
	l := invite.Link{SessionID: snap.SessionID, Endpoint: s.publicURL(r)}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": l.SessionID,
		"endpoint":   l.Endpoint,
		"link":       invite.Encode(l),
		"members":    len(snap.Members),
	})
}

func (s *Server) publicURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return s.opts.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// handleEvents streams session messages to read-only observers as SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := mux.Vars(r)["session"]
	ip := extractIP(r)

	release, err := s.observers.acquire(ip)
	if err != nil {
		logger.Warn("coord: observer rejected", logger.String("ip", ip), logger.Err(err))
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer release()

	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		peerID = "observer:" + ip
	}
	sub, err := s.hub.Attach(id, peerID, proto.RoleObserver, "")
	if err != nil {
		writeErr(w, err)
		return
	}
	defer s.hub.Detach(id, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = w.Write([]byte(": ok\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			b, _ := json.Marshal(msg)
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, b); err != nil {
				return
			}
			flusher.Flush()
			if msg.Type == proto.TypeEnded {
				return
			}
		}
	}
}

// observerLimiter caps read-only streams globally and per client IP.
type observerLimiter struct {
	mu    sync.Mutex
	max   int
	perIP int
	total int
	byIP  map[string]int
}

func newObserverLimiter(max, perIP int) *observerLimiter {
	if max <= 0 {
		max = defaultObservers
	}
	if perIP <= 0 {
		perIP = defaultObserverIP
	}
	return &observerLimiter{max: max, perIP: perIP, byIP: map[string]int{}}
}

func (l *observerLimiter) acquire(ip string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total >= l.max {
		return nil, fmt.Errorf("too many observers (%d)", l.max)
	}
	if l.byIP[ip] >= l.perIP {
		return nil, fmt.Errorf("too many observers from %s (%d)", ip, l.perIP)
	}
	l.total++
	l.byIP[ip]++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.total--
			if l.byIP[ip]--; l.byIP[ip] <= 0 {
				delete(l.byIP, ip)
			}
		})
	}, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the session taxonomy to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, syncerr.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, syncerr.ErrNotHost):
		status = http.StatusForbidden
	case errors.Is(err, syncerr.ErrSessionFull):
		status = http.StatusConflict
	case errors.Is(err, syncerr.ErrSessionEnded):
		status = http.StatusGone
	}
	writeJSON(w, status, errorResponse{Code: syncerr.Code(err), Error: err.Error()})
}

// extractIP returns the IP portion of the request's remote address.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
