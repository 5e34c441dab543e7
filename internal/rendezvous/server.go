// Package rendezvous helps peers find each other across NATs: it runs an
// optional circuit relay host, publishes the relay's addresses and keeps a
// short-lived table of the candidate addresses each peer announces.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
)

const maxAddrsPerPeer = 32

type Options struct {
	ExternalURL  string
	RelayPort    int
	RelayKeyFile string

	// PeerTTL bounds how long announced addresses are handed out.
	PeerTTL time.Duration

	// PeerDBPath, when set, persists announced addresses in SQLite so
	// instances sharing the file can answer for each other's peers.
	PeerDBPath string

	// Timing pushed to relay clients through /relay.
	RelayTiming RelayInfo

	// Per-circuit limits on the relay. Zero keeps the libp2p default.
	RelayCircuit      time.Duration
	RelayCircuitBytes int64
}

type Server struct {
	opts    Options
	peers   *peerTable
	limiter *rateLimiter

	relayHost host.Host
	relayInfo *RelayInfo
}

func New(opts Options) *Server {
	if opts.PeerTTL <= 0 {
		opts.PeerTTL = 2 * time.Minute
	}
	return &Server{
		opts:    opts,
		peers:   newPeerTable(opts.PeerTTL),
		limiter: newRateLimiter(),
	}
}

// Start brings up the relay host when configured and the cleanup loop.
// Both stop when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.opts.PeerDBPath != "" {
		db, err := openPeerDB(s.opts.PeerDBPath)
		if err != nil {
			return fmt.Errorf("open peer db: %w", err)
		}
		s.peers.db = db
		go func() {
			<-ctx.Done()
			_ = db.close()
		}()
	}
	if s.opts.RelayPort > 0 {
		rh, ri, err := startRelay(s.opts)
		if err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
		s.relayHost = rh
		s.relayInfo = ri
		go func() {
			<-ctx.Done()
			_ = rh.Close()
		}()
	}
	go s.cleanupLoop(ctx)
	return nil
}

// RelayInfo returns the running relay's description, or nil.
func (s *Server) RelayInfo() *RelayInfo { return s.relayInfo }

// Register mounts the rendezvous endpoints on r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/relay", s.handleRelay).Methods(http.MethodGet)
	r.HandleFunc("/api/peers", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/api/peers", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/peers/{id}", s.handleLookup).Methods(http.MethodGet)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if s.relayInfo == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, s.relayInfo)
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.peers.prune(); n > 0 {
				logger.Debug("rendezvous: pruned stale peers", logger.Int("count", n))
			}
			s.limiter.cleanup(now)
		}
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(extractIP(r.RemoteAddr), time.Now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	var pa PeerAddrs
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&pa); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := validatePeerAddrs(&pa); err != nil {
		http.Error(w, "bad message: "+err.Error(), http.StatusBadRequest)
		return
	}
	if pa.TS == 0 {
		pa.TS = proto.NowMillis()
	}
	s.peers.upsert(pa)
	logger.Debug("rendezvous: peer addresses", logger.String("peer", pa.PeerID), logger.Int("addrs", len(pa.Addrs)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	p, ok := s.peers.get(mux.Vars(r)["id"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.peers.list())
}

// validatePeerAddrs checks the peer ID and drops unparsable addresses.
func validatePeerAddrs(pa *PeerAddrs) error {
	if _, err := peer.Decode(pa.PeerID); err != nil {
		return fmt.Errorf("peer_id: %w", err)
	}
	if len(pa.Addrs) > maxAddrsPerPeer {
		pa.Addrs = pa.Addrs[:maxAddrsPerPeer]
	}
	kept := pa.Addrs[:0]
	for _, a := range pa.Addrs {
		if _, err := ma.NewMultiaddr(a); err == nil {
			kept = append(kept, a)
		}
	}
	pa.Addrs = kept
	if len(pa.Addrs) == 0 {
		return errors.New("no valid addresses")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
