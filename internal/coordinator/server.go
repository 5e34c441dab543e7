package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/rendezvous"
)

type ServerOptions struct {
	Addr string

	// PublicURL is the endpoint written into invite links. Empty means the
	// request's Host header.
	PublicURL string

	Hub Options

	MaxObservers      int
	MaxObserversPerIP int

	// Rendezvous, when set, is mounted on the same listener.
	Rendezvous *rendezvous.Server
}

type Server struct {
	opts      ServerOptions
	hub       *Hub
	observers *observerLimiter
	rv        *rendezvous.Server
	handler   http.Handler
}

func NewServer(opts ServerOptions) *Server {
	s := &Server{
		opts:      opts,
		hub:       NewHub(opts.Hub),
		observers: newObserverLimiter(opts.MaxObservers, opts.MaxObserversPerIP),
		rv:        opts.Rendezvous,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Handler() http.Handler { return s.handler }

// Run restores mirrored sessions, starts the hub and rendezvous, and serves
// HTTP until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if n, err := s.hub.Restore(ctx); err != nil {
		logger.Warn("coord: restore from mirror failed", logger.Err(err))
	} else if n > 0 {
		logger.Info("coord: restored sessions await their hosts", logger.Int("count", n))
	}
	go s.hub.Run(ctx)

	if s.rv != nil {
		if err := s.rv.Start(ctx); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("coord: listening", logger.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
