package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/petervdpas/tandem/internal/coordinator"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/rendezvous"
)

// RunServer runs the sync coordinator with the rendezvous endpoints (and
// the circuit relay when configured) on one listener until ctx ends.
func RunServer(ctx context.Context, o Options) error {
	cfg := o.Cfg
	logBanner(o, "server")

	step, total := 0, 3
	if cfg.Server.RedisURL != "" {
		total++
	}

	hubOpts := coordinator.Options{
		HostGrace:  seconds(cfg.Server.HostGraceSec),
		SessionTTL: seconds(cfg.Server.SessionTTLSec),
		MaxMembers: cfg.Server.MaxMembers,
	}
	if cfg.Server.RedisURL != "" {
		step++
		o.progress(step, total, "Connecting session mirror")
		m, err := coordinator.NewRedisMirror(ctx, cfg.Server.RedisURL, seconds(cfg.Server.MirrorTTLSec))
		if err != nil {
			// Sessions still work, they just do not survive a restart.
			logger.Warn("coord: redis mirror unavailable", logger.Err(err))
		} else {
			defer m.Close()
			hubOpts.Mirror = m
		}
	}

	step++
	o.progress(step, total, "Preparing rendezvous")
	rc := cfg.Rendezvous
	relayKey, peerDB := "", ""
	if rc.RelayPort > 0 {
		relayKey = o.path(rc.RelayKeyFile)
	}
	if rc.PeerDBPath != "" {
		peerDB = o.path(rc.PeerDBPath)
	}
	rv := rendezvous.New(rendezvous.Options{
		ExternalURL:       rc.ExternalURL,
		RelayPort:         rc.RelayPort,
		RelayKeyFile:      relayKey,
		PeerTTL:           seconds(rc.PeerTTLSec),
		PeerDBPath:        peerDB,
		RelayCircuit:      time.Duration(rc.RelayCircuitMinutes) * time.Minute,
		RelayCircuitBytes: int64(rc.RelayCircuitMB) << 20,
		RelayTiming: rendezvous.RelayInfo{
			CleanupDelaySec:    rc.RelayCleanupDelaySec,
			PollDeadlineSec:    rc.RelayPollDeadlineSec,
			ConnectTimeoutSec:  rc.RelayConnectTimeoutSec,
			RefreshIntervalSec: rc.RelayRefreshIntervalSec,
			RecoveryGraceSec:   rc.RelayRecoveryGraceSec,
		},
	})

	step++
	o.progress(step, total, "Building coordinator")
	bind := cfg.Server.Bind
	if bind == "" {
		bind = "0.0.0.0"
	}
	addr := net.JoinHostPort(bind, strconv.Itoa(cfg.Server.Port))
	srv := coordinator.NewServer(coordinator.ServerOptions{
		Addr:              addr,
		PublicURL:         cfg.CoordinatorURL(),
		Hub:               hubOpts,
		MaxObservers:      cfg.Server.MaxObservers,
		MaxObserversPerIP: cfg.Server.MaxObserversPerIP,
		Rendezvous:        rv,
	})

	step++
	o.progress(step, total, "Listening on "+addr)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	return nil
}
