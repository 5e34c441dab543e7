package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/detector"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/provider/spotify"
	"github.com/petervdpas/tandem/internal/provider/yandex"
	"github.com/petervdpas/tandem/internal/session"
	"github.com/petervdpas/tandem/internal/source"
	"github.com/petervdpas/tandem/internal/source/hook"
	"github.com/petervdpas/tandem/internal/source/localfolder"
	provsrc "github.com/petervdpas/tandem/internal/source/provider"
	"github.com/petervdpas/tandem/internal/syncclient"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/util"
)

type HostOptions struct {
	// SessionID resumes hosting an existing session. Empty creates one.
	SessionID string

	// OnInvite receives the shareable link once the session exists.
	OnInvite func(link string)
}

// RunHost creates (or resumes) a session and publishes what this machine
// plays until ctx ends, then ends the session.
func RunHost(ctx context.Context, o Options, ho HostOptions) error {
	cfg := o.Cfg
	logBanner(o, "host")

	step, total := 0, 7
	c, err := startClient(ctx, o, &step, total)
	if err != nil {
		return err
	}
	defer c.close()

	step++
	o.progress(step, total, "Opening session")
	endpoint := cfg.CoordinatorURL()
	snap, err := openHostedSession(ctx, c.db, endpoint, c.peerID, c.label, ho.SessionID)
	if err != nil {
		return err
	}
	sc := session.Context{SessionID: snap.SessionID, PeerID: c.peerID, Endpoint: endpoint, Sources: cfg.Sources}
	logger.Info("session: hosting", logger.String("session", sc.SessionID), logger.String("invite", sc.Invite()))
	if ho.OnInvite != nil {
		ho.OnInvite(sc.Invite())
	}

	conn, err := syncclient.Dial(ctx, syncclient.Options{
		Endpoint:  endpoint,
		SessionID: sc.SessionID,
		PeerID:    sc.PeerID,
		Role:      proto.RoleHost,
		Label:     c.label,
		HostToken: snap.HostToken,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	var holders session.HolderSource
	if c.node != nil {
		holders = c.node
	}
	link := session.NewHostLink(sc, conn, holders)
	host := session.NewHost(sc, link)

	step++
	o.progress(step, total, "Starting detector")
	positional, providers := buildAdapters(ctx, cfg, c)
	det := detector.New(detector.Options{
		Positional:     positional,
		Providers:      providers,
		Link:           link,
		Tick:           millis(cfg.Detector.TickMs),
		DriftTolerance: millis(cfg.Detector.DriftToleranceMs),
		DurationMatch:  millis(cfg.Detector.DurationMatchMs),
		Grace:          seconds(cfg.Detector.GraceSec),
	})
	events := det.Subscribe()
	defer det.Unsubscribe(events)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return det.Run(gctx) })
	g.Go(func() error { return pump(gctx, conn, host) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-host.Ended():
				return syncerr.ErrSessionEnded
			case ev := <-events:
				logDetectorEvent(ev)
			}
		}
	})
	err = g.Wait()

	if errors.Is(err, syncerr.ErrSessionEnded) {
		logger.Info("session: ended by coordinator", logger.String("session", sc.SessionID))
		return nil
	}
	ectx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	if eerr := syncclient.EndSession(ectx, endpoint, sc.SessionID, sc.PeerID, snap.HostToken); eerr != nil {
		logger.Warn("session: ending failed, it expires after the host grace period", logger.Err(eerr))
	} else if derr := c.db.DeleteHostToken(endpoint, sc.SessionID); derr != nil {
		logger.Warn("session: could not forget host token", logger.Err(derr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pump runs session.Pump and turns a connection that stopped for good into
// an error, so the other loops stop with it.
func pump(ctx context.Context, conn *syncclient.Conn, obs session.Observer) error {
	if err := session.Pump(ctx, conn.Updates(), obs); err != nil {
		return err
	}
	if err := conn.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

type hostTokens interface {
	SaveHostToken(endpoint, sessionID, token string) error
	HostToken(endpoint, sessionID string) (string, bool)
}

// openHostedSession resumes id when this peer hosts it and still holds the
// host token, otherwise creates a new session and stores its token.
func openHostedSession(ctx context.Context, tokens hostTokens, endpoint, peerID, label, id string) (proto.Snapshot, error) {
	if id != "" {
		snap, err := syncclient.Snapshot(ctx, endpoint, id)
		switch {
		case err == nil && snap.HostID == peerID:
			tok, ok := tokens.HostToken(endpoint, id)
			if !ok {
				return proto.Snapshot{}, fmt.Errorf("session %s: no stored host token: %w", id, syncerr.ErrNotHost)
			}
			snap.HostToken = tok
			logger.Info("session: resuming", logger.String("session", id))
			return snap, nil
		case err == nil:
			return proto.Snapshot{}, fmt.Errorf("session %s: %w", id, syncerr.ErrNotHost)
		case !errors.Is(err, syncerr.ErrSessionNotFound):
			return proto.Snapshot{}, err
		}
		logger.Info("session: configured room is gone, creating a new session", logger.String("room", id))
	}
	snap, err := syncclient.CreateSession(ctx, endpoint, peerID, label)
	if err != nil {
		return snap, err
	}
	if err := tokens.SaveHostToken(endpoint, snap.SessionID, snap.HostToken); err != nil {
		logger.Warn("session: could not store host token, resuming after a restart will fail", logger.Err(err))
	}
	return snap, nil
}

// buildAdapters turns the enabled discovery sources into adapters. Sources
// that cannot start are logged and left out.
func buildAdapters(ctx context.Context, cfg config.Config, c *client) (positional, providers []source.Adapter) {
	pollTimeout := util.DefaultFetchTimeout
	sc := cfg.Sources

	if sc.DiscoveryEnabled(config.SourceHook) {
		positional = append(positional, source.Wrap(hook.New(c.lib), util.ShortTimeout))
	}
	if sc.DiscoveryEnabled(config.SourceLocalFolder) {
		positional = append(positional, source.Wrap(localfolder.New(c.lib), util.ShortTimeout))
	}

	every := seconds(cfg.Detector.ProviderPollSec)
	if sc.DiscoveryEnabled(config.SourceSpotify) {
		cl, err := spotify.New(ctx, cfg.Providers.Spotify)
		if err != nil {
			logger.Warn("source: spotify unavailable", logger.Err(err))
		} else {
			a := provsrc.New(config.SourceSpotify, cl, provsrc.NewThrottle(cfg.Detector.PollMode, every))
			providers = append(providers, source.Wrap(a, pollTimeout))
		}
	}
	if sc.DiscoveryEnabled(config.SourceYandex) {
		y, err := yandex.NewYnison(cfg.Providers.Yandex, yandex.NewClient(cfg.Providers.Yandex, nil))
		if err != nil {
			logger.Warn("source: yandex unavailable", logger.Err(err))
		} else {
			a := provsrc.New(config.SourceYandex, y, provsrc.NewThrottle(cfg.Detector.PollMode, every))
			providers = append(providers, source.Wrap(a, 2*pollTimeout))
		}
	}

	names := make([]string, 0, len(positional)+len(providers))
	for _, a := range append(append([]source.Adapter(nil), positional...), providers...) {
		names = append(names, a.Name())
	}
	logger.Info("source: adapters ready", logger.Strings("adapters", names))
	return positional, providers
}

func logDetectorEvent(ev detector.Event) {
	switch {
	case ev.Propagated != nil:
		fmt.Println(ev.Propagated.Format())
	case ev.Err != nil:
		logger.Warn("detector: update not delivered",
			logger.Err(ev.Err),
			logger.String("suggestion", syncerr.Suggestion(ev.Err)))
	default:
		logger.Debug("detector: state", logger.String("state", ev.State.String()))
	}
}
