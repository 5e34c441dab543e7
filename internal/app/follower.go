package app

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/invite"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/player"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/provider/yandex"
	"github.com/petervdpas/tandem/internal/provider/youtube"
	"github.com/petervdpas/tandem/internal/resolver"
	"github.com/petervdpas/tandem/internal/session"
	"github.com/petervdpas/tandem/internal/syncclient"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
	"github.com/petervdpas/tandem/internal/transfer"
)

// RunFollower joins the session named by link and plays along until ctx
// ends or the host ends the session.
func RunFollower(ctx context.Context, o Options, link invite.Link) error {
	cfg := o.Cfg
	logBanner(o, "follow")

	step, total := 0, 6
	c, err := startClient(ctx, o, &step, total)
	if err != nil {
		return err
	}
	defer c.close()

	endpoint := link.Endpoint
	if eo := cfg.Sources.EndpointOverride; eo != "" {
		endpoint = cfg.CoordinatorURL()
	}
	sc := session.Context{SessionID: link.SessionID, PeerID: c.peerID, Endpoint: endpoint, Sources: cfg.Sources}
	if err := sc.Validate(); err != nil {
		return err
	}

	step++
	o.progress(step, total, "Joining "+sc.SessionID)
	sink := buildSink(o, c)
	runner := transfer.NewRunner(ctx, transfer.RunnerOptions{
		Engine: buildEngine(cfg, c),
		Resolve: func(st track.PlaybackState) ([]resolver.Candidate, error) {
			return resolver.Resolve(st, sc.Sources)
		},
		Consumer: transfer.ConsumerFunc(func(ctx context.Context, st track.PlaybackState, src *transfer.Stream) error {
			return sink.Play(ctx, st, src)
		}),
		SameStateTolerance: millis(cfg.Detector.DriftToleranceMs),
	})
	defer runner.Stop()

	fo := session.FollowerOptions{
		Runner:    runner,
		Sink:      sink,
		History:   c.db,
		Tolerance: millis(cfg.Detector.DriftToleranceMs),
	}
	if c.node != nil {
		fo.LAN = c.node
	}
	f := session.NewFollower(sc, fo)
	go f.Watch(ctx, runner.Events())

	conn, err := syncclient.Dial(ctx, syncclient.Options{
		Endpoint:  sc.Endpoint,
		SessionID: sc.SessionID,
		PeerID:    sc.PeerID,
		Role:      proto.RoleFollower,
		Label:     c.label,
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("session: following", logger.String("session", sc.SessionID), logger.String("endpoint", sc.Endpoint))

	err = pump(ctx, conn, f)
	switch {
	case errors.Is(err, syncerr.ErrSessionEnded):
		logger.Info("session: host ended the session", logger.String("session", sc.SessionID))
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

func buildSink(o Options, c *client) player.Sink {
	cfg := o.Cfg
	var sink player.Sink = &player.Discard{}
	if cfg.Player.Enabled {
		sink = player.NewCommandSink(cfg.Player.Command)
	}
	if cfg.Sources.DownloadDir != "" {
		sink = &player.TeeSink{Next: sink, Dir: o.path(cfg.Sources.DownloadDir), Library: c.lib}
	}
	return sink
}

func buildEngine(cfg config.Config, c *client) *transfer.Engine {
	direct := transfer.NewDirectFetcher(nil, map[track.Provider]transfer.URLResolver{
		track.ProviderYouTube: youtube.NewResolver(cfg.Providers.YouTube),
		track.ProviderYandex:  yandex.NewClient(cfg.Providers.Yandex, nil),
	})
	fetchers := map[string]transfer.Fetcher{
		config.DownloadYouTube: direct,
		config.DownloadYandex:  direct,
	}
	if c.node != nil {
		fetchers[config.DownloadP2P] = transfer.NewP2PFetcher(c.node)
	}
	timeouts := make(map[string]time.Duration, len(cfg.Transfer.Timeouts))
	for k, v := range cfg.Transfer.Timeouts {
		timeouts[k] = seconds(v)
	}
	return transfer.NewEngine(transfer.EngineOptions{
		Fetchers: fetchers,
		Timeout:  seconds(cfg.Transfer.AttemptTimeoutSec),
		Timeouts: timeouts,
	})
}
