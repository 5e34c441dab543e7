package app

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/library"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/p2p"
	"github.com/petervdpas/tandem/internal/rendezvous"
	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/util"
)

// client is what hosting and following share: the local database and
// library, the rendezvous client and the P2P node.
type client struct {
	cfg    config.Config
	peerID string
	label  string

	db   *storage.DB
	lib  *library.Library
	rv   *rendezvous.Client
	node *p2p.Node // nil when the node could not start
}

func startClient(ctx context.Context, o Options, step *int, total int) (*client, error) {
	cfg := o.Cfg
	c := &client{cfg: cfg, label: cfg.Identity.Label}
	if c.label == "" {
		c.label, _ = os.Hostname()
	}

	*step++
	o.progress(*step, total, "Opening database")
	db, err := storage.Open(o.path(cfg.Storage.DBPath))
	if err != nil {
		return nil, err
	}
	c.db = db

	*step++
	o.progress(*step, total, "Indexing library")
	var roots []string
	for _, d := range []string{cfg.Sources.LibraryDir, cfg.Sources.DownloadDir} {
		if strings.TrimSpace(d) != "" {
			roots = append(roots, o.path(d))
		}
	}
	lib, err := library.New(db, roots...)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.lib = lib
	go func() {
		n, err := lib.Scan(ctx)
		if err != nil {
			logger.Warn("library: scan failed", logger.Err(err))
			return
		}
		logger.Info("library: indexed", logger.Int("tracks", n))
	}()
	go func() {
		if err := lib.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("library: watch stopped", logger.Err(err))
		}
	}()

	*step++
	o.progress(*step, total, "Discovering relay")
	c.rv = rendezvous.NewClient(cfg.RendezvousURL())
	rctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	relay, err := c.rv.FetchRelayInfo(rctx)
	cancel()
	if err != nil {
		logger.Warn("relay: discovery failed", logger.Err(err))
	} else if relay != nil {
		logger.Info("relay: discovered", logger.String("peer", relay.PeerID), logger.Int("addrs", len(relay.Addrs)))
	}

	*step++
	o.progress(*step, total, "Creating P2P node")
	node, err := p2p.New(ctx, p2p.Options{
		ListenPort:    cfg.P2P.ListenPort,
		KeyFile:       o.path(cfg.Identity.KeyFile),
		MdnsTag:       cfg.P2P.MdnsTag,
		HolderTopic:   cfg.P2P.HolderTopic,
		Relay:         relay,
		PresenceTTL:   seconds(cfg.Rendezvous.PeerTTLSec),
		DirectTimeout: seconds(cfg.P2P.DirectTimeoutSec),
		RelayTimeout:  seconds(cfg.P2P.RelayTimeoutSec),
		LANTimeout:    seconds(cfg.P2P.LANTimeoutSec),
		Cache:         db,
		Lookup:        c.rv,
	})
	if err != nil {
		// Direct provider downloads still work without a node.
		logger.Warn("p2p: node unavailable, peer transfers disabled", logger.Err(err))
		c.peerID = uuid.NewString()
		return c, nil
	}
	c.node = node
	c.peerID = node.ID()
	logger.Info("p2p: node up", logger.String("peer", node.ID()), logger.Strings("addrs", node.Addrs()))

	node.EnableServing(lib, p2p.ServePolicy{SendingForbidden: cfg.Sources.P2PSendingForbidden})
	node.RunHolderLoop(ctx, nil)
	if relay != nil {
		node.WaitForRelay(ctx, seconds(max(relay.ConnectTimeoutSec, 5)))
		node.StartRelayRefresh(ctx)
	}
	node.StartAddrPublisher(ctx, c.rv, seconds(cfg.Rendezvous.PeerTTLSec)/2)
	return c, nil
}

func (c *client) close() {
	if c.node != nil {
		_ = c.node.Close()
	}
	if c.db != nil {
		_ = c.db.Close()
	}
}
