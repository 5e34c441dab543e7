package rendezvous

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

func newPeerID(t *testing.T) string {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return id.String()
}

func startServer(t *testing.T, s *Server) *Client {
	t.Helper()
	r := mux.NewRouter()
	s.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestPublishAndLookup(t *testing.T) {
	c := startServer(t, New(Options{PeerTTL: time.Minute}))
	ctx := context.Background()
	id := newPeerID(t)

	addrs := []string{"/ip4/192.168.1.5/tcp/4001", "not-a-multiaddr", "/ip4/1.2.3.4/tcp/4001"}
	if err := c.PublishAddrs(ctx, id, addrs); err != nil {
		t.Fatal(err)
	}
	got, found, err := c.LookupPeer(ctx, id)
	if err != nil || !found {
		t.Fatalf("LookupPeer = %v, %v, %v", got, found, err)
	}
	if len(got) != 2 || got[0] != addrs[0] || got[1] != addrs[2] {
		t.Errorf("addrs = %v", got)
	}

	_, found, err = c.LookupPeer(ctx, newPeerID(t))
	if err != nil || found {
		t.Errorf("unknown peer: found=%v err=%v", found, err)
	}
}

func TestPublishRejectsBadPeer(t *testing.T) {
	c := startServer(t, New(Options{}))
	if err := c.PublishAddrs(context.Background(), "nope", []string{"/ip4/1.2.3.4/tcp/1"}); err == nil {
		t.Fatal("invalid peer id accepted")
	}
	if err := c.PublishAddrs(context.Background(), newPeerID(t), []string{"garbage"}); err == nil {
		t.Fatal("publish without valid addresses accepted")
	}
}

func TestPeerEntriesExpire(t *testing.T) {
	s := New(Options{PeerTTL: time.Minute})
	now := time.Now()
	s.peers.now = func() time.Time { return now }
	id := newPeerID(t)
	s.peers.upsert(PeerAddrs{PeerID: id, Addrs: []string{"/ip4/1.2.3.4/tcp/1"}, TS: 1})

	if _, ok := s.peers.get(id); !ok {
		t.Fatal("fresh entry missing")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := s.peers.get(id); ok {
		t.Error("expired entry still served")
	}
	if n := s.peers.prune(); n != 1 {
		t.Errorf("prune = %d, want 1", n)
	}
}

func TestOlderAnnouncementDoesNotOverwrite(t *testing.T) {
	tab := newPeerTable(time.Minute)
	tab.upsert(PeerAddrs{PeerID: "p", Addrs: []string{"new"}, TS: 20})
	tab.upsert(PeerAddrs{PeerID: "p", Addrs: []string{"old"}, TS: 10})
	p, _ := tab.get("p")
	if p.Addrs[0] != "new" {
		t.Errorf("Addrs = %v, want the newer announcement", p.Addrs)
	}
}

func TestSharedPeerDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(Options{PeerTTL: time.Minute, PeerDBPath: path})
	b := New(Options{PeerTTL: time.Minute, PeerDBPath: path})
	for _, s := range []*Server{a, b} {
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}
	ca, cb := startServer(t, a), startServer(t, b)

	id := newPeerID(t)
	if err := ca.PublishAddrs(ctx, id, []string{"/ip4/10.0.0.2/tcp/4001"}); err != nil {
		t.Fatal(err)
	}
	got, found, err := cb.LookupPeer(ctx, id)
	if err != nil || !found || len(got) != 1 || got[0] != "/ip4/10.0.0.2/tcp/4001" {
		t.Fatalf("lookup via second instance = %v, %v, %v", got, found, err)
	}
	if list := b.peers.list(); len(list) != 1 || list[0].PeerID != id {
		t.Errorf("list = %+v", list)
	}
}

func TestRelayInfoMissingWhenDisabled(t *testing.T) {
	c := startServer(t, New(Options{}))
	info, err := c.FetchRelayInfo(context.Background())
	if err != nil || info != nil {
		t.Errorf("FetchRelayInfo = %+v, %v; want nil, nil", info, err)
	}
}

func TestRateLimiter(t *testing.T) {
	l := newRateLimiter()
	now := time.Now()
	for i := 0; i < rateBucketCap; i++ {
		if !l.allow("1.1.1.1", now) {
			t.Fatalf("request %d rejected", i)
		}
	}
	if l.allow("1.1.1.1", now) {
		t.Error("limit not enforced")
	}
	if !l.allow("2.2.2.2", now) {
		t.Error("other IP throttled")
	}
	if !l.allow("1.1.1.1", now.Add(time.Minute+time.Second)) {
		t.Error("window did not slide")
	}
	l.cleanup(now.Add(3 * time.Minute))
	if len(l.buckets) != 0 {
		t.Errorf("buckets = %d after cleanup", len(l.buckets))
	}
}

func TestBuildPublicAddr(t *testing.T) {
	got := buildPublicAddr("https://203.0.113.7:8443", 4001, "12D3KooW")
	if got != "/ip4/203.0.113.7/tcp/4001/p2p/12D3KooW" {
		t.Errorf("got %q", got)
	}
	if got := buildPublicAddr("::bad::", 4001, "x"); got != "" {
		t.Errorf("bad url -> %q", got)
	}
}

func TestRelayResourcesWidenCircuit(t *testing.T) {
	def := relayResources(0, 0)
	rc := relayResources(10*time.Minute, 64<<20)
	if rc.Limit == nil {
		t.Fatal("no circuit limit")
	}
	if rc.Limit.Duration != 10*time.Minute || rc.Limit.Data != 64<<20 {
		t.Errorf("limit = %+v", *rc.Limit)
	}
	if rc.MaxCircuits != def.MaxCircuits || rc.MaxReservations != def.MaxReservations {
		t.Error("other resources changed")
	}
	if def.Limit != nil && def.Limit.Data >= 64<<20 {
		t.Errorf("default limit already large: %+v", *def.Limit)
	}
}

func TestAdvertisedAddrsSkipLoopback(t *testing.T) {
	listen := []ma.Multiaddr{
		ma.StringCast("/ip4/127.0.0.1/tcp/4001"),
		ma.StringCast("/ip4/10.0.0.5/tcp/4001"),
		ma.StringCast("/ip6/::1/tcp/4001"),
	}
	got := advertisedAddrs(listen, "/ip4/203.0.113.7/tcp/4001/p2p/x")
	want := []string{"/ip4/203.0.113.7/tcp/4001/p2p/x", "/ip4/10.0.0.5/tcp/4001"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("addrs = %v, want %v", got, want)
	}
	if got := advertisedAddrs(listen[:1], ""); len(got) != 0 {
		t.Errorf("loopback only -> %v", got)
	}
}
