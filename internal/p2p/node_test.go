package p2p

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

type fakeLibrary map[string]storage.LibraryTrack

func (f fakeLibrary) Lookup(id string) (storage.LibraryTrack, bool) {
	t, ok := f[id]
	return t, ok
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(context.Background(), Options{
		ListenAddrs:   []string{"/ip4/127.0.0.1/tcp/0"},
		KeyFile:       filepath.Join(t.TempDir(), "id.key"),
		DisableMDNS:   true,
		DirectTimeout: 5 * time.Second,
		LANTimeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

// libraryWith writes data to a temp file and indexes it under identity.
func libraryWith(t *testing.T, identity string, data []byte, kbps int, audioOffset int64) fakeLibrary {
	t.Helper()
	path := filepath.Join(t.TempDir(), "song.mp3")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	prov, id, _ := strings.Cut(identity, ":")
	return fakeLibrary{identity: {
		Track:       track.Track{Provider: track.Provider(prov), ID: id, DurationMs: 180_000},
		Path:        path,
		Size:        int64(len(data)),
		Format:      "mp3",
		Bitrate:     kbps,
		AudioOffset: audioOffset,
	}}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestFetchTrackDirect(t *testing.T) {
	holder, follower := newTestNode(t), newTestNode(t)
	data := pattern(300_000)
	holder.EnableServing(libraryWith(t, "local:abc", data, 128, 0), ServePolicy{})

	ts, err := follower.OpenTrack(context.Background(), *holder.Holder(), "local:abc", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Close()
	if ts.Header != (TrackHeader{Format: "mp3", BitrateKbps: 128, DurationMs: 180_000}) {
		t.Errorf("Header = %+v", ts.Header)
	}
	got, err := io.ReadAll(ts)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %d bytes, want %d identical bytes", len(got), len(data))
	}
}

func TestFetchTrackFromOffset(t *testing.T) {
	holder, follower := newTestNode(t), newTestNode(t)
	data := pattern(100_000)
	holder.EnableServing(libraryWith(t, "local:abc", data, 128, 10), ServePolicy{})

	// 1000ms at 128kbps is 16000 bytes after the 10 byte tag.
	rc, err := follower.FetchTrack(context.Background(), *holder.Holder(), "local:abc", 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, data[16010:]) {
		t.Errorf("got %d bytes, want the %d bytes after the offset", len(got), len(data)-16010)
	}
}

func TestSendingForbiddenStillAllowsFetching(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	a.EnableServing(libraryWith(t, "local:a", pattern(1000), 128, 0), ServePolicy{SendingForbidden: true})
	b.EnableServing(libraryWith(t, "local:b", pattern(1000), 128, 0), ServePolicy{})

	_, err := b.FetchTrack(context.Background(), *a.Holder(), "local:a", 0)
	if !errors.Is(err, syncerr.ErrP2PServingDisabled) {
		t.Fatalf("err = %v, want ErrP2PServingDisabled", err)
	}
	if a.Serves("local:a") {
		t.Error("Serves ignores the policy")
	}

	rc, err := a.FetchTrack(context.Background(), *b.Holder(), "local:b", 0)
	if err != nil {
		t.Fatalf("inbound fetch refused: %v", err)
	}
	rc.Close()
}

func TestFetchUnknownTrack(t *testing.T) {
	holder, follower := newTestNode(t), newTestNode(t)
	holder.EnableServing(fakeLibrary{}, ServePolicy{})
	_, err := follower.FetchTrack(context.Background(), *holder.Holder(), "local:missing", 0)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestCancelAbortsTrackStream(t *testing.T) {
	holder, follower := newTestNode(t), newTestNode(t)
	holder.EnableServing(libraryWith(t, "local:big", pattern(32<<20), 128, 0), ServePolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := follower.FetchTrack(ctx, *holder.Holder(), "local:big", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	buf := make([]byte, chunkSize)
	if _, err := rc.Read(buf); err != nil {
		t.Fatal(err)
	}
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, rc)
		if err == nil {
			err = io.EOF
		}
		done <- err
	}()
	select {
	case err := <-done:
		if errors.Is(err, io.EOF) {
			t.Error("stream ran to completion after cancel")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("read did not abort after cancel")
	}
}

func TestDialFallsThroughToLAN(t *testing.T) {
	holder, follower := newTestNode(t), newTestNode(t)
	follower.lan.sawPeer(peer.AddrInfo{ID: holder.Host.ID(), Addrs: holder.Host.Addrs()})

	via, err := follower.Dial(context.Background(), track.Holder{PeerID: holder.ID()})
	if err != nil {
		t.Fatal(err)
	}
	if via != "lan" {
		t.Errorf("via = %q, want lan", via)
	}
	if via, _ := follower.Dial(context.Background(), track.Holder{PeerID: holder.ID()}); via != "connected" {
		t.Errorf("second dial via = %q, want connected", via)
	}
}

func TestDialReportsEveryStrategy(t *testing.T) {
	holder, follower := newTestNode(t), newTestNode(t)
	_, err := follower.Dial(context.Background(), track.Holder{PeerID: holder.ID()})
	if err == nil {
		t.Fatal("dial without any address succeeded")
	}
	for _, want := range []error{errNoAddrs, errNoRelay, errNotOnLAN} {
		if !errors.Is(err, want) {
			t.Errorf("err = %v, missing %v", err, want)
		}
	}
	if _, err := follower.Dial(context.Background(), track.Holder{PeerID: follower.ID()}); !errors.Is(err, errDialSelf) {
		t.Errorf("self dial err = %v", err)
	}
}

type memCache map[string]storage.CachedPeer

func (m memCache) GetCachedPeer(id string) (storage.CachedPeer, bool) {
	p, ok := m[id]
	return p, ok
}

func (m memCache) UpsertCachedPeer(p storage.CachedPeer) error {
	m[p.PeerID] = p
	return nil
}

func TestDirectUsesCachedAddrs(t *testing.T) {
	holder, follower := newTestNode(t), newTestNode(t)
	cache := memCache{holder.ID(): {PeerID: holder.ID(), Addrs: holder.Addrs()}}
	follower.cache = cache

	via, err := follower.Dial(context.Background(), track.Holder{PeerID: holder.ID()})
	if err != nil || via != "direct" {
		t.Fatalf("Dial = %q, %v", via, err)
	}
	if len(cache[holder.ID()].Addrs) == 0 {
		t.Error("working address not remembered")
	}
}

func TestHolderAnnouncements(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	if _, err := b.Dial(context.Background(), *a.Holder()); err != nil {
		t.Fatal(err)
	}
	got := make(chan proto.HolderMsg, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.RunHolderLoop(ctx, func(m proto.HolderMsg) {
		select {
		case got <- m:
		default:
		}
	})

	// The mesh forms asynchronously; repeat until b hears one.
	deadline := time.After(15 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		_ = a.Announce(ctx, "room1", "youtube:abc")
		select {
		case m := <-got:
			if m.PeerID != a.ID() || m.Identity != "youtube:abc" {
				t.Errorf("msg = %+v", m)
			}
			h, ok := b.LANHolder("room1", "youtube:abc")
			if !ok || h.PeerID != a.ID() {
				t.Errorf("LANHolder = %+v, %v", h, ok)
			}
			if _, ok := b.LANHolder("room1", "youtube:other"); ok {
				t.Error("LANHolder matched a different track")
			}
			return
		case <-deadline:
			t.Fatal("no holder announcement received")
		case <-tick.C:
		}
	}
}

func TestParseFetch(t *testing.T) {
	cases := []struct {
		in     string
		id     string
		off    int64
		wantOK bool
	}{
		{"FETCH youtube:abc 0\n", "youtube:abc", 0, true},
		{"FETCH local:Artist - Title 1500\n", "local:Artist - Title", 1500, true},
		{"FETCH youtube:abc\n", "", 0, false},
		{"FETCH youtube:abc -5\n", "", 0, false},
		{"GET youtube:abc 0\n", "", 0, false},
		{"FETCH youtube:abc 0", "", 0, false},
	}
	for _, c := range cases {
		id, off, err := parseFetch(strings.NewReader(c.in))
		if (err == nil) != c.wantOK || id != c.id || off != c.off {
			t.Errorf("parseFetch(%q) = %q, %d, %v", c.in, id, off, err)
		}
	}
}

func TestByteOffset(t *testing.T) {
	lt := storage.LibraryTrack{Bitrate: 320, AudioOffset: 100, Size: 50_000}
	if got := byteOffset(lt, 1000); got != 40_100 {
		t.Errorf("byteOffset = %d, want 40100", got)
	}
	if got := byteOffset(lt, 10_000); got != 50_000 {
		t.Errorf("past end = %d, want clamp to size", got)
	}
	lt.Bitrate = 0
	if got := byteOffset(lt, 1000); got != 0 {
		t.Errorf("unknown bitrate = %d, want 0", got)
	}
}

func TestLANTableKeepsNewestHolder(t *testing.T) {
	tab := newLANTable()
	tab.sawHolder(proto.HolderMsg{Session: "s", PeerID: "new", TS: 20})
	if tab.sawHolder(proto.HolderMsg{Session: "s", PeerID: "old", TS: 10}) {
		t.Error("older announcement accepted")
	}
	if m, _ := tab.holder("s"); m.PeerID != "new" {
		t.Errorf("holder = %+v", m)
	}
}
