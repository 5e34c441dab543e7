package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/tandem/internal/track"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "library.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenTwiceRunsMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db.Close()
}

func TestTrackUpsertAndLookup(t *testing.T) {
	db := openTest(t)

	lt := LibraryTrack{
		Track:   track.Track{Provider: track.ProviderLocal, ID: "aa11", Title: "Song", Artist: "Band", DurationMs: 180_000},
		Path:    "/music/song.mp3",
		Size:    4_000_000,
		Format:  "mp3",
		Bitrate: 192,
		ModTime: 1700000000,
	}
	if err := db.UpsertTrack(lt); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.TrackByIdentity("local:aa11")
	if err != nil || !ok {
		t.Fatalf("TrackByIdentity = %v, %v", ok, err)
	}
	if got.Path != lt.Path || got.Track.Title != "Song" || got.Bitrate != 192 {
		t.Errorf("TrackByIdentity = %+v", got)
	}

	// Same path, new content: old identity is replaced.
	lt2 := lt
	lt2.Track.ID = "bb22"
	if err := db.UpsertTrack(lt2); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.TrackByIdentity("local:aa11"); ok {
		t.Error("stale identity still indexed")
	}
	byPath, ok, err := db.TrackByPath(lt.Path)
	if err != nil || !ok || byPath.Track.ID != "bb22" {
		t.Errorf("TrackByPath = %+v, %v, %v", byPath, ok, err)
	}

	all, err := db.ListTracks()
	if err != nil || len(all) != 1 {
		t.Fatalf("ListTracks = %d, %v", len(all), err)
	}
	if err := db.DeleteTrackByPath(lt.Path); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.TrackByPath(lt.Path); ok {
		t.Error("track still present after delete")
	}
}

func TestPlayHistory(t *testing.T) {
	db := openTest(t)
	for _, id := range []string{"youtube:a", "yandex:b", "local:c"} {
		if err := db.AddPlay(PlayRecord{Identity: id, Origin: "provider_api", SessionID: "s1", Source: "p2p"}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := db.RecentPlays(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Identity != "local:c" || recs[1].Identity != "yandex:b" {
		t.Fatalf("RecentPlays = %+v", recs)
	}
	if recs[0].PlayedAt.IsZero() {
		t.Error("PlayedAt not parsed")
	}
}

func TestPeerCacheKeepsAddrs(t *testing.T) {
	db := openTest(t)
	if err := db.UpsertCachedPeer(CachedPeer{PeerID: "p1", Label: "alice", Addrs: []string{"/ip4/1.2.3.4/tcp/4001"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertCachedPeer(CachedPeer{PeerID: "p1"}); err != nil {
		t.Fatal(err)
	}
	p, ok := db.GetCachedPeer("p1")
	if !ok {
		t.Fatal("peer missing")
	}
	if p.Label != "alice" || len(p.Addrs) != 1 {
		t.Errorf("GetCachedPeer = %+v", p)
	}
	n, err := db.PrunePeersOlderThan(time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Errorf("PrunePeersOlderThan = %d, %v", n, err)
	}
}

func TestHostTokens(t *testing.T) {
	db := openTest(t)
	if _, ok := db.HostToken("http://c", "s1"); ok {
		t.Fatal("token before save")
	}
	if err := db.SaveHostToken("http://c", "s1", "t1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveHostToken("http://c", "s1", "t2"); err != nil {
		t.Fatal(err)
	}
	if tok, ok := db.HostToken("http://c", "s1"); !ok || tok != "t2" {
		t.Errorf("HostToken = %q, %v", tok, ok)
	}
	if _, ok := db.HostToken("http://other", "s1"); ok {
		t.Error("token leaked across endpoints")
	}
	if err := db.DeleteHostToken("http://c", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := db.HostToken("http://c", "s1"); ok {
		t.Error("token survived delete")
	}
}
