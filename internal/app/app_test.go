package app

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/coordinator"
	"github.com/petervdpas/tandem/internal/player"
	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/syncerr"
)

func TestPromptInteractive(t *testing.T) {
	cfg := config.Default()
	input := strings.Join([]string{
		"den",           // label
		"",              // endpoint unchanged
		"",              // music folder
		"",              // download folder
		"hook, spotify", // discovery
		"youtube",       // download
		"n",             // share tracks
		"abc",           // not a number
		"4001",          // listen port
		"no",            // play audio
	}, "\n") + "\n"

	var out bytes.Buffer
	got := PromptInteractive(strings.NewReader(input), &out, "/tmp/x", "/tmp/x/tandem.json", cfg)

	if got.Identity.Label != "den" {
		t.Errorf("label = %q", got.Identity.Label)
	}
	if got.Server.Endpoint != cfg.Server.Endpoint {
		t.Errorf("endpoint changed to %q", got.Server.Endpoint)
	}
	if strings.Join(got.Sources.Discovery, ",") != "hook,spotify" {
		t.Errorf("discovery = %v", got.Sources.Discovery)
	}
	if strings.Join(got.Sources.Download, ",") != "youtube" {
		t.Errorf("download = %v", got.Sources.Download)
	}
	if !got.Sources.P2PSendingForbidden {
		t.Error("sharing should be off")
	}
	if got.P2P.ListenPort != 4001 {
		t.Errorf("listen port = %d", got.P2P.ListenPort)
	}
	if got.Player.Enabled {
		t.Error("player should be off")
	}
	if !strings.Contains(out.String(), "Please enter a number.") {
		t.Error("bad number was not re-asked")
	}
}

func TestPromptKeepsConfigOnInvalidAnswers(t *testing.T) {
	cfg := config.Default()
	input := "\n\n\n\nnot_a_source\n\n\n\n\n"
	got := PromptInteractive(strings.NewReader(input), &bytes.Buffer{}, "d", "c", cfg)
	if strings.Join(got.Sources.Discovery, ",") != strings.Join(cfg.Sources.Discovery, ",") {
		t.Errorf("invalid discovery accepted: %v", got.Sources.Discovery)
	}
}

func TestOpenHostedSession(t *testing.T) {
	srv := coordinator.NewServer(coordinator.ServerOptions{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	ctx := context.Background()
	db := openDB(t)

	snap, err := openHostedSession(ctx, db, ts.URL, "me", "den", "")
	if err != nil {
		t.Fatal(err)
	}
	if snap.HostID != "me" || snap.SessionID == "" || snap.HostToken == "" {
		t.Fatalf("snapshot = %+v", snap)
	}

	again, err := openHostedSession(ctx, db, ts.URL, "me", "den", snap.SessionID)
	if err != nil || again.SessionID != snap.SessionID || again.HostToken != snap.HostToken {
		t.Errorf("resume = %+v, %v", again, err)
	}

	if _, err := openHostedSession(ctx, db, ts.URL, "someone-else", "", snap.SessionID); !errors.Is(err, syncerr.ErrNotHost) {
		t.Errorf("foreign resume err = %v, want ErrNotHost", err)
	}
	if _, err := openHostedSession(ctx, openDB(t), ts.URL, "me", "", snap.SessionID); !errors.Is(err, syncerr.ErrNotHost) {
		t.Errorf("resume without stored token err = %v, want ErrNotHost", err)
	}

	fresh, err := openHostedSession(ctx, db, ts.URL, "me", "", "gone")
	if err != nil || fresh.SessionID == "gone" || fresh.SessionID == snap.SessionID {
		t.Errorf("missing room = %+v, %v", fresh, err)
	}
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tandem.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBuildSink(t *testing.T) {
	cfg := config.Default()
	cfg.Player.Enabled = false
	cfg.Sources.DownloadDir = "downloads"
	o := Options{Dir: t.TempDir(), Cfg: cfg}

	tee, ok := buildSink(o, &client{}).(*player.TeeSink)
	if !ok {
		t.Fatal("download dir set but no tee")
	}
	if _, ok := tee.Next.(*player.Discard); !ok {
		t.Errorf("disabled player should discard, got %T", tee.Next)
	}
	if !strings.HasPrefix(tee.Dir, o.Dir) {
		t.Errorf("tee dir %q not under %q", tee.Dir, o.Dir)
	}

	cfg.Player.Enabled = true
	cfg.Sources.DownloadDir = ""
	if _, ok := buildSink(Options{Cfg: cfg}, &client{}).(*player.CommandSink); !ok {
		t.Error("enabled player without downloads should be a command sink")
	}
}
