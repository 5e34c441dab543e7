package localfolder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/track"
)

type fakeIndex map[string]storage.LibraryTrack

func (f fakeIndex) Contains(path string) bool { _, ok := f[path]; return ok }

func (f fakeIndex) ByPath(path string) (storage.LibraryTrack, bool) {
	lt, ok := f[path]
	return lt, ok
}

type fakeProc struct {
	t    *testing.T
	root string
}

func (p fakeProc) open(pid, fd int, target string, pos int64) {
	p.t.Helper()
	fdDir := filepath.Join(p.root, fmt.Sprint(pid), "fd")
	infoDir := filepath.Join(p.root, fmt.Sprint(pid), "fdinfo")
	for _, d := range []string{fdDir, infoDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			p.t.Fatal(err)
		}
	}
	link := filepath.Join(fdDir, fmt.Sprint(fd))
	os.Remove(link)
	if err := os.Symlink(target, link); err != nil {
		p.t.Fatal(err)
	}
	p.seek(pid, fd, pos)
}

func (p fakeProc) seek(pid, fd int, pos int64) {
	p.t.Helper()
	info := fmt.Sprintf("pos:\t%d\nflags:\t0100000\nmnt_id:\t29\n", pos)
	if err := os.WriteFile(filepath.Join(p.root, fmt.Sprint(pid), "fdinfo", fmt.Sprint(fd)), []byte(info), 0o644); err != nil {
		p.t.Fatal(err)
	}
}

func TestDetectsOpenLibraryFile(t *testing.T) {
	proc := fakeProc{t: t, root: t.TempDir()}
	song := "/music/Artist - Song.mp3"
	idx := fakeIndex{song: {
		Track:       track.Track{Provider: track.ProviderLocal, ID: "abc", Title: "Song", DurationMs: 200_000},
		Path:        song,
		Bitrate:     128,
		AudioOffset: 100,
	}}
	proc.open(42, 3, "/usr/lib/libc.so.6", 0)
	proc.open(42, 7, song, 100+16_000)
	os.MkdirAll(filepath.Join(proc.root, "self"), 0o755)

	now := time.Unix(1000, 0)
	a := New(idx, WithProcRoot(proc.root), WithClock(func() time.Time { return now }))

	st, ok, err := a.Fetch(context.Background())
	if err != nil || !ok {
		t.Fatalf("Fetch = %v, %v", ok, err)
	}
	if st.Track.Identity() != "local:abc" || st.Origin != track.OriginLocalFolder {
		t.Fatalf("state = %+v", st)
	}
	if st.PositionMs != 1000 || !st.Playing {
		t.Errorf("position = %d playing = %v, want 1000 true", st.PositionMs, st.Playing)
	}

	now = now.Add(time.Second)
	if st, _, _ = a.Fetch(context.Background()); !st.Playing {
		t.Error("short stall reported as paused")
	}

	now = now.Add(5 * time.Second)
	if st, _, _ = a.Fetch(context.Background()); st.Playing {
		t.Error("long stall still reported as playing")
	}

	proc.seek(42, 7, 100+32_000)
	now = now.Add(time.Second)
	st, _, _ = a.Fetch(context.Background())
	if !st.Playing || st.PositionMs != 2000 {
		t.Errorf("after advance: position = %d playing = %v", st.PositionMs, st.Playing)
	}
}

func TestNothingOpen(t *testing.T) {
	a := New(fakeIndex{}, WithProcRoot(t.TempDir()))
	if _, ok, err := a.Fetch(context.Background()); ok || err != nil {
		t.Fatalf("Fetch = %v, %v, want absent", ok, err)
	}
}

func TestMissingProcIsUnavailable(t *testing.T) {
	a := New(fakeIndex{}, WithProcRoot(filepath.Join(t.TempDir(), "nope")))
	if _, _, err := a.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for missing proc root")
	}
}
