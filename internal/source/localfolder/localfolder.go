// Package localfolder detects which library file a local player has open.
//
// Detection is a read-only scan of /proc: every process's open file
// descriptors are matched against the library, and the descriptor's byte
// offset (fdinfo "pos") gives an estimate of the playback position.
package localfolder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/tandem/internal/library"
	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

// Index is the part of the library the adapter needs.
type Index interface {
	Contains(path string) bool
	ByPath(path string) (storage.LibraryTrack, bool)
}

// Offsets that stop advancing for this long count as paused.
const stallAfter = 3 * time.Second

type sighting struct {
	pos     int64
	movedAt time.Time
	seen    time.Time
}

type Adapter struct {
	lib      Index
	procRoot string
	now      func() time.Time

	mu    sync.Mutex
	last  map[string]sighting // "pid/fd"
	cands []candidate
}

type Option func(*Adapter)

// WithProcRoot points the scan at a different proc filesystem.
func WithProcRoot(dir string) Option { return func(a *Adapter) { a.procRoot = dir } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

func New(lib Index, opts ...Option) *Adapter {
	a := &Adapter{lib: lib, procRoot: "/proc", now: time.Now, last: map[string]sighting{}}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string         { return "local_folder" }
func (a *Adapter) Origin() track.Origin { return track.OriginLocalFolder }

type candidate struct {
	key     string
	lt      storage.LibraryTrack
	pos     int64
	playing bool
	movedAt time.Time
}

// Fetch reports the library file most recently advanced by any process.
func (a *Adapter) Fetch(ctx context.Context) (track.PlaybackState, bool, error) {
	procs, err := os.ReadDir(a.procRoot)
	if err != nil {
		return track.PlaybackState{}, false, fmt.Errorf("%w: read %s: %v", syncerr.ErrAdapterUnavailable, a.procRoot, err)
	}

	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cands = a.cands[:0]
	seen := map[string]bool{}
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return track.PlaybackState{}, false, err
		}
		if _, err := strconv.Atoi(p.Name()); err != nil {
			continue
		}
		a.scanProcess(p.Name(), now, seen)
	}
	for k := range a.last {
		if !seen[k] {
			delete(a.last, k)
		}
	}

	var best *candidate
	for i := range a.cands {
		c := &a.cands[i]
		if best == nil || better(c, best) {
			best = c
		}
	}
	if best == nil {
		return track.PlaybackState{}, false, nil
	}

	posMs := int64(0)
	if best.lt.Bitrate > 0 {
		audio := best.pos - best.lt.AudioOffset
		if audio < 0 {
			audio = 0
		}
		// kbit/s is bits per millisecond.
		posMs = audio * 8 / int64(best.lt.Bitrate)
	}
	return track.NewState(best.lt.Track, track.OriginLocalFolder, posMs, best.playing, now), true, nil
}

func better(c, than *candidate) bool {
	if c.playing != than.playing {
		return c.playing
	}
	return c.movedAt.After(than.movedAt)
}

// scanProcess skips processes it cannot inspect; most belong to other users.
func (a *Adapter) scanProcess(pid string, now time.Time, seen map[string]bool) {
	fdDir := filepath.Join(a.procRoot, pid, "fd")
	fds, err := os.ReadDir(fdDir)
	if err != nil {
		return
	}
	for _, fd := range fds {
		target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
		if err != nil || !filepath.IsAbs(target) || !library.IsAudioFile(target) || !a.lib.Contains(target) {
			continue
		}
		lt, ok := a.lib.ByPath(target)
		if !ok {
			continue
		}
		pos, err := readPos(filepath.Join(a.procRoot, pid, "fdinfo", fd.Name()))
		if err != nil {
			continue
		}

		key := pid + "/" + fd.Name()
		seen[key] = true
		prev, known := a.last[key]
		s := sighting{pos: pos, seen: now, movedAt: now}
		playing := true
		if known {
			if pos == prev.pos {
				s.movedAt = prev.movedAt
				playing = now.Sub(prev.movedAt) < stallAfter
			}
		}
		a.last[key] = s
		a.cands = append(a.cands, candidate{key: key, lt: lt, pos: pos, playing: playing, movedAt: s.movedAt})
	}
}

var errNoPos = errors.New("fdinfo has no pos")

func readPos(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if ok && k == "pos" {
			return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, errNoPos
}
