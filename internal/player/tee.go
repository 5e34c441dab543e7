package player

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/track"
)

// Indexer adds a committed download to the library. *library.Library
// satisfies it.
type Indexer interface {
	IndexAs(path string, t track.Track) (storage.LibraryTrack, error)
}

// TeeSink plays through Next while writing a copy into Dir. A copy is
// committed (renamed into place and indexed) only when the whole stream was
// read; anything else leaves no file behind.
type TeeSink struct {
	Next    Sink
	Dir     string
	Library Indexer
}

func (t *TeeSink) Play(ctx context.Context, st track.PlaybackState, r io.Reader) error {
	if t.Dir == "" {
		return t.Next.Play(ctx, st, r)
	}
	if err := os.MkdirAll(t.Dir, 0o755); err != nil {
		logger.Warn("player: download dir unavailable", logger.String("dir", t.Dir), logger.Err(err))
		return t.Next.Play(ctx, st, r)
	}
	tmp, err := os.CreateTemp(t.Dir, ".tandem-*.part")
	if err != nil {
		logger.Warn("player: cannot create download file", logger.Err(err))
		return t.Next.Play(ctx, st, r)
	}
	tw := &softWriter{w: tmp}
	src := &eofReader{r: io.TeeReader(r, tw)}

	playErr := t.Next.Play(ctx, st, src)
	closeErr := tmp.Close()

	if ctx.Err() != nil || !src.eof || tw.err != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		return playErr
	}
	path, err := t.commit(tmp.Name(), st.Track, tw.head)
	if err != nil {
		logger.Warn("player: keeping download failed", logger.String("track", st.Track.Display()), logger.Err(err))
		_ = os.Remove(tmp.Name())
		return playErr
	}
	logger.Info("player: saved download", logger.String("path", path))
	return playErr
}

func (t *TeeSink) commit(tmp string, tr track.Track, head []byte) (string, error) {
	path := uniquePath(filepath.Join(t.Dir, FileName(tr)+sniffExt(head)))
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	if t.Library != nil {
		if _, err := t.Library.IndexAs(path, tr); err != nil {
			return path, err
		}
	}
	return path, nil
}

func (t *TeeSink) Pause()  { t.Next.Pause() }
func (t *TeeSink) Resume() { t.Next.Resume() }
func (t *TeeSink) Stop()   { t.Next.Stop() }

// softWriter records the first write error instead of returning it, so a
// full disk never interrupts playback. It keeps the first bytes for sniffing.
type softWriter struct {
	w    io.Writer
	err  error
	head []byte
}

func (s *softWriter) Write(p []byte) (int, error) {
	if len(s.head) < 16 {
		s.head = append(s.head, p[:min(len(p), 16-len(s.head))]...)
	}
	if s.err == nil {
		_, s.err = s.w.Write(p)
	}
	return len(p), nil
}

type eofReader struct {
	r   io.Reader
	eof bool
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, io.EOF) {
		e.eof = true
	}
	return n, err
}

// FileName is the base name used for a downloaded track, without extension.
func FileName(t track.Track) string {
	name := t.Title
	if t.Artist != "" && t.Title != "" {
		name = t.Artist + " - " + t.Title
	}
	if name == "" {
		name = string(t.Provider) + "-" + t.ID
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if len(name) > 150 {
		name = name[:150]
	}
	if name == "" {
		name = "track"
	}
	return name
}

func sniffExt(head []byte) string {
	switch {
	case bytes.HasPrefix(head, []byte("ID3")),
		len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return ".mp3"
	case len(head) >= 8 && string(head[4:8]) == "ftyp":
		return ".m4a"
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return ".webm"
	case bytes.HasPrefix(head, []byte("OggS")):
		return ".ogg"
	case bytes.HasPrefix(head, []byte("fLaC")):
		return ".flac"
	}
	return ".bin"
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 2; ; i++ {
		p := base + " (" + strconv.Itoa(i) + ")" + ext
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p
		}
	}
}
