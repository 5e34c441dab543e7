// Package youtube resolves tracks to YouTube audio streams with yt-dlp.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	ytdlp "github.com/lrstanley/go-ytdlp"
	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/track"
	"github.com/petervdpas/tandem/internal/transfer"
)

const audioFormat = "ba[acodec^=opus]/ba[ext=m4a]/bestaudio/best"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// VideoID extracts the video id from the usual YouTube URL shapes.
func VideoID(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "m.youtube.com", "music.youtube.com", "youtube-nocookie.com":
		if v := u.Query().Get("v"); v != "" {
			id = v
			break
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 && (parts[0] == "shorts" || parts[0] == "embed" || parts[0] == "live") {
			id = parts[1]
		}
	}
	if !idPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

func WatchURL(id string) string { return "https://www.youtube.com/watch?v=" + id }

// Target is what yt-dlp is asked for: the video itself for YouTube
// tracks, a one-result search for everything else.
func Target(t track.Track) (string, error) {
	if t.Provider == track.ProviderYouTube && t.ID != "" {
		return WatchURL(t.ID), nil
	}
	q := t.Display()
	if t.Artist == "" && t.Title == "" {
		return "", fmt.Errorf("youtube: nothing to search for %s", t.Identity())
	}
	return "ytsearch1:" + q, nil
}

type extractFunc func(ctx context.Context, target string) ([]*ytdlp.ExtractedInfo, error)

// Resolver implements transfer.URLResolver.
type Resolver struct {
	cfg     config.YouTube
	extract extractFunc

	installOnce sync.Once
	installErr  error
}

func NewResolver(cfg config.YouTube) *Resolver {
	r := &Resolver{cfg: cfg}
	r.extract = r.runYtdlp
	return r
}

func (r *Resolver) ensureInstalled(ctx context.Context) error {
	if !r.cfg.AutoInstall {
		return nil
	}
	r.installOnce.Do(func() {
		if _, err := ytdlp.Install(ctx, nil); err != nil {
			r.installErr = fmt.Errorf("install yt-dlp: %w", err)
		}
	})
	return r.installErr
}

func (r *Resolver) runYtdlp(ctx context.Context, target string) ([]*ytdlp.ExtractedInfo, error) {
	if err := r.ensureInstalled(ctx); err != nil {
		return nil, err
	}
	cmd := ytdlp.New().
		Format(audioFormat).
		NoCheckCertificates().
		DumpJSON()
	if r.cfg.CookiesPath != "" {
		cmd = cmd.Cookies(r.cfg.CookiesPath)
	}
	res, err := cmd.Run(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp run: %w", err)
	}
	return res.GetExtractedInfo()
}

var errNoStream = errors.New("youtube: no playable stream")

func (r *Resolver) ResolveURL(ctx context.Context, t track.Track) (transfer.StreamURL, error) {
	target, err := Target(t)
	if err != nil {
		return transfer.StreamURL{}, err
	}
	infos, err := r.extract(ctx, target)
	if err != nil {
		return transfer.StreamURL{}, err
	}
	for _, info := range infos {
		if u := AudioURL(info); u != "" {
			logger.Debug("youtube: resolved", logger.String("track", t.Identity()), logger.String("target", target))
			return transfer.StreamURL{URL: u}, nil
		}
	}
	return transfer.StreamURL{}, errNoStream
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// AudioURL picks the direct media URL: requested formats first, then the
// top-level url, then any format. Search results descend into the first entry.
func AudioURL(info *ytdlp.ExtractedInfo) string {
	if info == nil {
		return ""
	}
	for _, e := range info.Entries {
		if u := AudioURL(e); u != "" {
			return u
		}
	}
	for _, f := range info.RequestedFormats {
		if f != nil && strings.HasPrefix(f.URL, "http") {
			return f.URL
		}
	}
	if u := str(info.URL); strings.HasPrefix(u, "http") {
		return u
	}
	for _, f := range info.Formats {
		if f != nil && strings.HasPrefix(f.URL, "http") {
			return f.URL
		}
	}
	return ""
}

// TrackFromInfo maps yt-dlp metadata to a youtube track.
func TrackFromInfo(info *ytdlp.ExtractedInfo) track.Track {
	t := track.Track{Provider: track.ProviderYouTube, ID: info.ID, Title: str(info.Title), URL: str(info.WebpageURL)}
	if info.Duration != nil {
		t.DurationMs = int64(*info.Duration * 1000)
	}
	return t
}
