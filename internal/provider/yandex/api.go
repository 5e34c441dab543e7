// Package yandex talks to Yandex Music: the REST API for metadata and
// download info, and Ynison for the user's live player state.
package yandex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/track"
	"github.com/petervdpas/tandem/internal/transfer"
	"github.com/petervdpas/tandem/internal/util"
)

const (
	defaultSignKey = "p93jhgh689SBReK6ghtw62"
	fileQuality    = "nq"
	fileCodecs     = "mp3,aac,he-aac"
	fileTransports = "encraw"
)

var ErrNotFound = errors.New("yandex: track not found")

// flexInt accepts JSON numbers and numeric strings; Yandex uses both.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("yandex: number %s: %w", b, err)
	}
	*f = flexInt(n)
	return nil
}

// flexID accepts ids sent as numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	*f = flexID(strings.Trim(string(b), `"`))
	return nil
}

type apiTrack struct {
	ID         flexID  `json:"id"`
	Title      string  `json:"title"`
	DurationMs flexInt `json:"durationMs"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
}

func (a apiTrack) toTrack() track.Track {
	names := make([]string, 0, len(a.Artists))
	for _, ar := range a.Artists {
		names = append(names, ar.Name)
	}
	id := TrackID(string(a.ID))
	return track.Track{
		Provider:   track.ProviderYandex,
		ID:         id,
		Title:      a.Title,
		Artist:     strings.Join(names, ", "),
		DurationMs: int64(a.DurationMs),
		URL:        "https://music.yandex.ru/track/" + id,
	}
}

// TrackID drops the album part of "track:album" ids.
func TrackID(id string) string {
	t, _, _ := strings.Cut(id, ":")
	return t
}

// Client is the REST API client. It implements transfer.URLResolver.
type Client struct {
	base    string
	token   string
	signKey string
	http    *http.Client
	now     func() time.Time
}

func NewClient(cfg config.Yandex, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: util.DefaultFetchTimeout * 2}
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = "https://api.music.yandex.net"
	}
	return &Client{base: base, token: cfg.Token, signKey: defaultSignKey, http: httpClient, now: time.Now}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "OAuth "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("yandex: GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Track fetches metadata for a track id.
func (c *Client) Track(ctx context.Context, id string) (track.Track, error) {
	var out struct {
		Result []apiTrack `json:"result"`
	}
	if err := c.get(ctx, "/tracks/"+url.PathEscape(id), nil, &out); err != nil {
		return track.Track{}, err
	}
	if len(out.Result) == 0 {
		return track.Track{}, ErrNotFound
	}
	return out.Result[0].toTrack(), nil
}

// Search returns the best match for a free-text query.
func (c *Client) Search(ctx context.Context, query string) (track.Track, error) {
	var out struct {
		Result struct {
			Tracks struct {
				Results []apiTrack `json:"results"`
			} `json:"tracks"`
		} `json:"result"`
	}
	q := url.Values{"text": {query}, "type": {"track"}, "page": {"0"}}
	if err := c.get(ctx, "/search", q, &out); err != nil {
		return track.Track{}, err
	}
	if len(out.Result.Tracks.Results) == 0 {
		return track.Track{}, ErrNotFound
	}
	return out.Result.Tracks.Results[0].toTrack(), nil
}

// sign is the request signature get-file-info expects: HMAC-SHA256 over
// the concatenated parameter values (commas removed), base64 without the
// trailing padding character.
func (c *Client) sign(ts, trackID string) string {
	msg := ts + trackID + fileQuality + strings.ReplaceAll(fileCodecs, ",", "") + fileTransports
	mac := hmac.New(sha256.New, []byte(c.signKey))
	mac.Write([]byte(msg))
	s := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return s[:len(s)-1]
}

// DownloadInfo returns a stream URL and, for encrypted transports, the
// AES key that decrypts it.
func (c *Client) DownloadInfo(ctx context.Context, trackID string) (transfer.StreamURL, error) {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	q := url.Values{
		"ts":         {ts},
		"trackId":    {trackID},
		"quality":    {fileQuality},
		"codecs":     {fileCodecs},
		"transports": {fileTransports},
		"sign":       {c.sign(ts, trackID)},
	}
	var out struct {
		Result struct {
			DownloadInfo struct {
				Codec string   `json:"codec"`
				Key   string   `json:"key"`
				URL   string   `json:"url"`
				URLs  []string `json:"urls"`
			} `json:"downloadInfo"`
		} `json:"result"`
	}
	if err := c.get(ctx, "/get-file-info", q, &out); err != nil {
		return transfer.StreamURL{}, err
	}
	di := out.Result.DownloadInfo
	su := transfer.StreamURL{URL: di.URL}
	if len(di.URLs) > 0 {
		su.URL = di.URLs[0]
	}
	if su.URL == "" {
		return transfer.StreamURL{}, fmt.Errorf("yandex: no download url for %s", trackID)
	}
	if di.Key != "" {
		key, err := hex.DecodeString(di.Key)
		if err != nil {
			return transfer.StreamURL{}, fmt.Errorf("yandex: decryption key: %w", err)
		}
		su.Key = key
	}
	return su, nil
}

// ResolveURL finds the track on Yandex Music, by id for Yandex tracks and
// by "artist - title" search otherwise, and returns its stream.
func (c *Client) ResolveURL(ctx context.Context, t track.Track) (transfer.StreamURL, error) {
	id := t.ID
	if t.Provider != track.ProviderYandex {
		if t.Title == "" {
			return transfer.StreamURL{}, fmt.Errorf("yandex: nothing to search for %s", t.Identity())
		}
		found, err := c.Search(ctx, t.Display())
		if err != nil {
			return transfer.StreamURL{}, err
		}
		logger.Debug("yandex: matched by search",
			logger.String("track", t.Identity()),
			logger.String("match", found.Identity()))
		id = found.ID
	}
	return c.DownloadInfo(ctx, TrackID(id))
}
