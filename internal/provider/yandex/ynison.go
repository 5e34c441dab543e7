package yandex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/track"
	"github.com/petervdpas/tandem/internal/util"
)

const (
	RedirectorURL = "wss://ynison.music.yandex.ru/redirector.YnisonRedirectService/GetRedirectToYnison"
	statePath     = "/ynison_state.YnisonStateService/PutYnisonState"
	userAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36"
)

const deviceInfo = `{"app_name":"Chrome","app_version":"143.0.0.0","type":1}`

// UserID extracts the numeric account id embedded in a Session_id cookie:
// the text between the first "|" and the following ".".
func UserID(sessionID string) (string, error) {
	_, rest, ok := strings.Cut(sessionID, "|")
	if !ok {
		return "", errors.New("yandex: Session_id has no user part")
	}
	id, _, _ := strings.Cut(rest, ".")
	if id == "" {
		return "", errors.New("yandex: Session_id has an empty user id")
	}
	return id, nil
}

// quoteAll percent-encodes everything except RFC 3986 unreserved bytes.
func quoteAll(s string) string {
	const hexd = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexd[c>>4])
			b.WriteByte(hexd[c&15])
		}
	}
	return b.String()
}

type redirect struct {
	Host           string `json:"host"`
	SessionID      string `json:"session_id"`
	RedirectTicket string `json:"redirect_ticket"`
}

type playable struct {
	PlayableID string `json:"playable_id"`
	Title      string `json:"title"`
}

type playerState struct {
	PlayerState struct {
		PlayerQueue struct {
			CurrentPlayableIndex int        `json:"current_playable_index"`
			EntityType           string     `json:"entity_type"`
			PlayableList         []playable `json:"playable_list"`
		} `json:"player_queue"`
		Status struct {
			DurationMs flexInt `json:"duration_ms"`
			ProgressMs flexInt `json:"progress_ms"`
			Paused     bool    `json:"paused"`
		} `json:"status"`
	} `json:"player_state"`
}

// current returns the playing queue item, if the queue kind is one the
// player exposes positionally.
func (s playerState) current() (playable, bool) {
	q := s.PlayerState.PlayerQueue
	switch q.EntityType {
	case "PLAYLIST", "RADIO":
	default:
		return playable{}, false
	}
	if q.CurrentPlayableIndex < 0 || q.CurrentPlayableIndex >= len(q.PlayableList) {
		return playable{}, false
	}
	return q.PlayableList[q.CurrentPlayableIndex], true
}

// Ynison reads the account's live player state. It implements the
// provider NowPlaying contract.
type Ynison struct {
	sessionID  string
	userID     string
	deviceID   string
	api        *Client
	dialer     *websocket.Dialer
	redirector string
	scheme     string
	now        func() time.Time

	mu    sync.Mutex
	shard *redirect
	meta  track.Track
}

type YnisonOption func(*Ynison)

// WithRedirector overrides the redirector URL and the scheme used for
// the state shard it names.
func WithRedirector(rawURL, shardScheme string) YnisonOption {
	return func(y *Ynison) { y.redirector, y.scheme = rawURL, shardScheme }
}

func NewYnison(cfg config.Yandex, api *Client, opts ...YnisonOption) (*Ynison, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("yandex: session_id is required; log in to music.yandex.ru and set Y_SESSION_ID")
	}
	uid, err := UserID(cfg.SessionID)
	if err != nil {
		return nil, err
	}
	dev := cfg.DeviceID
	if dev == "" {
		dev = uuid.NewString()
	}
	y := &Ynison{
		sessionID:  cfg.SessionID,
		userID:     uid,
		deviceID:   dev,
		api:        api,
		dialer:     &websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout * 2, Proxy: http.ProxyFromEnvironment},
		redirector: RedirectorURL,
		scheme:     "wss",
		now:        time.Now,
	}
	for _, o := range opts {
		o(y)
	}
	return y, nil
}

func (y *Ynison) header() http.Header {
	h := http.Header{}
	h.Set("Origin", "https://music.yandex.ru")
	h.Set("User-Agent", userAgent)
	h.Set("Cookie", "Session_id="+y.sessionID+";")
	return h
}

func (y *Ynison) protocols(extra map[string]string) []string {
	meta := map[string]string{
		"Ynison-Device-Id":                  y.deviceID,
		"Ynison-Device-Info":                deviceInfo,
		"X-Yandex-Music-Multi-Auth-User-Id": y.userID,
	}
	for k, v := range extra {
		meta[k] = v
	}
	b, _ := json.Marshal(meta)
	return []string{"Bearer", "v2", quoteAll(string(b))}
}

// roundTrip dials u, optionally sends one message and decodes one reply.
func (y *Ynison) roundTrip(ctx context.Context, u string, protos []string, send any, out any) error {
	d := *y.dialer
	d.Subprotocols = protos
	conn, resp, err := d.DialContext(ctx, u, y.header())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("ynison: dial %s: %s: %w", u, resp.Status, err)
		}
		return fmt.Errorf("ynison: dial: %w", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
		conn.SetReadDeadline(dl)
	} else {
		conn.SetReadDeadline(time.Now().Add(util.DefaultFetchTimeout * 2))
	}
	if send != nil {
		if err := conn.WriteJSON(send); err != nil {
			return fmt.Errorf("ynison: send: %w", err)
		}
	}
	if err := conn.ReadJSON(out); err != nil {
		return fmt.Errorf("ynison: read: %w", err)
	}
	return nil
}

func (y *Ynison) redirectLocked(ctx context.Context) (*redirect, error) {
	if y.shard != nil {
		return y.shard, nil
	}
	var r redirect
	if err := y.roundTrip(ctx, y.redirector, y.protocols(nil), nil, &r); err != nil {
		return nil, err
	}
	if r.Host == "" {
		return nil, errors.New("ynison: redirector returned no host")
	}
	y.shard = &r
	logger.Info("ynison: connected", logger.String("host", r.Host))
	return y.shard, nil
}

func (y *Ynison) initialState() map[string]any {
	version := func() map[string]any {
		return map[string]any{"device_id": y.deviceID, "version": 0, "timestamp_ms": 0}
	}
	return map[string]any{
		"update_full_state": map[string]any{
			"player_state": map[string]any{
				"player_queue": map[string]any{
					"current_playable_index": -1,
					"entity_id":              "",
					"entity_type":            "VARIOUS",
					"playable_list":          []any{},
					"options":                map[string]any{"repeat_mode": "NONE"},
					"entity_context":         "BASED_ON_ENTITY_BY_DEFAULT",
					"version":                version(),
					"from_optional":          "",
				},
				"status": map[string]any{
					"duration_ms":    0,
					"paused":         true,
					"playback_speed": 1,
					"progress_ms":    0,
					"version":        version(),
				},
			},
			"device": map[string]any{
				"volume": 0.7,
				"capabilities": map[string]any{
					"can_be_player":            true,
					"can_be_remote_controller": false,
					"volume_granularity":       20,
				},
				"info": map[string]any{
					"app_name":    "Chrome",
					"app_version": "143.0.0.0",
					"title":       "Browser Chrome",
					"device_id":   y.deviceID,
					"type":        "WEB",
				},
				"is_shadow": true,
			},
			"is_currently_active": false,
		},
		"rid":                        uuid.NewString(),
		"player_action_timestamp_ms": 0,
		"activity_interception_type": "DO_NOT_INTERCEPT_BY_DEFAULT",
	}
}

func (y *Ynison) state(ctx context.Context) (playerState, error) {
	y.mu.Lock()
	defer y.mu.Unlock()

	r, err := y.redirectLocked(ctx)
	if err != nil {
		return playerState{}, err
	}
	protos := y.protocols(map[string]string{
		"Ynison-Redirect-Ticket": r.RedirectTicket,
		"Ynison-Session-Id":      r.SessionID,
	})
	var st playerState
	if err := y.roundTrip(ctx, y.scheme+"://"+r.Host+statePath, protos, y.initialState(), &st); err != nil {
		// Tickets expire; the next poll goes through the redirector again.
		y.shard = nil
		return playerState{}, err
	}
	return st, nil
}

func (y *Ynison) NowPlaying(ctx context.Context) (track.PlaybackState, bool, error) {
	st, err := y.state(ctx)
	if err != nil {
		return track.PlaybackState{}, false, err
	}
	p, ok := st.current()
	if !ok {
		return track.PlaybackState{}, false, nil
	}

	id := TrackID(p.PlayableID)
	t := y.metadata(ctx, id, p.Title)
	if d := int64(st.PlayerState.Status.DurationMs); d > 0 {
		t.DurationMs = d
	}
	s := st.PlayerState.Status
	return track.NewState(t, track.OriginProviderAPI, int64(s.ProgressMs), !s.Paused, y.now()), true, nil
}

// metadata caches the last looked-up track; the queue only carries ids.
func (y *Ynison) metadata(ctx context.Context, id, title string) track.Track {
	y.mu.Lock()
	if y.meta.ID == id {
		m := y.meta
		y.mu.Unlock()
		return m
	}
	y.mu.Unlock()

	t := track.Track{Provider: track.ProviderYandex, ID: id, Title: title}
	if y.api != nil {
		full, err := y.api.Track(ctx, id)
		if err != nil {
			logger.Warn("ynison: track metadata", logger.String("id", id), logger.Err(err))
			return t
		}
		t = full
	}
	y.mu.Lock()
	y.meta = t
	y.mu.Unlock()
	return t
}
