// Package spotify reports the user's currently playing Spotify track.
package spotify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/track"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
)

var ErrNotConfigured = errors.New("spotify: client_id and refresh_token are required")

type Client struct {
	api *spotify.Client
	now func() time.Time
}

// New authenticates with a long-lived refresh token; the oauth2 token
// source renews access tokens as they expire.
func New(ctx context.Context, cfg config.Spotify) (*Client, error) {
	if cfg.ClientID == "" || cfg.RefreshToken == "" {
		return nil, ErrNotConfigured
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  spotifyauth.AuthURL,
			TokenURL: spotifyauth.TokenURL,
		},
		Scopes: []string{spotifyauth.ScopeUserReadCurrentlyPlaying, spotifyauth.ScopeUserReadPlaybackState},
	}
	httpClient := oauth2.NewClient(ctx, oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}))
	return NewWithHTTP(httpClient), nil
}

// NewWithHTTP uses an already authorized client.
func NewWithHTTP(httpClient *http.Client, opts ...spotify.ClientOption) *Client {
	opts = append([]spotify.ClientOption{spotify.WithRetry(true)}, opts...)
	return &Client{api: spotify.New(httpClient, opts...), now: time.Now}
}

func (c *Client) NowPlaying(ctx context.Context) (track.PlaybackState, bool, error) {
	cp, err := c.api.PlayerCurrentlyPlaying(ctx)
	if err != nil {
		return track.PlaybackState{}, false, err
	}
	if cp == nil || cp.Item == nil {
		return track.PlaybackState{}, false, nil
	}
	artists := make([]string, 0, len(cp.Item.Artists))
	for _, a := range cp.Item.Artists {
		artists = append(artists, a.Name)
	}
	t := track.Track{
		Provider:   track.ProviderSpotify,
		ID:         string(cp.Item.ID),
		Title:      cp.Item.Name,
		Artist:     strings.Join(artists, ", "),
		DurationMs: int64(cp.Item.Duration),
		URL:        "https://open.spotify.com/track/" + string(cp.Item.ID),
	}
	return track.NewState(t, track.OriginProviderAPI, int64(cp.Progress), cp.Playing, c.now()), true, nil
}
