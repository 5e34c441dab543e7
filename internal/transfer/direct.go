package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/petervdpas/tandem/internal/resolver"
	"github.com/petervdpas/tandem/internal/track"
)

// StreamURL is where a provider serves the audio for a track.
type StreamURL struct {
	URL    string
	Header http.Header

	// Key is set when the payload is AES-CTR encrypted.
	Key []byte
}

// URLResolver maps a track (of any provider) to a stream URL on one provider.
type URLResolver interface {
	ResolveURL(ctx context.Context, t track.Track) (StreamURL, error)
}

// DirectFetcher streams from a provider over HTTP.
type DirectFetcher struct {
	client    *http.Client
	resolvers map[track.Provider]URLResolver
}

// NewDirectFetcher uses client without a global timeout; the engine's
// first-byte deadline and ctx cancellation bound every request.
func NewDirectFetcher(client *http.Client, resolvers map[track.Provider]URLResolver) *DirectFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &DirectFetcher{client: client, resolvers: resolvers}
}

func (d *DirectFetcher) Fetch(ctx context.Context, state track.PlaybackState, c resolver.Candidate) (io.ReadCloser, error) {
	res, ok := d.resolvers[c.Provider]
	if !ok {
		return nil, fmt.Errorf("no resolver for %s", c.Provider)
	}
	su, err := res.ResolveURL(ctx, state.Track)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", c.Provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, su.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range su.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", c.Provider, resp.Status)
	}

	var r io.Reader = bufio.NewReaderSize(resp.Body, ChunkSize)
	if len(su.Key) > 0 {
		r, err = NewCTRReader(r, su.Key)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
	}
	return readCloser{Reader: r, Closer: resp.Body}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
