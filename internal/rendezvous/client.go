package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/util"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// getJSON performs a GET request and decodes JSON into v. Returns (true, nil)
// on 2xx and (false, nil) on 404 or 502 (endpoint not available).
func (c *Client) getJSON(ctx context.Context, url string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadGateway {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, err
	}
	return true, nil
}

// FetchRelayInfo fetches relay info from the rendezvous server.
// Returns (nil, nil) if the server has no relay enabled.
func (c *Client) FetchRelayInfo(ctx context.Context) (*RelayInfo, error) {
	if c.BaseURL == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	var info RelayInfo
	found, err := c.getJSON(ctx, c.BaseURL+"/relay", &info)
	if !found || err != nil {
		return nil, err
	}
	return &info, nil
}

// PublishAddrs announces this peer's candidate addresses.
func (c *Client) PublishAddrs(ctx context.Context, peerID string, addrs []string) error {
	if c.BaseURL == "" {
		return nil
	}
	b, _ := json.Marshal(PeerAddrs{PeerID: peerID, Addrs: addrs, TS: proto.NowMillis()})

	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/peers", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("publish addrs status %s", resp.Status)
	}
	return nil
}

// LookupPeer returns the latest addresses announced by peerID. found is
// false when the peer is unknown or its entry expired.
func (c *Client) LookupPeer(ctx context.Context, peerID string) (addrs []string, found bool, err error) {
	if c.BaseURL == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	var pa PeerAddrs
	found, err = c.getJSON(ctx, c.BaseURL+"/api/peers/"+peerID, &pa)
	if !found || err != nil {
		return nil, false, err
	}
	return pa.Addrs, true, nil
}
