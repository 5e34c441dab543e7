package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/util"
)

var httpClient = &http.Client{Timeout: util.DefaultFetchTimeout * 2}

// CreateSession asks the coordinator at endpoint for a new session hosted
// by hostID. The returned snapshot carries the host token, which every
// later host call must present.
func CreateSession(ctx context.Context, endpoint, hostID, label string) (proto.Snapshot, error) {
	body, _ := json.Marshal(map[string]string{"host_id": hostID, "label": label})
	var snap proto.Snapshot
	err := do(ctx, http.MethodPost, util.NormalizeURL(endpoint)+"/api/sessions", body, &snap)
	return snap, err
}

// Snapshot fetches the current view of a session.
func Snapshot(ctx context.Context, endpoint, sessionID string) (proto.Snapshot, error) {
	var snap proto.Snapshot
	err := do(ctx, http.MethodGet, util.NormalizeURL(endpoint)+"/api/sessions/"+url.PathEscape(sessionID), nil, &snap)
	return snap, err
}

// EndSession tears the session down. Only its host may do this.
func EndSession(ctx context.Context, endpoint, sessionID, hostID, hostToken string) error {
	u := util.NormalizeURL(endpoint) + "/api/sessions/" + url.PathEscape(sessionID) + "?host=" + url.QueryEscape(hostID)
	return do(ctx, http.MethodDelete, u, nil, nil, hostToken)
}

func do(ctx context.Context, method, u string, body []byte, out any, hostToken ...string) error {
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, tok := range hostToken {
		req.Header.Set(proto.HostTokenHeader, tok)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", syncerr.ErrConnectivityLost, method, u, err)
	}
	defer resp.Body.Close()
	if rerr := rejection(resp); rerr != nil {
		return rerr
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, u, resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
