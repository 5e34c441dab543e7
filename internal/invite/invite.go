// Package invite turns a (session, endpoint) pair into a shareable link and
// back. Three forms are accepted when parsing:
//
//	tandem://join/<token>
//	<token>
//	http(s)://host[:port]/s/<session>
//
// where token is the base64url (unpadded) JSON encoding of a Link.
package invite

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/petervdpas/tandem/internal/util"
)

const Scheme = "tandem"

// Link is what a follower needs to join.
type Link struct {
	SessionID string `json:"s"`
	Endpoint  string `json:"e"`
}

var ErrInvalid = errors.New("not a tandem invite")

// Token is the opaque part of the link.
func Token(l Link) string {
	b, _ := json.Marshal(l)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Encode returns the tandem:// form.
func Encode(l Link) string {
	return Scheme + "://join/" + Token(l)
}

// WebURL returns the http(s) form served by the coordinator.
func WebURL(l Link) string {
	return util.NormalizeURL(l.Endpoint) + "/s/" + url.PathEscape(l.SessionID)
}

// Parse reads any accepted form.
func Parse(s string) (Link, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Link{}, ErrInvalid
	}
	if rest, ok := strings.CutPrefix(s, Scheme+"://join/"); ok {
		return decodeToken(rest)
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return parseWeb(s)
	}
	if strings.Contains(s, "://") {
		return Link{}, ErrInvalid
	}
	return decodeToken(s)
}

func decodeToken(tok string) (Link, error) {
	tok = strings.TrimRight(strings.TrimSpace(tok), "/=")
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var l Link
	if err := json.Unmarshal(raw, &l); err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return validate(l)
}

func parseWeb(s string) (Link, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	dir, id, ok := strings.Cut(strings.TrimPrefix(u.EscapedPath(), "/"), "/")
	if !ok || dir != "s" {
		return Link{}, ErrInvalid
	}
	id, err = url.PathUnescape(strings.TrimSuffix(id, "/"))
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return validate(Link{SessionID: id, Endpoint: u.Scheme + "://" + u.Host})
}

func validate(l Link) (Link, error) {
	id, err := util.ValidateSessionID(l.SessionID)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if l.Endpoint == "" {
		return Link{}, fmt.Errorf("%w: endpoint missing", ErrInvalid)
	}
	return Link{SessionID: id, Endpoint: l.Endpoint}, nil
}
