// Package syncclient is a member's link to the coordinator: one websocket
// that reconnects on its own, resynchronizes from the session snapshot on
// every (re)connect and turns host publishes into acknowledged calls.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
	"github.com/petervdpas/tandem/internal/util"
)

const (
	pongWait      = 60 * time.Second
	writeWait     = 10 * time.Second
	updatesBuffer = 64
)

type Options struct {
	Endpoint  string
	SessionID string
	PeerID    string
	Role      string
	Label     string

	// HostToken is presented when PeerID is the session's host.
	HostToken string

	// AckTimeout bounds how long Publish waits for the coordinator.
	AckTimeout time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Conn is a live member connection. Safe for concurrent use.
type Conn struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
	ended     atomic.Bool

	mu      sync.Mutex
	ws      *websocket.Conn
	lost    chan struct{} // closed when the current connection goes away
	pending map[string]chan proto.Message
	err     error // terminal error, if any

	writeMu sync.Mutex
	updates chan proto.Message
}

// Dial connects to the session and keeps the connection alive until Close
// or ctx ends. A rejection that no retry can fix (unknown session, full
// session, host mismatch) is returned directly; a coordinator that cannot be
// reached yields a Conn that keeps retrying in the background.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Endpoint == "" || opts.SessionID == "" || opts.PeerID == "" {
		return nil, errors.New("syncclient: endpoint, session and peer are required")
	}
	if opts.Role == "" {
		opts.Role = proto.RoleFollower
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	opts.Endpoint = util.NormalizeURL(opts.Endpoint)

	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		opts:    opts,
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: map[string]chan proto.Message{},
		updates: make(chan proto.Message, updatesBuffer),
	}

	ws, err := c.dial()
	if err != nil && terminal(err) {
		cancel()
		return nil, err
	}
	if err != nil {
		logger.Warn("sync: coordinator unreachable, retrying in background",
			logger.String("endpoint", opts.Endpoint), logger.Err(err))
	}
	go c.run(ws)
	return c, nil
}

func terminal(err error) bool {
	return errors.Is(err, syncerr.ErrSessionNotFound) ||
		errors.Is(err, syncerr.ErrSessionFull) ||
		errors.Is(err, syncerr.ErrNotHost) ||
		errors.Is(err, syncerr.ErrSessionEnded)
}

func (c *Conn) wsURL() string {
	u := c.opts.Endpoint
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	q := url.Values{"peer": {c.opts.PeerID}, "role": {c.opts.Role}}
	if c.opts.Label != "" {
		q.Set("label", c.opts.Label)
	}
	return u + "/ws/" + url.PathEscape(c.opts.SessionID) + "?" + q.Encode()
}

func (c *Conn) dial() (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(c.ctx, util.DefaultConnectTimeout)
	defer cancel()
	var hdr http.Header
	if c.opts.HostToken != "" {
		hdr = http.Header{proto.HostTokenHeader: {c.opts.HostToken}}
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(dctx, c.wsURL(), hdr)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if rerr := rejection(resp); rerr != nil {
				return nil, rerr
			}
		}
		return nil, fmt.Errorf("%w: %v", syncerr.ErrConnectivityLost, err)
	}
	return ws, nil
}

// rejection decodes the coordinator's error body from a failed handshake.
func rejection(resp *http.Response) error {
	if resp.StatusCode < 400 || resp.StatusCode >= 500 {
		return nil
	}
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &body) != nil || body.Code == "" {
		return fmt.Errorf("coordinator rejected connection: %s", resp.Status)
	}
	return syncerr.FromCode(body.Code, body.Error)
}

func (c *Conn) run(ws *websocket.Conn) {
	defer func() {
		c.connected.Store(false)
		close(c.updates)
		close(c.done)
	}()

	bo := util.Backoff{Min: c.opts.MinBackoff, Max: c.opts.MaxBackoff}
	for {
		if ws == nil {
			if !util.SleepCtx(c.ctx, bo.Next()) {
				return
			}
			var err error
			ws, err = c.dial()
			if err != nil {
				if terminal(err) {
					c.setErr(err)
					logger.Warn("sync: session rejected", logger.String("session", c.opts.SessionID), logger.Err(err))
					return
				}
				logger.Debug("sync: reconnect failed", logger.Err(err))
				ws = nil
				continue
			}
		}
		bo.Reset()
		c.attach(ws)
		logger.Info("sync: connected", logger.String("session", c.opts.SessionID), logger.String("role", c.opts.Role))

		c.readLoop(ws)
		c.detach(ws)
		ws = nil

		if c.ended.Load() || c.ctx.Err() != nil {
			return
		}
		logger.Warn("sync: connection lost, reconnecting", logger.String("session", c.opts.SessionID))
	}
}

func (c *Conn) attach(ws *websocket.Conn) {
	lost := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	c.lost = lost
	c.mu.Unlock()
	c.connected.Store(true)

	stop := context.AfterFunc(c.ctx, func() { ws.Close() })
	go func() {
		<-lost
		stop()
	}()
}

func (c *Conn) detach(ws *websocket.Conn) {
	c.connected.Store(false)
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		close(c.lost)
	}
	c.mu.Unlock()
	ws.Close()
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	ws.SetReadLimit(1 << 20)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var msg proto.Message
		if err := ws.ReadJSON(&msg); err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("sync: read failed", logger.Err(err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case proto.TypeAck, proto.TypeError:
			if c.resolve(msg) {
				continue
			}
			if msg.Type == proto.TypeError {
				logger.Warn("sync: coordinator error", logger.String("code", msg.Code), logger.String("error", msg.Error))
			}
			continue
		case proto.TypeEnded:
			c.ended.Store(true)
			c.setErr(syncerr.ErrSessionEnded)
			c.push(msg)
			return
		}
		c.push(msg)
	}
}

func (c *Conn) push(msg proto.Message) {
	select {
	case c.updates <- msg:
	case <-c.ctx.Done():
	}
}

func (c *Conn) resolve(msg proto.Message) bool {
	if msg.ReqID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.ReqID]
	delete(c.pending, msg.ReqID)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// Err returns why the connection stopped for good, if it did.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connected reports whether a websocket to the coordinator is open.
func (c *Conn) Connected() bool { return c.connected.Load() }

// Updates delivers coordinator messages in order: a snapshot first after
// every (re)connect, then state and members messages. The channel is
// closed when the connection stops for good.
func (c *Conn) Updates() <-chan proto.Message { return c.updates }

// Done is closed when the connection has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) write(msg proto.Message) error {
	c.mu.Lock()
	ws, lost := c.ws, c.lost
	c.mu.Unlock()
	if ws == nil {
		return syncerr.ErrConnectivityLost
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-lost:
		return syncerr.ErrConnectivityLost
	default:
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrConnectivityLost, err)
	}
	return nil
}

// Publish sends st as the session's new state and waits for the
// coordinator's verdict.
func (c *Conn) Publish(ctx context.Context, st track.PlaybackState) error {
	if c.ended.Load() {
		return syncerr.ErrSessionEnded
	}
	if !c.Connected() {
		return syncerr.ErrConnectivityLost
	}
	reqID := uuid.NewString()
	reply := make(chan proto.Message, 1)
	c.mu.Lock()
	c.pending[reqID] = reply
	lost := c.lost
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.write(proto.Message{Type: proto.TypePublish, Session: c.opts.SessionID, From: c.opts.PeerID, ReqID: reqID, State: &st, TS: proto.NowMillis()}); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case m := <-reply:
		if m.Type == proto.TypeAck {
			return nil
		}
		return syncerr.FromCode(m.Code, m.Error)
	case <-lost:
		return syncerr.ErrConnectivityLost
	case <-timer.C:
		return fmt.Errorf("%w: no ack within %s", syncerr.ErrConnectivityLost, c.opts.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resync asks for a fresh snapshot.
func (c *Conn) Resync() error {
	return c.write(proto.Message{Type: proto.TypeResync, Session: c.opts.SessionID, TS: proto.NowMillis()})
}

// Close leaves the session and stops reconnecting.
func (c *Conn) Close() error {
	if c.Connected() {
		_ = c.write(proto.Message{Type: proto.TypeLeave, Session: c.opts.SessionID, From: c.opts.PeerID, TS: proto.NowMillis()})
	}
	c.cancel()
	<-c.done
	return nil
}
