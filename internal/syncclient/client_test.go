package syncclient

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/tandem/internal/coordinator"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

// trackingListener remembers accepted connections so tests can cut them.
type trackingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, c)
		l.mu.Unlock()
	}
	return c, err
}

func (l *trackingListener) cut() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conns {
		c.Close()
	}
	l.conns = nil
}

func startCoordinator(t *testing.T) (*coordinator.Server, *httptest.Server, *trackingListener) {
	t.Helper()
	s := coordinator.NewServer(coordinator.ServerOptions{})
	ts := httptest.NewUnstartedServer(s.Handler())
	tl := &trackingListener{Listener: ts.Listener}
	ts.Listener = tl
	ts.Start()
	t.Cleanup(ts.Close)
	return s, ts, tl
}

func dial(t *testing.T, endpoint, session, peer, role string, token ...string) *Conn {
	t.Helper()
	var tok string
	if len(token) > 0 {
		tok = token[0]
	}
	c, err := Dial(context.Background(), Options{
		Endpoint:   endpoint,
		SessionID:  session,
		PeerID:     peer,
		Role:       role,
		HostToken:  tok,
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial %s: %v", peer, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func next(t *testing.T, c *Conn, typ string) proto.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-c.Updates():
			if !ok {
				t.Fatalf("updates closed while waiting for %s", typ)
			}
			if m.Type == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("no %s message", typ)
		}
	}
}

func waitConnected(t *testing.T, c *Conn) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func song(id string) track.PlaybackState {
	return track.NewState(track.Track{Provider: track.ProviderYouTube, ID: id, DurationMs: 180_000},
		track.OriginStreamingHook, 0, true, time.Now())
}

func TestCreateSessionAndSnapshot(t *testing.T) {
	_, ts, _ := startCoordinator(t)
	snap, err := CreateSession(context.Background(), ts.URL, "host", "living room")
	if err != nil {
		t.Fatal(err)
	}
	got, err := Snapshot(context.Background(), ts.URL, snap.SessionID)
	if err != nil || got.HostID != "host" {
		t.Fatalf("Snapshot = %+v, %v", got, err)
	}
	if _, err := Snapshot(context.Background(), ts.URL, "missing"); !errors.Is(err, syncerr.ErrSessionNotFound) {
		t.Errorf("missing session err = %v", err)
	}
}

func TestPublishReachesFollower(t *testing.T) {
	_, ts, _ := startCoordinator(t)
	snap, _ := CreateSession(context.Background(), ts.URL, "host", "")

	host := dial(t, ts.URL, snap.SessionID, "host", proto.RoleHost, snap.HostToken)
	follower := dial(t, ts.URL, snap.SessionID, "f1", proto.RoleFollower)
	next(t, follower, proto.TypeSnapshot)
	waitConnected(t, host)

	if err := host.Publish(context.Background(), song("a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	m := next(t, follower, proto.TypeState)
	if m.State.Track.ID != "a" || m.Seq != 1 {
		t.Errorf("state = %+v", m)
	}

	if err := follower.Publish(context.Background(), song("b")); !errors.Is(err, syncerr.ErrNotHost) {
		t.Errorf("follower publish err = %v, want ErrNotHost", err)
	}
}

func TestHostCallsNeedToken(t *testing.T) {
	_, ts, _ := startCoordinator(t)
	snap, err := CreateSession(context.Background(), ts.URL, "host", "")
	if err != nil || snap.HostToken == "" {
		t.Fatalf("CreateSession = %+v, %v", snap, err)
	}
	_, err = Dial(context.Background(), Options{Endpoint: ts.URL, SessionID: snap.SessionID, PeerID: "host", Role: proto.RoleHost})
	if !errors.Is(err, syncerr.ErrNotHost) {
		t.Errorf("dial as host without token = %v, want ErrNotHost", err)
	}
	if err := EndSession(context.Background(), ts.URL, snap.SessionID, "host", "wrong"); !errors.Is(err, syncerr.ErrNotHost) {
		t.Errorf("end with wrong token = %v, want ErrNotHost", err)
	}
	if _, err := Snapshot(context.Background(), ts.URL, snap.SessionID); err != nil {
		t.Errorf("session gone after rejected end: %v", err)
	}
}

func TestDialUnknownSession(t *testing.T) {
	_, ts, _ := startCoordinator(t)
	_, err := Dial(context.Background(), Options{Endpoint: ts.URL, SessionID: "missing", PeerID: "p"})
	if !errors.Is(err, syncerr.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestReconnectResyncs(t *testing.T) {
	s, ts, tl := startCoordinator(t)
	snap, _ := CreateSession(context.Background(), ts.URL, "host", "")
	follower := dial(t, ts.URL, snap.SessionID, "f1", proto.RoleFollower)
	next(t, follower, proto.TypeSnapshot)
	waitConnected(t, follower)

	tl.cut()
	if _, err := s.Hub().Publish(snap.SessionID, "host", song("missed")); err != nil {
		t.Fatal(err)
	}

	// After reconnecting the follower gets a fresh snapshot; the missed
	// publish shows up either in it or in a state message right after.
	m := next(t, follower, proto.TypeSnapshot)
	if m.Snapshot.Current != nil && m.Snapshot.Current.Track.ID == "missed" {
		return
	}
	if st := next(t, follower, proto.TypeState); st.State.Track.ID != "missed" {
		t.Errorf("state after resync = %+v", st.State)
	}
}

func TestPublishWhileUnreachable(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	c, err := Dial(context.Background(), Options{Endpoint: "http://" + addr, SessionID: "s", PeerID: "host", Role: proto.RoleHost})
	if err != nil {
		t.Fatalf("Dial should keep retrying, got %v", err)
	}
	defer c.Close()
	if c.Connected() {
		t.Fatal("connected to a closed port")
	}
	if err := c.Publish(context.Background(), song("a")); !errors.Is(err, syncerr.ErrConnectivityLost) {
		t.Errorf("err = %v, want ErrConnectivityLost", err)
	}
}

func TestEndedStopsConnection(t *testing.T) {
	_, ts, _ := startCoordinator(t)
	snap, _ := CreateSession(context.Background(), ts.URL, "host", "")
	follower := dial(t, ts.URL, snap.SessionID, "f1", proto.RoleFollower)
	next(t, follower, proto.TypeSnapshot)

	if err := EndSession(context.Background(), ts.URL, snap.SessionID, "host", snap.HostToken); err != nil {
		t.Fatal(err)
	}
	next(t, follower, proto.TypeEnded)
	select {
	case <-follower.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection kept running after the session ended")
	}
	if !errors.Is(follower.Err(), syncerr.ErrSessionEnded) {
		t.Errorf("Err = %v", follower.Err())
	}
	if err := follower.Publish(context.Background(), song("x")); !errors.Is(err, syncerr.ErrSessionEnded) {
		t.Errorf("publish after end = %v", err)
	}
}
