package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func stateFor(id string, playing bool) track.PlaybackState {
	return track.NewState(track.Track{Provider: track.ProviderYouTube, ID: id, Title: id, DurationMs: 200_000},
		track.OriginProviderAPI, 1000, playing, time.Now())
}

func newTestHub(clock *fakeClock) *Hub {
	return NewHub(Options{HostGrace: 30 * time.Second, SessionTTL: time.Hour, MaxMembers: 3, Clock: clock.Now})
}

// recv reads the next message or fails.
func recv(t *testing.T, sub *subscriber) proto.Message {
	t.Helper()
	select {
	case m, ok := <-sub.C():
		if !ok {
			t.Fatal("subscriber closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	return proto.Message{}
}

func TestPublishLastWriteWins(t *testing.T) {
	h := newTestHub(newFakeClock())
	snap, err := h.CreateSession("host", "")
	if err != nil {
		t.Fatal(err)
	}
	id := snap.SessionID

	const n = 50
	seqs := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := h.Publish(id, "host", stateFor(fmt.Sprintf("t%d", i), true))
			if err != nil {
				t.Error(err)
			}
			seqs[i] = seq
		}(i)
	}
	wg.Wait()

	last := 0
	for i, s := range seqs {
		if s > seqs[last] {
			last = i
		}
	}
	if seqs[last] != n {
		t.Fatalf("highest seq = %d, want %d", seqs[last], n)
	}
	joined, err := h.Join(id, "late", proto.RoleFollower, "")
	if err != nil {
		t.Fatal(err)
	}
	if joined.Current == nil || joined.Current.Track.ID != fmt.Sprintf("t%d", last) {
		t.Errorf("current = %+v, want t%d", joined.Current, last)
	}
	if joined.Seq != n {
		t.Errorf("seq = %d, want %d", joined.Seq, n)
	}
}

func TestPublishRejections(t *testing.T) {
	h := newTestHub(newFakeClock())
	snap, _ := h.CreateSession("host", "")

	if _, err := h.Publish(snap.SessionID, "intruder", stateFor("a", true)); !errors.Is(err, syncerr.ErrNotHost) {
		t.Errorf("non-host publish err = %v", err)
	}
	if _, err := h.Publish("nope", "host", stateFor("a", true)); !errors.Is(err, syncerr.ErrSessionNotFound) {
		t.Errorf("unknown session err = %v", err)
	}
	if _, err := h.Join("nope", "p", proto.RoleFollower, ""); !errors.Is(err, syncerr.ErrSessionNotFound) {
		t.Errorf("join unknown err = %v", err)
	}
	if _, err := h.Join(snap.SessionID, "p", proto.RoleHost, ""); !errors.Is(err, syncerr.ErrNotHost) {
		t.Errorf("second host err = %v", err)
	}
	if err := h.End(snap.SessionID, "p"); !errors.Is(err, syncerr.ErrNotHost) {
		t.Errorf("end by follower err = %v", err)
	}
	cur, _ := h.Snapshot(snap.SessionID)
	if cur.Current != nil || cur.Seq != 0 {
		t.Errorf("rejected publish changed state: %+v", cur)
	}
}

func TestSessionFull(t *testing.T) {
	h := newTestHub(newFakeClock())
	snap, _ := h.CreateSession("host", "")
	for _, p := range []string{"a", "b"} {
		if _, err := h.Join(snap.SessionID, p, proto.RoleFollower, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.Join(snap.SessionID, "c", proto.RoleFollower, ""); !errors.Is(err, syncerr.ErrSessionFull) {
		t.Errorf("err = %v, want ErrSessionFull", err)
	}
	if _, err := h.Join(snap.SessionID, "a", proto.RoleFollower, "again"); err != nil {
		t.Errorf("rejoin of existing member: %v", err)
	}
	if _, err := h.Attach(snap.SessionID, "watcher", proto.RoleObserver, ""); err != nil {
		t.Errorf("observers do not count as members: %v", err)
	}
}

func TestAttachSendsSnapshotFirst(t *testing.T) {
	h := newTestHub(newFakeClock())
	snap, _ := h.CreateSession("host", "")
	h.Publish(snap.SessionID, "host", stateFor("a", true))

	sub, err := h.Attach(snap.SessionID, "f1", proto.RoleFollower, "")
	if err != nil {
		t.Fatal(err)
	}
	m := recv(t, sub)
	if m.Type != proto.TypeSnapshot || m.Snapshot == nil || m.Snapshot.Current.Track.ID != "a" {
		t.Fatalf("first message = %+v", m)
	}
	h.Publish(snap.SessionID, "host", stateFor("b", false))
	m = recv(t, sub)
	if m.Type != proto.TypeState || m.State.Track.ID != "b" || m.Seq != 2 {
		t.Errorf("update = %+v", m)
	}
}

func TestHostGraceTeardown(t *testing.T) {
	clock := newFakeClock()
	h := newTestHub(clock)
	snap, _ := h.CreateSession("host", "")
	id := snap.SessionID

	host, _ := h.Attach(id, "host", proto.RoleHost, "")
	follower, _ := h.Attach(id, "f1", proto.RoleFollower, "")
	recv(t, follower) // snapshot

	h.Detach(id, host)
	clock.Advance(29 * time.Second)
	if n := h.Reap(); n != 0 {
		t.Fatalf("reaped %d inside the grace period", n)
	}
	clock.Advance(2 * time.Second)
	if n := h.Reap(); n != 1 {
		t.Fatalf("reaped %d after the grace period, want 1", n)
	}

	sawEnded := false
	for m := range follower.C() {
		if m.Type == proto.TypeEnded {
			sawEnded = true
		}
	}
	if !sawEnded {
		t.Error("follower was not told the session ended")
	}
	if _, err := h.Snapshot(id); !errors.Is(err, syncerr.ErrSessionNotFound) {
		t.Errorf("Snapshot after teardown err = %v", err)
	}
}

func TestHostReconnectWithinGrace(t *testing.T) {
	clock := newFakeClock()
	h := newTestHub(clock)
	snap, _ := h.CreateSession("host", "")
	id := snap.SessionID

	host, _ := h.Attach(id, "host", proto.RoleHost, "")
	h.Detach(id, host)
	clock.Advance(20 * time.Second)
	if _, err := h.Attach(id, "host", proto.RoleHost, ""); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if n := h.Reap(); n != 0 {
		t.Errorf("session with a connected host was reaped")
	}
}

func TestSessionExpires(t *testing.T) {
	clock := newFakeClock()
	h := newTestHub(clock)
	snap, _ := h.CreateSession("host", "")
	h.Attach(snap.SessionID, "host", proto.RoleHost, "")

	clock.Advance(50 * time.Minute)
	h.Publish(snap.SessionID, "host", stateFor("a", true))
	clock.Advance(50 * time.Minute)
	if n := h.Reap(); n != 0 {
		t.Fatal("activity did not extend the expiry")
	}
	clock.Advance(11 * time.Minute)
	if n := h.Reap(); n != 1 {
		t.Errorf("idle session not expired")
	}
}

func TestLeaveUpdatesMembers(t *testing.T) {
	h := newTestHub(newFakeClock())
	snap, _ := h.CreateSession("host", "")
	h.Join(snap.SessionID, "f1", proto.RoleFollower, "kitchen")
	if err := h.Leave(snap.SessionID, "f1"); err != nil {
		t.Fatal(err)
	}
	cur, _ := h.Snapshot(snap.SessionID)
	if len(cur.Members) != 1 || cur.Members[0].PeerID != "host" {
		t.Errorf("members = %+v", cur.Members)
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := newTestHub(newFakeClock())
	snap, _ := h.CreateSession("host", "")
	sub, _ := h.Attach(snap.SessionID, "f1", proto.RoleFollower, "")
	for i := 0; i < subscriberBuffer+1; i++ {
		h.Publish(snap.SessionID, "host", stateFor(fmt.Sprintf("t%d", i), true))
	}
	n := 0
	for range sub.C() {
		n++
	}
	if n != subscriberBuffer {
		t.Errorf("drained %d messages, want %d before close", n, subscriberBuffer)
	}
	cur, _ := h.Snapshot(snap.SessionID)
	for _, m := range cur.Members {
		if m.PeerID == "f1" && m.Connected {
			t.Error("dropped subscriber still counted as connected")
		}
	}
}

func TestSlowHostStillStartsGrace(t *testing.T) {
	clock := newFakeClock()
	h := newTestHub(clock)
	snap, _ := h.CreateSession("host", "")
	id := snap.SessionID

	host, _ := h.Attach(id, "host", proto.RoleHost, "")
	for i := 0; i < subscriberBuffer+16; i++ {
		h.Publish(id, "host", stateFor(fmt.Sprintf("t%d", i), true))
	}
	h.Detach(id, host)

	clock.Advance(2 * time.Minute)
	if n := h.Reap(); n != 1 {
		t.Fatalf("reaped %d, want the hostless session torn down after the grace period", n)
	}
	if _, err := h.Snapshot(id); !errors.Is(err, syncerr.ErrSessionNotFound) {
		t.Errorf("Snapshot after teardown err = %v", err)
	}
}

func TestMirrorRestore(t *testing.T) {
	clock := newFakeClock()
	mirror := NewMemoryMirror()
	h := NewHub(Options{HostGrace: 30 * time.Second, SessionTTL: time.Hour, Mirror: mirror, Clock: clock.Now})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	snap, _ := h.CreateSession("host", "")
	h.Publish(snap.SessionID, "host", stateFor("a", true))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if m, ok := mirror.Get(snap.SessionID); ok && m.Seq == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("publish never reached the mirror")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h2 := NewHub(Options{HostGrace: 30 * time.Second, SessionTTL: time.Hour, Mirror: mirror, Clock: clock.Now})
	n, err := h2.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	got, err := h2.Snapshot(snap.SessionID)
	if err != nil || got.Current == nil || got.Current.Track.ID != "a" || got.Seq != 1 {
		t.Fatalf("restored = %+v, %v", got, err)
	}
	if err := h2.Authorize(snap.SessionID, "host", snap.HostToken); err != nil {
		t.Errorf("host token lost in restore: %v", err)
	}
	if seq, err := h2.Publish(snap.SessionID, "host", stateFor("b", true)); err != nil || seq != 2 {
		t.Errorf("publish after restore = %d, %v", seq, err)
	}
	clock.Advance(31 * time.Second)
	if n := h2.Reap(); n != 1 {
		t.Error("restored session without its host survived the grace period")
	}
}

func startServer(t *testing.T, opts ServerOptions) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(base, session, peer, role string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws/" + session + "?" +
		url.Values{"peer": {peer}, "role": {role}}.Encode()
}

func dialWS(t *testing.T, base, session, peer, role, token string) *websocket.Conn {
	t.Helper()
	u := wsURL(base, session, peer, role)
	var hdr http.Header
	if token != "" {
		hdr = http.Header{proto.HostTokenHeader: {token}}
	}
	c, _, err := websocket.DefaultDialer.Dial(u, hdr)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, c *websocket.Conn, typ string) proto.Message {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var m proto.Message
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if m.Type == typ {
			return m
		}
	}
}

func TestWebsocketPublishFlow(t *testing.T) {
	s, ts := startServer(t, ServerOptions{})
	snap, _ := s.Hub().CreateSession("host", "")

	host := dialWS(t, ts.URL, snap.SessionID, "host", proto.RoleHost, snap.HostToken)
	var first proto.Message
	host.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := host.ReadJSON(&first); err != nil || first.Type != proto.TypeSnapshot {
		t.Fatalf("first host message = %+v, %v", first, err)
	}
	follower := dialWS(t, ts.URL, snap.SessionID, "f1", proto.RoleFollower, "")
	if m := readUntil(t, follower, proto.TypeSnapshot); m.Snapshot.SessionID != snap.SessionID {
		t.Errorf("snapshot = %+v", m.Snapshot)
	}

	st := stateFor("abc", true)
	if err := host.WriteJSON(proto.Message{Type: proto.TypePublish, ReqID: "r1", State: &st}); err != nil {
		t.Fatal(err)
	}
	ack := readUntil(t, host, proto.TypeAck)
	if ack.ReqID != "r1" || ack.Seq != 1 {
		t.Errorf("ack = %+v", ack)
	}
	m := readUntil(t, follower, proto.TypeState)
	if m.State == nil || m.State.Track.ID != "abc" || !m.State.Playing {
		t.Errorf("state = %+v", m.State)
	}

	if err := follower.WriteJSON(proto.Message{Type: proto.TypePublish, ReqID: "r2", State: &st}); err != nil {
		t.Fatal(err)
	}
	e := readUntil(t, follower, proto.TypeError)
	if e.Code != "not_host" || e.ReqID != "r2" {
		t.Errorf("follower publish reply = %+v", e)
	}
}

func TestWebsocketUnknownSession(t *testing.T) {
	_, ts := startServer(t, ServerOptions{})
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/missing?peer=p"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("dial to unknown session succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHTTPSessionAPI(t *testing.T) {
	_, ts := startServer(t, ServerOptions{})

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(`{"host_id":"h1"}`))
	if err != nil {
		t.Fatal(err)
	}
	var snap proto.Snapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || snap.SessionID == "" || snap.HostID != "h1" || snap.HostToken == "" {
		t.Fatalf("create = %d %+v", resp.StatusCode, snap)
	}

	body, _ := json.Marshal(publishRequest{HostID: "other", State: ptr(stateFor("x", true))})
	resp, _ = http.Post(ts.URL+"/api/sessions/"+snap.SessionID+"/publish", "application/json", strings.NewReader(string(body)))
	var er errorResponse
	json.NewDecoder(resp.Body).Decode(&er)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden || er.Code != "not_host" {
		t.Errorf("wrong host publish = %d %+v", resp.StatusCode, er)
	}

	body, _ = json.Marshal(publishRequest{HostID: "h1", HostToken: snap.HostToken, State: ptr(stateFor("x", true))})
	resp, _ = http.Post(ts.URL+"/api/sessions/"+snap.SessionID+"/publish", "application/json", strings.NewReader(string(body)))
	var pr publishResponse
	json.NewDecoder(resp.Body).Decode(&pr)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || pr.Seq != 1 {
		t.Errorf("publish = %d %+v", resp.StatusCode, pr)
	}

	resp, _ = http.Get(ts.URL + "/api/sessions/missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+snap.SessionID+"?host=h1", nil)
	req.Header.Set(proto.HostTokenHeader, snap.HostToken)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("end = %d", resp.StatusCode)
	}
	resp, _ = http.Get(ts.URL + "/api/sessions/" + snap.SessionID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ended session still served: %d", resp.StatusCode)
	}
}

func TestHostIdentityNeedsToken(t *testing.T) {
	s, ts := startServer(t, ServerOptions{})
	snap, _ := s.Hub().CreateSession("h1", "")
	id := snap.SessionID
	base := ts.URL + "/api/sessions/" + id

	resp, _ := http.Get(base)
	var seen proto.Snapshot
	json.NewDecoder(resp.Body).Decode(&seen)
	resp.Body.Close()
	if seen.HostID != "h1" || seen.HostToken != "" {
		t.Fatalf("public snapshot = %+v", seen)
	}

	post := func(path string, v any) int {
		b, _ := json.Marshal(v)
		resp, err := http.Post(base+path, "application/json", strings.NewReader(string(b)))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post("/publish", publishRequest{HostID: "h1", State: ptr(stateFor("x", true))}); code != http.StatusForbidden {
		t.Errorf("publish without token = %d", code)
	}
	if code := post("/publish", publishRequest{HostID: "h1", HostToken: "guess", State: ptr(stateFor("x", true))}); code != http.StatusForbidden {
		t.Errorf("publish with wrong token = %d", code)
	}
	if code := post("/join", joinRequest{PeerID: "h1"}); code != http.StatusForbidden {
		t.Errorf("join as host without token = %d", code)
	}
	if code := post("/leave", joinRequest{PeerID: "h1"}); code != http.StatusForbidden {
		t.Errorf("leave as host without token = %d", code)
	}
	if code := post("/join", joinRequest{PeerID: "f1"}); code != http.StatusOK {
		t.Errorf("follower join = %d", code)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"?host=h1", nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("end without token = %d", resp.StatusCode)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, id, "h1", proto.RoleFollower), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("websocket as host without token: err=%v resp=%+v", err, resp)
	}

	cur, err := s.Hub().Snapshot(id)
	if err != nil || cur.Current != nil || cur.Seq != 0 {
		t.Errorf("session changed by unauthorized calls: %+v, %v", cur, err)
	}
	host := dialWS(t, ts.URL, id, "h1", proto.RoleHost, snap.HostToken)
	if m := readUntil(t, host, proto.TypeSnapshot); m.Snapshot.HostToken != "" {
		t.Errorf("websocket snapshot leaked the token")
	}
}

func ptr[T any](v T) *T { return &v }

func TestLegacyPollingRoundTrip(t *testing.T) {
	_, ts := startServer(t, ServerOptions{})

	resp, err := http.Get(ts.URL + "/host/create/room1")
	if err != nil {
		t.Fatal(err)
	}
	var tok map[string]string
	json.NewDecoder(resp.Body).Decode(&tok)
	resp.Body.Close()
	if tok["token"] != "room1" {
		t.Fatalf("token = %v", tok)
	}

	upd := `{"track":{"source":"Youtube","id":"dQw4w9WgXcQ","title":"Song","artist":"Band","duration_ms":212000},` +
		`"playback":{"state":"Playing","position_ms":5000,"updated_at":1767225600.5}}`
	resp, err = http.PostForm(ts.URL+"/host/update/room1", url.Values{"json": {upd}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}

	resp, _ = http.Get(ts.URL + "/update/room1")
	var inst legacyInstance
	json.NewDecoder(resp.Body).Decode(&inst)
	resp.Body.Close()
	if inst.UID != "room1" || inst.Track == nil {
		t.Fatalf("instance = %+v", inst)
	}
	if inst.Track.Source != "Youtube" || inst.Track.ID != "dQw4w9WgXcQ" || inst.Track.DurationMs != 212000 {
		t.Errorf("track = %+v", inst.Track)
	}
	if inst.Playback.State != "Playing" || inst.Playback.PositionMs != 5000 || inst.Playback.UpdatedAt != 1767225600.5 {
		t.Errorf("playback = %+v", inst.Playback)
	}

	resp, _ = http.PostForm(ts.URL+"/host/update/nope", url.Values{"json": {upd}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("update to unknown room = %d", resp.StatusCode)
	}
}

func TestLegacyEmptyInstance(t *testing.T) {
	_, ts := startServer(t, ServerOptions{})
	resp, _ := http.Get(ts.URL + "/host/create")
	var tok map[string]string
	json.NewDecoder(resp.Body).Decode(&tok)
	resp.Body.Close()

	resp, _ = http.Get(ts.URL + "/update/" + tok["token"])
	var raw map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&raw)
	resp.Body.Close()
	if string(raw["track"]) != "null" {
		t.Errorf("track = %s, want null", raw["track"])
	}
	var pb legacyPlayback
	json.Unmarshal(raw["playback"], &pb)
	if pb.State != "Stopped" {
		t.Errorf("playback = %+v", pb)
	}
}

func TestLegacyStateMapping(t *testing.T) {
	cases := []struct {
		in      string
		status  track.Status
		playing bool
	}{
		{"Playing", track.StatusPlaying, true},
		{"Paused", track.StatusPaused, false},
		{"Stopped", track.StatusStopped, false},
	}
	for _, c := range cases {
		u := legacyUpdate{Track: legacyTrack{Source: "Local", ID: "x"}, Playback: legacyPlayback{State: c.in}}
		st, err := u.toState()
		if err != nil || st.Status != c.status || st.Playing != c.playing || st.Track.Provider != track.ProviderLocal {
			t.Errorf("%s -> %+v, %v", c.in, st, err)
		}
		_, pb := fromState(&st)
		if pb.State != c.in {
			t.Errorf("%s came back as %s", c.in, pb.State)
		}
	}
	if _, err := (legacyUpdate{Track: legacyTrack{Source: "Napster", ID: "x"}, Playback: legacyPlayback{State: "Playing"}}).toState(); err == nil {
		t.Error("unknown source accepted")
	}
}

func TestObserverStreamAndCaps(t *testing.T) {
	s, ts := startServer(t, ServerOptions{MaxObserversPerIP: 1})
	snap, _ := s.Hub().CreateSession("host", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/sessions/"+snap.SessionID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	second, err := http.Get(ts.URL + "/api/sessions/" + snap.SessionID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second observer from one IP = %d, want 429", second.StatusCode)
	}

	s.Hub().Publish(snap.SessionID, "host", stateFor("obs", true))

	br := bufio.NewReader(resp.Body)
	var events []string
	for len(events) < 2 {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v (events %v)", err, events)
		}
		if ev, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			events = append(events, ev)
		}
	}
	if events[0] != proto.TypeSnapshot || events[1] != proto.TypeState {
		t.Errorf("events = %v", events)
	}
	cur, _ := s.Hub().Snapshot(snap.SessionID)
	if len(cur.Members) != 1 {
		t.Errorf("observer listed as member: %+v", cur.Members)
	}
}

func TestObserverLimiter(t *testing.T) {
	l := newObserverLimiter(2, 1)
	r1, err := l.acquire("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.acquire("a"); err == nil {
		t.Error("per-IP cap not enforced")
	}
	if _, err := l.acquire("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.acquire("c"); err == nil {
		t.Error("global cap not enforced")
	}
	r1()
	r1()
	if _, err := l.acquire("c"); err != nil {
		t.Errorf("release did not free a slot: %v", err)
	}
	if l.total != 2 {
		t.Errorf("total = %d after double release", l.total)
	}
}
