//go:build linux

package hook

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

const (
	mprisPrefix = "org.mpris.MediaPlayer2."
	mprisPath   = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	playerIface = "org.mpris.MediaPlayer2.Player"
)

// mprisReader reads MPRIS players on the session bus. The connection is
// opened lazily and dropped after a bus error so the next poll reconnects.
type mprisReader struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func newPlatformReader() Reader { return &mprisReader{} }

func (m *mprisReader) bus() (*dbus.Conn, error) {
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: session bus: %v", syncerr.ErrAdapterUnavailable, err)
	}
	m.conn = conn
	return conn, nil
}

func (m *mprisReader) reset() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// Read prefers a playing player over a paused one; ties go to the first
// bus name in sorted order so the choice is stable across polls.
func (m *mprisReader) Read(ctx context.Context) (Metadata, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.bus()
	if err != nil {
		return Metadata{}, false, err
	}
	var names []string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		m.reset()
		return Metadata{}, false, fmt.Errorf("list bus names: %w", err)
	}
	sort.Strings(names)

	var paused *Metadata
	for _, name := range names {
		if !strings.HasPrefix(name, mprisPrefix) {
			continue
		}
		md, err := readPlayer(ctx, conn.Object(name, mprisPath), strings.TrimPrefix(name, mprisPrefix))
		if err != nil {
			continue
		}
		switch md.Status {
		case track.StatusPlaying:
			return md, true, nil
		case track.StatusPaused:
			if paused == nil {
				p := md
				paused = &p
			}
		}
	}
	if paused != nil {
		return *paused, true, nil
	}
	return Metadata{}, false, nil
}

func getProp(ctx context.Context, obj dbus.BusObject, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, playerIface, name).Store(&v)
	return v, err
}

func readPlayer(ctx context.Context, obj dbus.BusObject, player string) (Metadata, error) {
	sv, err := getProp(ctx, obj, "PlaybackStatus")
	if err != nil {
		return Metadata{}, err
	}
	status, _ := sv.Value().(string)

	mv, err := getProp(ctx, obj, "Metadata")
	if err != nil {
		return Metadata{}, err
	}
	meta, _ := mv.Value().(map[string]dbus.Variant)

	// Position is optional in MPRIS; players that omit it report 0.
	var posUs int64
	if pv, err := getProp(ctx, obj, "Position"); err == nil {
		posUs = toInt64(pv.Value())
	}
	return parseMetadata(player, status, meta, posUs), nil
}

func parseMetadata(player, status string, meta map[string]dbus.Variant, posUs int64) Metadata {
	md := Metadata{Player: player, PositionMs: posUs / 1000}
	switch status {
	case "Playing":
		md.Status = track.StatusPlaying
	case "Paused":
		md.Status = track.StatusPaused
	default:
		md.Status = track.StatusStopped
	}
	if v, ok := meta["xesam:title"]; ok {
		md.Title, _ = v.Value().(string)
	}
	if v, ok := meta["xesam:artist"]; ok {
		switch a := v.Value().(type) {
		case []string:
			md.Artist = strings.Join(a, ", ")
		case string:
			md.Artist = a
		}
	}
	if v, ok := meta["xesam:url"]; ok {
		md.URL, _ = v.Value().(string)
	}
	if v, ok := meta["mpris:length"]; ok {
		md.LengthMs = toInt64(v.Value()) / 1000
	}
	return md
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
