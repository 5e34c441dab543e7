package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

func TestGuardedAbsorbsFailures(t *testing.T) {
	fail := true
	b := Func{ID: "flaky", Kind: track.OriginProviderAPI, F: func(context.Context) (track.PlaybackState, bool, error) {
		if fail {
			return track.PlaybackState{}, false, errors.New("token expired")
		}
		return track.PlaybackState{Track: track.Track{Provider: track.ProviderYandex, ID: "1"}, Playing: true}, true, nil
	}}
	g := Wrap(b, time.Second)

	if _, ok := g.Poll(context.Background()); ok {
		t.Fatal("failing backend reported a state")
	}
	avail, err := g.Available()
	if avail || !errors.Is(err, syncerr.ErrAdapterUnavailable) {
		t.Fatalf("Available = %v, %v", avail, err)
	}

	fail = false
	st, ok := g.Poll(context.Background())
	if !ok {
		t.Fatal("recovered backend reported absent")
	}
	if st.Origin != track.OriginProviderAPI || st.Status != track.StatusPlaying {
		t.Errorf("state = %+v, want origin and status filled", st)
	}
	if avail, _ := g.Available(); !avail {
		t.Error("adapter still marked unavailable")
	}
}

func TestGuardedTimeout(t *testing.T) {
	b := Func{ID: "slow", F: func(ctx context.Context) (track.PlaybackState, bool, error) {
		<-ctx.Done()
		return track.PlaybackState{}, false, ctx.Err()
	}}
	g := Wrap(b, 20*time.Millisecond)
	start := time.Now()
	if _, ok := g.Poll(context.Background()); ok {
		t.Fatal("timed out backend reported a state")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Poll took %v", time.Since(start))
	}
}
