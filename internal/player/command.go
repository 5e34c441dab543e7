package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strconv"
	"time"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/track"
)

// CommandSink pipes track bytes into an external player reading stdin,
// ffplay by default. Pausing stops feeding the pipe; the player drains its
// buffer and goes quiet until Resume.
type CommandSink struct {
	command []string
	now     func() time.Time
	pb      playback
}

func NewCommandSink(command []string) *CommandSink {
	if len(command) == 0 {
		command = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error"}
	}
	return &CommandSink{command: command, now: time.Now}
}

// Args returns the command line for playing st. Unless the configured
// command already names stdin as input, "-ss <sec> -i pipe:0" is appended
// so playback starts at the host's current position.
func (c *CommandSink) Args(st track.PlaybackState) []string {
	args := slices.Clone(c.command)
	if slices.Contains(args, "pipe:0") || slices.Contains(args, "-") {
		return args
	}
	sec := float64(st.PositionAt(c.now())) / 1000
	if sec > 0 {
		args = append(args, "-ss", strconv.FormatFloat(sec, 'f', 3, 64))
	}
	return append(args, "-i", "pipe:0")
}

func (c *CommandSink) Play(ctx context.Context, st track.PlaybackState, r io.Reader) error {
	pctx, g, done := c.pb.begin(ctx, st.Playing)
	defer done()

	args := c.Args(st)
	cmd := exec.CommandContext(pctx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player %s: %w", args[0], err)
	}
	logger.Info("player: started",
		logger.String("track", st.Track.Display()),
		logger.Strings("cmd", args))

	n, cerr := copyGated(pctx, g, stdin, r)
	_ = stdin.Close()
	werr := cmd.Wait()

	switch {
	case pctx.Err() != nil:
		logger.Debug("player: stopped", logger.String("track", st.Track.Display()), logger.Int64("bytes", n))
		return nil
	case werr != nil:
		return fmt.Errorf("player exited: %w", werr)
	case cerr != nil && !errors.Is(cerr, io.ErrClosedPipe):
		return cerr
	}
	return nil
}

func (c *CommandSink) Pause()  { c.pb.setPlaying(false) }
func (c *CommandSink) Resume() { c.pb.setPlaying(true) }
func (c *CommandSink) Stop()   { c.pb.stop() }
