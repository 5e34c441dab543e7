package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/storage"
	"github.com/petervdpas/tandem/internal/syncerr"
	"github.com/petervdpas/tandem/internal/track"
)

const (
	chunkSize     = 64 * 1024
	maxRequestLen = 1024
	headerTimeout = 10 * time.Second
	writeTimeout  = 30 * time.Second
)

// TrackLibrary finds local files by track identity. *library.Library satisfies it.
type TrackLibrary interface {
	Lookup(identity string) (storage.LibraryTrack, bool)
}

// ServePolicy decides whether inbound track requests are honored.
type ServePolicy struct {
	SendingForbidden bool
}

// TrackHeader is what the holder says about the bytes that follow.
type TrackHeader struct {
	Format      string
	BitrateKbps int
	DurationMs  int64
}

// EnableServing answers track requests from lib under policy. Without it
// every request gets "ERR not found".
func (n *Node) EnableServing(lib TrackLibrary, policy ServePolicy) {
	n.serveMu.Lock()
	n.lib = lib
	n.policy = policy
	n.serveMu.Unlock()
}

// Serves returns true when this node would serve identity right now.
func (n *Node) Serves(identity string) bool {
	n.serveMu.RLock()
	lib, policy := n.lib, n.policy
	n.serveMu.RUnlock()
	if lib == nil || policy.SendingForbidden {
		return false
	}
	_, ok := lib.Lookup(identity)
	return ok
}

func (n *Node) handleTrackStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer().ShortString()

	_ = s.SetReadDeadline(time.Now().Add(headerTimeout))
	identity, offsetMs, err := parseFetch(s)
	if err != nil {
		fmt.Fprintf(s, "ERR bad request\n")
		return
	}
	_ = s.SetReadDeadline(time.Time{})

	n.serveMu.RLock()
	lib, policy := n.lib, n.policy
	n.serveMu.RUnlock()

	if policy.SendingForbidden {
		fmt.Fprintf(s, "ERR %s\n", syncerr.ErrP2PServingDisabled)
		return
	}
	if lib == nil {
		fmt.Fprintf(s, "ERR not found\n")
		return
	}
	lt, ok := lib.Lookup(identity)
	if !ok {
		fmt.Fprintf(s, "ERR not found\n")
		return
	}

	f, err := os.Open(lt.Path)
	if err != nil {
		logger.Warn("p2p: open library file failed", logger.String("path", lt.Path), logger.Err(err))
		fmt.Fprintf(s, "ERR unavailable\n")
		return
	}
	defer f.Close()
	if off := byteOffset(lt, offsetMs); off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			fmt.Fprintf(s, "ERR unavailable\n")
			return
		}
	}

	fmt.Fprintf(s, "OK %s %d %d\n", formatOr(lt.Format), lt.Bitrate, lt.Track.DurationMs)

	logger.Info("p2p: serving track",
		logger.String("peer", remote),
		logger.String("track", identity),
		logger.Int64("offset_ms", offsetMs))

	buf := make([]byte, chunkSize)
	var sent int64
	for {
		nr, rerr := f.Read(buf)
		if nr > 0 {
			_ = s.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := s.Write(buf[:nr]); err != nil {
				logger.Debug("p2p: track stream closed by peer", logger.String("peer", remote), logger.Int64("bytes", sent))
				s.Reset()
				return
			}
			sent += int64(nr)
		}
		if rerr != nil {
			break
		}
	}
	logger.Debug("p2p: track sent", logger.String("peer", remote), logger.Int64("bytes", sent))
}

// parseFetch reads "FETCH <identity> <offsetMs>\n". The identity may
// contain spaces; the offset is the last field.
func parseFetch(r io.Reader) (string, int64, error) {
	line, err := bufio.NewReader(io.LimitReader(r, maxRequestLen)).ReadString('\n')
	if err != nil {
		return "", 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	rest, ok := strings.CutPrefix(line, "FETCH ")
	if !ok {
		return "", 0, errors.New("not a fetch request")
	}
	i := strings.LastIndexByte(rest, ' ')
	if i <= 0 {
		return "", 0, errors.New("missing offset")
	}
	off, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil || off < 0 {
		return "", 0, errors.New("bad offset")
	}
	return rest[:i], off, nil
}

// byteOffset maps a playback position to a file offset using the probed
// bitrate. Unknown bitrates start at the beginning.
func byteOffset(lt storage.LibraryTrack, offsetMs int64) int64 {
	if offsetMs <= 0 || lt.Bitrate <= 0 {
		return 0
	}
	off := lt.AudioOffset + offsetMs*int64(lt.Bitrate)/8
	if lt.Size > 0 && off >= lt.Size {
		return lt.Size
	}
	return off
}

func formatOr(f string) string {
	if f == "" {
		return "bin"
	}
	return f
}

func parseHeader(line string) (TrackHeader, error) {
	line = strings.TrimRight(line, "\r\n")
	if reason, ok := strings.CutPrefix(line, "ERR "); ok {
		if reason == syncerr.ErrP2PServingDisabled.Error() {
			return TrackHeader{}, syncerr.ErrP2PServingDisabled
		}
		return TrackHeader{}, fmt.Errorf("holder: %s", reason)
	}
	f := strings.Fields(line)
	if len(f) != 4 || f[0] != "OK" {
		return TrackHeader{}, fmt.Errorf("unexpected response: %q", line)
	}
	kbps, err1 := strconv.Atoi(f[2])
	dur, err2 := strconv.ParseInt(f[3], 10, 64)
	if err1 != nil || err2 != nil {
		return TrackHeader{}, fmt.Errorf("unexpected response: %q", line)
	}
	return TrackHeader{Format: f[1], BitrateKbps: kbps, DurationMs: dur}, nil
}

// TrackStream is the body of a fetched track. Cancelling the fetch context
// resets the underlying stream.
type TrackStream struct {
	Header TrackHeader

	r    *bufio.Reader
	s    network.Stream
	stop func() bool
	once sync.Once
}

func (t *TrackStream) Read(p []byte) (int, error) { return t.r.Read(p) }

func (t *TrackStream) Close() error {
	var err error
	t.once.Do(func() {
		t.stop()
		err = t.s.Close()
	})
	return err
}

// FetchTrack reaches holder through the strategy chain and requests
// identity starting at offsetMs.
func (n *Node) FetchTrack(ctx context.Context, holder track.Holder, identity string, offsetMs int64) (io.ReadCloser, error) {
	ts, err := n.OpenTrack(ctx, holder, identity, offsetMs)
	if err != nil {
		return nil, err
	}
	return ts, nil
}

// OpenTrack is FetchTrack returning the concrete stream with its header.
func (n *Node) OpenTrack(ctx context.Context, holder track.Holder, identity string, offsetMs int64) (*TrackStream, error) {
	via, err := n.Dial(ctx, holder)
	if err != nil {
		return nil, err
	}
	pid, _ := peer.Decode(holder.PeerID)

	s, err := n.Host.NewStream(network.WithUseTransient(ctx, "tandem-track"), pid, protocol.ID(proto.TrackProtoID))
	if err != nil {
		return nil, fmt.Errorf("open track stream via %s: %w", via, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Reset() })

	if _, err := fmt.Fprintf(s, "FETCH %s %d\n", identity, offsetMs); err != nil {
		stop()
		s.Reset()
		return nil, err
	}
	_ = s.CloseWrite()

	_ = s.SetReadDeadline(time.Now().Add(headerTimeout))
	br := bufio.NewReaderSize(s, chunkSize)
	line, err := br.ReadString('\n')
	if err != nil {
		stop()
		s.Reset()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read track header: %w", err)
	}
	hdr, err := parseHeader(line)
	if err != nil {
		stop()
		s.Close()
		return nil, err
	}
	_ = s.SetReadDeadline(time.Time{})

	logger.Info("p2p: fetching track",
		logger.String("holder", pid.ShortString()),
		logger.String("via", via),
		logger.String("track", identity))
	return &TrackStream{Header: hdr, r: br, s: s, stop: stop}, nil
}
