// Package syncerr holds the error taxonomy shared by the detector, resolver,
// transfer engine and coordinator. None of these errors is fatal to the process.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAdapterUnavailable = errors.New("source adapter unavailable")
	ErrNoAvailableSource  = errors.New("no available source")
	ErrTransferFailed     = errors.New("transfer failed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrNotHost            = errors.New("not host")
	ErrConnectivityLost   = errors.New("coordinator unreachable")
	ErrSessionFull        = errors.New("session full")
	ErrSessionEnded       = errors.New("session ended")
	ErrP2PServingDisabled = errors.New("p2p sending disabled")
)

// Attempt records one candidate the transfer engine tried.
type Attempt struct {
	Candidate string
	Err       error
	Elapsed   time.Duration
}

// TransferError is returned when every candidate failed.
type TransferError struct {
	Track    string
	Attempts []Attempt
}

func (e *TransferError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("transfer failed for %s: no candidates", e.Track)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v (%s)", a.Candidate, a.Err, a.Elapsed.Round(time.Millisecond)))
	}
	return fmt.Sprintf("transfer failed for %s: %s", e.Track, strings.Join(parts, "; "))
}

func (e *TransferError) Unwrap() error { return ErrTransferFailed }

// Notice wraps an error that should be shown to the user without stopping anything.
type Notice struct {
	Err        error
	Suggestion string
}

func (n *Notice) Error() string { return n.Err.Error() }

func (n *Notice) Unwrap() error { return n.Err }

// WithSuggestion wraps err as a user-visible notice.
func WithSuggestion(err error, suggestion string) error {
	if err == nil {
		return nil
	}
	return &Notice{Err: err, Suggestion: suggestion}
}

// Suggestion returns a short hint for err, or "".
func Suggestion(err error) string {
	if err == nil {
		return ""
	}
	var n *Notice
	if errors.As(err, &n) && n.Suggestion != "" {
		return n.Suggestion
	}
	switch {
	case errors.Is(err, ErrNoAvailableSource):
		return "Enable another download source in the settings, this track will not sync"
	case errors.Is(err, ErrTransferFailed):
		return "No source could deliver this track, sync resumes on the next track"
	case errors.Is(err, ErrSessionNotFound):
		return "The session has ended or the link is wrong, ask the host for a new link"
	case errors.Is(err, ErrNotHost):
		return "Only the host of a session can change what is playing"
	case errors.Is(err, ErrConnectivityLost):
		return "The sync server is unreachable, reconnecting in the background"
	case errors.Is(err, ErrSessionFull):
		return "The session has reached its member limit"
	case errors.Is(err, ErrSessionEnded):
		return "The host ended the session"
	case errors.Is(err, ErrAdapterUnavailable):
		return "A playback source is not available, other sources keep working"
	}
	return ""
}

// Format renders err with its suggestion for terminal output.
func Format(err error) string {
	if err == nil {
		return ""
	}
	if s := Suggestion(err); s != "" {
		return fmt.Sprintf("Error: %s\n\nSuggestion: %s", err, s)
	}
	return fmt.Sprintf("Error: %s", err)
}

// Code maps taxonomy errors to the short codes used on the wire.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrNotHost):
		return "not_host"
	case errors.Is(err, ErrSessionFull):
		return "session_full"
	case errors.Is(err, ErrSessionEnded):
		return "session_ended"
	case err == nil:
		return ""
	}
	return "internal"
}

// FromCode is the inverse of Code.
func FromCode(code, msg string) error {
	switch code {
	case "session_not_found":
		return ErrSessionNotFound
	case "not_host":
		return ErrNotHost
	case "session_full":
		return ErrSessionFull
	case "session_ended":
		return ErrSessionEnded
	case "":
		return nil
	}
	if msg == "" {
		msg = code
	}
	return errors.New(msg)
}
