//go:build !linux

package hook

import (
	"context"
	"fmt"
	"runtime"

	"github.com/petervdpas/tandem/internal/syncerr"
)

type noReader struct{}

func newPlatformReader() Reader { return noReader{} }

func (noReader) Read(context.Context) (Metadata, bool, error) {
	return Metadata{}, false, fmt.Errorf("%w: no media session hook on %s", syncerr.ErrAdapterUnavailable, runtime.GOOS)
}
