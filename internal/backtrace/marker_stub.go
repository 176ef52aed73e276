//go:build nobacktrace

package backtrace

import (
	"fmt"
	"io"
	"os"

	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
)

// Supported reports whether this build captures backtraces.
const Supported = false

const unsupportedMsg = "Built without backtrace support (nobacktrace tag)"

// Marker is never created in nobacktrace builds.
type Marker struct{}

// Addr always returns zero.
func (m *Marker) Addr() uintptr { return 0 }

// Attach cannot honor its contract in this build, so it aborts the process
// rather than silently tracking nothing.
func Attach(_ *Handle, _ *ownership.Context) (*Marker, error) {
	fmt.Fprintln(os.Stderr, unsupportedMsg)
	os.Exit(134)
	panic(unsupportedMsg)
}

// Print reports that backtraces are unavailable.
func (h *Handle) Print(w io.Writer, _ uintptr) int {
	fmt.Fprintln(w, unsupportedMsg)
	return 0
}
