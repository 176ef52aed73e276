//go:build !linux

package debugprobe

import (
	"fmt"
	"runtime"
)

// TracerAttached is only implemented on linux.
func TracerAttached() (bool, error) {
	return false, fmt.Errorf("tracer detection not supported on %s", runtime.GOOS)
}
