//go:build linux || darwin

package memreport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/faultline/internal/core"
	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
)

// Generate writes a report to a duplicate of fd so that closing the report
// never closes the caller's descriptor.
func (r *Reporter) Generate(fd int, ctx *ownership.Context) error {
	dupFD, err := unix.Dup(fd)
	if err != nil {
		return core.SetLastError(core.ErrSyscall(core.CodeLogDup,
			"couldn't write memory report, failed to dup log fd", err))
	}
	f := os.NewFile(uintptr(dupFD), "memreport")
	defer f.Close()

	if err := r.Write(f, ctx); err != nil {
		return core.SetLastError(fmt.Errorf("writing memory report: %w", err))
	}
	return nil
}
