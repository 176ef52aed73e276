//go:build !linux && !darwin

package memreport

import (
	"github.com/hugo-lorenzo-mato/faultline/internal/core"
	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
)

// Generate is unavailable without descriptor duplication; use Write.
func (r *Reporter) Generate(int, *ownership.Context) error {
	return core.SetLastError(core.ErrUnsupported(core.CodeLogDup,
		"memory reports to a descriptor are not available on this platform"))
}
