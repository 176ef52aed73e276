//go:build !linux && !darwin

package procpolicy

import "github.com/hugo-lorenzo-mato/faultline/internal/core"

type osSystem struct{}

func (osSystem) coreLimit() (Limits, error) {
	return Limits{}, core.ErrUnsupported(core.CodeCoreLimitUnsup, "core limits are not available on this platform")
}

func (osSystem) setCoreLimit(Limits) error {
	return core.ErrUnsupported(core.CodeCoreLimitUnsup, "core limits are not available on this platform")
}

func (osSystem) dumpable() (bool, error) {
	return false, core.ErrUnsupported(core.CodeDumpableUnsup, "dumpable flag is not available on this platform")
}

func (osSystem) setDumpable(bool) error {
	return core.ErrUnsupported(core.CodeDumpableUnsup, "dumpable flag is not available on this platform")
}
