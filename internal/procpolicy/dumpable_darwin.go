//go:build darwin

package procpolicy

import "github.com/hugo-lorenzo-mato/faultline/internal/core"

func (osSystem) dumpable() (bool, error) {
	return false, core.ErrUnsupported(core.CodeDumpableUnsup, "dumpable flag is only available on linux")
}

func (osSystem) setDumpable(bool) error {
	return core.ErrUnsupported(core.CodeDumpableUnsup, "dumpable flag is only available on linux")
}
