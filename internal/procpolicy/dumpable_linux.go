//go:build linux

package procpolicy

import (
	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/faultline/internal/core"
)

func (osSystem) dumpable() (bool, error) {
	r1, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_GET_DUMPABLE, 0, 0)
	if errno != 0 {
		return false, core.ErrSyscall(core.CodeDumpableGet, "prctl(PR_GET_DUMPABLE) failed", errno)
	}
	return r1 == 1, nil
}

func (osSystem) setDumpable(dumpable bool) error {
	var v uintptr
	if dumpable {
		v = 1
	}
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, v, 0, 0, 0); err != nil {
		return core.ErrSyscall(core.CodeDumpableSet, "prctl(PR_SET_DUMPABLE) failed", err).
			WithDetail("value", v)
	}
	return nil
}
