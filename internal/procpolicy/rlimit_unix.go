//go:build linux || darwin

package procpolicy

import (
	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/faultline/internal/core"
)

type osSystem struct{}

func (osSystem) coreLimit() (Limits, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rl); err != nil {
		return Limits{}, core.ErrSyscall(core.CodeCoreLimitRead, "getrlimit(RLIMIT_CORE) failed", err)
	}
	return Limits{Soft: uint64(rl.Cur), Hard: uint64(rl.Max)}, nil
}

func (osSystem) setCoreLimit(l Limits) error {
	rl := unix.Rlimit{Cur: l.Soft, Max: l.Hard}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &rl); err != nil {
		return core.ErrSyscall(core.CodeCoreLimitWrite, "setrlimit(RLIMIT_CORE) failed", err).
			WithDetail("limits", l.String())
	}
	return nil
}
