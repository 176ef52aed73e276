// Package procpolicy controls the process-level protections that decide
// whether a crash leaves a core file and whether a debugger may attach:
// RLIMIT_CORE and the Linux dumpable flag.
//
// The baseline core limit is captured once at startup. Disabling core dumps
// zeroes both limits; enabling them restores the baseline, so a program
// that drops the limits around sensitive work can return to exactly what it
// started with.
package procpolicy

import (
	"fmt"
	"sync"

	"github.com/hugo-lorenzo-mato/faultline/internal/core"
)

// Limits is a soft/hard pair for RLIMIT_CORE. Unlimited is reported as
// ^uint64(0) on every platform.
type Limits struct {
	Soft uint64 `json:"soft"`
	Hard uint64 `json:"hard"`
}

// Unlimited is the value of an unbounded limit.
const Unlimited = ^uint64(0)

// String formats the limits the way ulimit does.
func (l Limits) String() string {
	return fmt.Sprintf("soft=%s hard=%s", formatLimit(l.Soft), formatLimit(l.Hard))
}

func formatLimit(v uint64) string {
	if v == Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", v)
}

// system is the set of OS primitives the policy drives.
type system interface {
	coreLimit() (Limits, error)
	setCoreLimit(Limits) error
	dumpable() (bool, error)
	setDumpable(bool) error
}

// Policy holds the baseline core limit and applies policy changes.
type Policy struct {
	mu       sync.Mutex
	sys      system
	baseline Limits
	captured bool
}

// New returns a policy bound to the running process.
func New() *Policy {
	return &Policy{sys: osSystem{}}
}

// CaptureBaseline records the current core limit as the baseline restored
// by SetCoreDumpsEnabled(true).
func (p *Policy) CaptureBaseline() error {
	l, err := p.sys.coreLimit()
	if err != nil {
		return core.SetLastError(err)
	}
	p.mu.Lock()
	p.baseline = l
	p.captured = true
	p.mu.Unlock()
	return nil
}

// Baseline returns the captured baseline and whether one was captured.
func (p *Policy) Baseline() (Limits, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseline, p.captured
}

// Limits returns the current core limit.
func (p *Policy) Limits() (Limits, error) {
	l, err := p.sys.coreLimit()
	if err != nil {
		return Limits{}, core.SetLastError(err)
	}
	return l, nil
}

// SetCoreDumpsEnabled turns core dumps off by zeroing both limits, or back
// on by marking the process dumpable and restoring the baseline. Enabling
// requires a prior CaptureBaseline; without one nothing is changed and a
// config error is returned.
func (p *Policy) SetCoreDumpsEnabled(enabled bool) error {
	if !enabled {
		if err := p.sys.setCoreLimit(Limits{}); err != nil {
			return core.SetLastError(err)
		}
		return nil
	}

	baseline, captured := p.Baseline()
	if !captured {
		return core.SetLastError(core.ErrConfig(core.CodeNoBaseline,
			"core dumps cannot be re-enabled before a baseline limit is captured"))
	}

	if err := p.sys.setDumpable(true); err != nil && !core.IsCategory(err, core.ErrCatUnsupported) {
		return core.SetLastError(err)
	}

	if err := p.sys.setCoreLimit(baseline); err != nil {
		return core.SetLastError(err)
	}
	return nil
}

// DumpableFlag reports whether the process is dumpable. Only the exact
// value 1 counts; the suid-safe mode 2 is reported as not dumpable.
func (p *Policy) DumpableFlag() (bool, error) {
	d, err := p.sys.dumpable()
	if err != nil {
		return false, core.SetLastError(err)
	}
	return d, nil
}

// SetDumpableFlag sets the dumpable flag. While it is off, unprivileged
// debuggers cannot attach and no core file is written.
func (p *Policy) SetDumpableFlag(dumpable bool) error {
	return core.SetLastError(p.sys.setDumpable(dumpable))
}
