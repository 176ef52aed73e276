package core

import "sync/atomic"

type lastErrorBox struct {
	err error
}

var lastError atomic.Pointer[lastErrorBox]

// SetLastError records err as the most recent failure of the fault
// subsystem and returns it unchanged, so callers can write
// `return core.SetLastError(err)`. A nil err is ignored.
func SetLastError(err error) error {
	if err == nil {
		return nil
	}
	lastError.Store(&lastErrorBox{err: err})
	return err
}

// LastError returns the most recently recorded failure, or nil.
func LastError() error {
	if b := lastError.Load(); b != nil {
		return b.err
	}
	return nil
}

// LastErrorString is LastError formatted for log lines. It never returns an
// empty string so it can be used directly in "...: %s" messages.
func LastErrorString() string {
	if err := LastError(); err != nil {
		return err.Error()
	}
	return "no error"
}

// ClearLastError forgets the recorded failure.
func ClearLastError() {
	lastError.Store(nil)
}
