// Package backtrace keeps a bounded history of the stacks that released
// tracked objects, for diagnosing double frees and use after free.
//
// Attach a marker to a long-lived object when it is created:
//
//	var sessionTraces backtrace.Handle
//
//	func newSession(parent *ownership.Context) *ownership.Context {
//		s := ownership.Alloc(parent, &Session{})
//		if _, err := backtrace.Attach(&sessionTraces, s); err != nil {
//			return nil
//		}
//		return s
//	}
//
// When the object is freed the marker's destructor captures the stack into
// the handle's ring. Later, for example from a debugger or the debug
// server, print what freed it:
//
//	sessionTraces.Print(os.Stderr, addr)
//
// Frames are stored as raw program counters and only symbolized when
// printed.
//
// Building with the nobacktrace tag replaces Attach with a version that
// aborts the process and Print with a version that reports the feature as
// unavailable.
package backtrace

const (
	// MaxFrames is the maximum number of frames captured per record.
	MaxFrames = 128

	// DefaultCapacity is the default number of records kept per handle.
	DefaultCapacity = 1 << 16
)
