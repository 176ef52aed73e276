//go:build !unix

package fault

import (
	"os"
	"syscall"
)

const signalsSupported = false

var (
	fatalSignals   = []os.Signal{syscall.SIGSEGV, syscall.SIGABRT, syscall.SIGFPE}
	handledSignals = fatalSignals

	abortSignal os.Signal = syscall.SIGABRT
	segvSignal  os.Signal = syscall.SIGSEGV
	// No user signals here; these values are never delivered.
	panicSignal  os.Signal = syscall.Signal(-1)
	reportSignal os.Signal = syscall.Signal(-2)
)

var namedSignals = map[string]os.Signal{
	"SIGSEGV": syscall.SIGSEGV,
	"SIGABRT": syscall.SIGABRT,
	"SIGFPE":  syscall.SIGFPE,
}
