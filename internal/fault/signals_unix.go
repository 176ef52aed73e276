//go:build unix

package fault

import (
	"os"

	"golang.org/x/sys/unix"
)

const signalsSupported = true

var (
	fatalSignals   = []os.Signal{unix.SIGSEGV, unix.SIGBUS, unix.SIGABRT, unix.SIGFPE}
	handledSignals = append(append([]os.Signal{}, fatalSignals...), unix.SIGUSR1, unix.SIGUSR2)

	abortSignal  os.Signal = unix.SIGABRT
	segvSignal   os.Signal = unix.SIGSEGV
	panicSignal  os.Signal = unix.SIGUSR1
	reportSignal os.Signal = unix.SIGUSR2
)

// Signal names used by the CLI and the debug server.
var namedSignals = map[string]os.Signal{
	"SIGSEGV": unix.SIGSEGV,
	"SIGBUS":  unix.SIGBUS,
	"SIGABRT": unix.SIGABRT,
	"SIGFPE":  unix.SIGFPE,
	"SIGUSR1": unix.SIGUSR1,
	"SIGUSR2": unix.SIGUSR2,
}
