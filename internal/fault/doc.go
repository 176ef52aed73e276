// Package fault installs handlers for fatal signals and runs the panic
// protocol when one arrives: log the signal, check that the panic action is
// safe to run, call the pre-panic callback, print the stack and every
// goroutine, run the operator's panic action with the debugger-attach
// policy temporarily relaxed, then exit.
//
// Go delivers signals to a channel, so the handler is a goroutine owned by
// the Controller. Faults raised by Go code itself surface as runtime
// panics; defer Controller.Recover at the top of a goroutine to route them
// into the same protocol.
//
// The panic action is a shell command. %e is replaced with the program name
// when the action is configured and %p with the process id when it runs:
//
//	c := fault.New(fault.WithLogger(logger))
//	if err := c.Setup("gdb --batch -x /etc/gdbcmds -p %p", os.Args[0]); err != nil {
//		return err
//	}
//	defer c.Close()
//
// SIGUSR1 runs the protocol and returns, SIGUSR2 only writes a memory
// report. Every other handled signal ends the process with status 1.
package fault
