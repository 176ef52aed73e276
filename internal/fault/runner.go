package fault

import (
	"errors"
	"os"
	"os/exec"
)

// ShellRunner runs the panic action with /bin/sh -c, sharing the
// process's standard streams, and waits for it.
type ShellRunner struct{}

// Run implements ActionRunner. A command killed by a signal reports -1.
func (ShellRunner) Run(command string) (int, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
