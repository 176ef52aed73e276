//go:build unix

package fault

import (
	"os"

	"golang.org/x/sys/unix"
)

// rawWrite writes b to fd without going through an *os.File.
func rawWrite(fd int, b []byte) {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
		b = b[n:]
	}
}

// crashOutputFile returns a file on a duplicate of fd, so closing it leaves
// fd open.
func crashOutputFile(fd int) (*os.File, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(dup)
	return os.NewFile(uintptr(dup), "fault-log"), nil
}
