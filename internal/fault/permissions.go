package fault

import (
	"bytes"
	"fmt"
	"os"

	"github.com/hugo-lorenzo-mato/faultline/internal/core"
)

// checkPermissions refuses a panic action whose executable is world
// writable. The executable is the text up to the first space; quoting is
// not understood. A path that cannot be stat'ed is accepted.
func checkPermissions(action []byte, scratch *[filenameSize]byte) error {
	path := action
	if i := bytes.IndexByte(action, ' '); i >= 0 {
		if i >= len(scratch) {
			return core.ErrConfig(core.CodePanicActionTruncated,
				"failed writing panic action to temporary buffer (truncated)")
		}
		n := copy(scratch[:], action[:i])
		path = scratch[:n]
	}
	if len(path) == 0 {
		return nil
	}

	fi, err := os.Stat(string(path))
	if err != nil {
		return nil
	}
	if fi.Mode().Perm()&0o002 != 0 {
		return core.ErrPermission(core.CodePanicActionWritable,
			fmt.Sprintf("panic action file %q is globally writable", path))
	}
	return nil
}

// CompileAction expands %e in command with program and runs the permission
// check, without installing anything. It returns the compiled action.
func CompileAction(command, program string) (string, error) {
	var compiled [PanicActionSize]byte
	n, ok := expandToken(compiled[:], []byte(command), 'e', []byte(program))
	if !ok {
		return "", core.ErrConfig(core.CodePanicActionTooLong, "Panic action too long").
			WithDetail("max", PanicActionSize-1)
	}
	var scratch [filenameSize]byte
	if err := checkPermissions(compiled[:n], &scratch); err != nil {
		return string(compiled[:n]), err
	}
	return string(compiled[:n]), nil
}
