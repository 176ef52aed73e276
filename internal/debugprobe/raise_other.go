//go:build !unix

package debugprobe

import "errors"

func raiseTrap() error {
	return errors.New("SIGTRAP is not available on this platform")
}
