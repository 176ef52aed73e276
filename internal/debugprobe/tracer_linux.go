//go:build linux

package debugprobe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// TracerAttached reports whether a ptrace tracer is attached, from the
// TracerPid line of /proc/self/status.
func TracerAttached() (bool, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return false, fmt.Errorf("reading /proc/self/status: %w", err)
	}
	defer f.Close()
	return parseTracerPid(f)
}

func parseTracerPid(r io.Reader) (bool, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return false, fmt.Errorf("malformed TracerPid line: %q", line)
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("parsing TracerPid: %w", err)
		}
		return pid != 0, nil
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading /proc/self/status: %w", err)
	}
	return false, fmt.Errorf("TracerPid not found in /proc/self/status")
}
