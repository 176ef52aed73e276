package fault

import (
	"fmt"
	"os"
	"strings"
)

// isAdvisory reports whether sig returns to the program after the
// protocol instead of ending it.
func isAdvisory(sig os.Signal) bool {
	return sig == panicSignal || sig == reportSignal
}

func isReportSignal(sig os.Signal) bool {
	return sig == reportSignal
}

// PanicSignal is the advisory signal that runs the protocol and returns.
func PanicSignal() os.Signal { return panicSignal }

// ReportSignal is the advisory signal that writes a memory report.
func ReportSignal() os.Signal { return reportSignal }

// ParseSignal maps a name such as "SIGSEGV" or "segv" to a handled signal.
func ParseSignal(name string) (os.Signal, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(key, "SIG") {
		key = "SIG" + key
	}
	if sig, ok := namedSignals[key]; ok {
		return sig, nil
	}
	return nil, fmt.Errorf("unknown or unhandled signal %q", name)
}
