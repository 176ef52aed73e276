package testutil

import (
	"flag"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var update = flag.Bool("update", false, "update golden files")

// Golden compares command and report output against files under baseDir.
type Golden struct {
	t       *testing.T
	baseDir string
}

// NewGolden creates a golden file helper rooted at baseDir, usually
// "testdata".
func NewGolden(t *testing.T, baseDir string) *Golden {
	return &Golden{
		t:       t,
		baseDir: baseDir,
	}
}

// Assert compares actual against name.golden. With -update the file is
// rewritten instead.
func (g *Golden) Assert(name string, actual []byte) {
	g.t.Helper()

	goldenPath := filepath.Join(g.baseDir, name+".golden")

	if *update {
		g.updateGolden(goldenPath, actual)
		return
	}

	expected, err := os.ReadFile(goldenPath)
	if err != nil {
		g.t.Fatalf("reading golden file %s: %v", goldenPath, err)
	}

	if Normalize(string(actual)) != Normalize(string(expected)) {
		g.t.Errorf("output mismatch for %s:\n--- expected ---\n%s\n--- actual ---\n%s",
			name, expected, actual)
	}
}

// AssertString is Assert for string output.
func (g *Golden) AssertString(name, actual string) {
	g.Assert(name, []byte(actual))
}

func (g *Golden) updateGolden(path string, actual []byte) {
	g.t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		g.t.Fatalf("creating golden directory: %v", err)
	}
	if err := os.WriteFile(path, actual, 0o644); err != nil {
		g.t.Fatalf("writing golden file: %v", err)
	}
	g.t.Logf("updated golden file: %s", path)
}

// Normalize converts line endings, strips trailing whitespace from each
// line and drops trailing newlines.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

var (
	timestampPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}[^\s]*`),
		regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}( [A-Z]{2,5})?`),
		regexp.MustCompile(`\d{2}:\d{2}:\d{2}`),
	}
	durationPattern = regexp.MustCompile(`\b(\d+(\.\d+)?(ns|us|µs|ms|s|m|h))+\b`)
	uuidPattern     = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	addrPattern     = regexp.MustCompile(`0x[0-9a-f]+`)
	pidPattern      = regexp.MustCompile(`\bpid \d+`)
)

// ScrubTimestamps replaces timestamps, including a trailing zone
// abbreviation, with [TIMESTAMP].
func ScrubTimestamps(s string) string {
	for _, re := range timestampPatterns {
		s = re.ReplaceAllString(s, "[TIMESTAMP]")
	}
	return s
}

// ScrubDurations replaces durations such as 1.5s or 2m30s.
func ScrubDurations(s string) string {
	return durationPattern.ReplaceAllString(s, "[DURATION]")
}

// ScrubPaths replaces basePath, usually a t.TempDir.
func ScrubPaths(s, basePath string) string {
	if basePath == "" {
		return s
	}
	return strings.ReplaceAll(s, basePath, "[WORKDIR]")
}

// ScrubUUIDs replaces journal entry IDs.
func ScrubUUIDs(s string) string {
	return uuidPattern.ReplaceAllString(s, "[UUID]")
}

// ScrubAddresses replaces hex addresses printed by the ownership and
// backtrace reports.
func ScrubAddresses(s string) string {
	return addrPattern.ReplaceAllString(s, "[ADDR]")
}

// ScrubPIDs replaces "pid N".
func ScrubPIDs(s string) string {
	return pidPattern.ReplaceAllString(s, "pid [PID]")
}

// ScrubAll applies every scrubber and normalizes the result.
func ScrubAll(s, basePath string) string {
	s = ScrubPaths(s, basePath)
	s = ScrubTimestamps(s)
	s = ScrubDurations(s)
	s = ScrubUUIDs(s)
	s = ScrubAddresses(s)
	s = ScrubPIDs(s)
	return Normalize(s)
}
