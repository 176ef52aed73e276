package cmd

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/faultline/internal/journal"
)

func seedJournal(t *testing.T, dir string, entries ...journal.Entry) {
	t.Helper()
	store, err := journal.Open(filepath.Join(dir, ".faultline", "journal.db"))
	require.NoError(t, err)
	defer store.Close()
	for _, e := range entries {
		_, err := store.Record(context.Background(), e)
		require.NoError(t, err)
	}
}

func TestHistory_Empty(t *testing.T) {
	testEnv(t, "")
	out, err := executeCommand(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "(no faults recorded)")
}

func TestHistory_Table(t *testing.T) {
	dir := testEnv(t, "")
	code := 0
	seedJournal(t, dir,
		journal.Entry{Kind: journal.KindSignal, Signal: "segmentation fault", Program: "api", DumpPath: "/tmp/crash-1.json"},
		journal.Entry{Kind: journal.KindChild, Signal: "aborted", Program: "worker", ExitCode: &code},
	)

	out, err := executeCommand(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "segmentation fault")
	assert.Contains(t, out, "worker")
	assert.Contains(t, out, "(2 faults)")

	out, err = executeCommand(t, "history", "--kind", "child")
	require.NoError(t, err)
	assert.Contains(t, out, "worker")
	assert.NotContains(t, out, "segmentation fault")
}

func TestHistory_JSON(t *testing.T) {
	dir := testEnv(t, "")
	seedJournal(t, dir, journal.Entry{Kind: journal.KindPanic, Message: "boom"})

	out, err := executeCommand(t, "history", "-o", "json")
	require.NoError(t, err)

	var entries []journal.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Message)
}

func TestHistory_Prune(t *testing.T) {
	dir := testEnv(t, "")
	for i := 0; i < 4; i++ {
		seedJournal(t, dir, journal.Entry{Kind: journal.KindSignal})
	}

	out, err := executeCommand(t, "history", "--prune", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 3 entries")

	out, err = executeCommand(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "(1 faults)")
}

func TestHistory_UnknownFormat(t *testing.T) {
	testEnv(t, "")
	_, err := executeCommand(t, "history", "-o", "xml")
	assert.Error(t, err)
}
