package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-tasklists/pkg/docstore"
	"github.com/astromechza/automerge-tasklists/pkg/session"
	"github.com/astromechza/automerge-tasklists/pkg/store"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCommandHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"migrate", "create-list", "add-member", "show", "render", "sweep", "expire-session", "dump", "inspect"} {
		assert.True(t, names[want], want)
	}
}

func TestOperatorWorkflow(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ctl.sqlite3")
	dbFlags := []string{"--driver", "sqlite3", "--database", dbPath}
	run := func(args ...string) string {
		t.Helper()
		out, err := executeCommand(rootCmd, append(args, dbFlags...)...)
		require.NoError(t, err, out)
		return out
	}

	assert.Contains(t, run("migrate"), "migrated up")
	assert.Contains(t, run("create-list", "L", "--owner", "owner", "--items", "a,b,c"), "with 3 items")
	assert.Contains(t, run("add-member", "L", "friend"), "added friend to L")
	assert.Contains(t, run("show", "L"), "document:  none")

	db, err := store.Open(store.DriverSQLite, dbPath)
	require.NoError(t, err)
	docs := docstore.New(docstore.Options{})
	_, err = session.NewManager(db, docs, session.Options{}).Start(context.Background(), "L", "friend", "phone", session.KindActive)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out := run("show", "L")
	assert.Contains(t, out, "order:     a, b, c")
	assert.Contains(t, out, "1 sessions counted")
	assert.Contains(t, out, "friend/phone active live")

	dump := filepath.Join(dir, "L.automerge")
	assert.Contains(t, run("dump", "L", dump), "dumped")
	inspected := run("inspect", dump)
	assert.Contains(t, inspected, "order:   a, b, c")
	assert.Contains(t, inspected, `"seed order"`)
	assert.Contains(t, run("render", "L", "--format", "dot"), `digraph "log"`)

	assert.Contains(t, run("sweep"), "swept 0 sessions")
	assert.Contains(t, run("expire-session", "L", "friend", "phone", "--deactivate"), "reclaimed 1 documents")
	assert.Contains(t, run("show", "L"), "document:  none")

	_, err = executeCommand(rootCmd, append([]string{"show", "missing"}, dbFlags...)...)
	assert.ErrorIs(t, err, store.ErrListNotFound)
}
