package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesWorkspace(t *testing.T) {
	workspace := t.TempDir()
	conn, err := Open(Config{Workspace: workspace})
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, filepath.Join(workspace, ".propwatch", "propwatch.db"), Path(workspace))
	var mode string
	require.NoError(t, conn.QueryRow("PRAGMA journal_mode").Scan(&mode))
	require.Equal(t, "wal", mode)
	var fk int
	require.NoError(t, conn.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	require.Equal(t, 1, fk)
}

func TestTransactionsTakeWriteLockAtBegin(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	first, err := Open(Config{Workspace: workspace})
	require.NoError(t, err)
	defer first.Close()
	second, err := Open(Config{Workspace: workspace, BusyTimeoutMS: 50})
	require.NoError(t, err)
	defer second.Close()

	_, err = first.Exec("CREATE TABLE counters (n INTEGER)")
	require.NoError(t, err)

	held, err := first.BeginTx(ctx, nil)
	require.NoError(t, err)

	// BEGIN IMMEDIATE on the second handle must wait for the first writer.
	_, err = second.BeginTx(ctx, nil)
	require.Error(t, err)

	require.NoError(t, held.Rollback())

	tx, err := second.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO counters (n) VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}
