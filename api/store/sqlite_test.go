package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"caflz/api/store"
	"caflz/api/store/ledgertest"
)

func openTestSQLite(t *testing.T) store.Ledger {
	t.Helper()
	l, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestSQLiteLedger(t *testing.T) {
	ledgertest.Run(t, openTestSQLite)
}

func TestOpenSQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caflz.db")
	l, err := store.Open(context.Background(), "sqlite://"+path)
	require.NoError(t, err)
	require.NoError(t, l.Ping(context.Background()))
	l.Close()

	// Reopening runs migrations again without error.
	l, err = store.Open(context.Background(), "sqlite://"+path)
	require.NoError(t, err)
	l.Close()
}
