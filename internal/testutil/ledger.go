package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/depositops/internal/store"
)

// NewLedger opens a migrated SQLite ledger in a temp dir that is removed
// when the test ends.
func NewLedger(t *testing.T) *store.SQLite {
	t.Helper()

	ctx := context.Background()
	db, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	return db
}
