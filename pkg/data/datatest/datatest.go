// Package datatest opens throwaway SQLite stores for tests.
package datatest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/meutraa/activitybot/pkg/data"
)

// New returns a migrated database in a temporary directory that is closed
// when the test ends.
func New(tb testing.TB) *data.Database {
	tb.Helper()

	db, err := data.Connection(data.DriverSQLite, filepath.Join(tb.TempDir(), "activity.db"))
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = db.Close() })

	require.NoError(tb, db.Migrate(context.Background()))
	return db
}

// User creates username with the given balance.
func User(tb testing.TB, db *data.Database, username string, points int64) {
	tb.Helper()

	ctx := context.Background()
	require.NoError(tb, db.CreateUser(ctx, username, username, 0))
	if points > 0 {
		_, err := db.AddPoints(ctx, username, points)
		require.NoError(tb, err)
	}
}
