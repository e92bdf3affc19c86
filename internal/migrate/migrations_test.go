package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"switchyard/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	defer conn.Close()

	v1, err := Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, 2, v1)

	v2, err := Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, v1, v2)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n))
	require.Zero(t, n)
}
