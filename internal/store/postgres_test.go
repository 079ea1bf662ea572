package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// setupTestDB connects to TEST_DATABASE_URL and applies the schema. The
// PostgreSQL tests are skipped when it is not set.
func setupTestDB(t *testing.T) *Postgres {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	pg := NewPostgres(pool)
	require.NoError(t, pg.Migrate(ctx))
	return pg
}

func TestPostgresStore(t *testing.T) {
	pg := setupTestDB(t)
	conformance(t, pg)
}
