// Package database provides test client helpers backed by per-test schemas.
package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/database"
	"github.com/crewhq/crewd/pkg/secrets"
	"github.com/crewhq/crewd/pkg/store"
	"github.com/crewhq/crewd/test/util"
)

// NewTestClient wraps an isolated, migrated test schema in the production
// client type. Cleanup rides the test.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	db := util.SetupTestDatabase(t)
	return database.NewClientFromDB(db)
}

// NewTestStore creates a store on an isolated test schema with a fixed
// throwaway encryption key.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	box, err := secrets.NewBox(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return store.New(NewTestClient(t), box)
}
