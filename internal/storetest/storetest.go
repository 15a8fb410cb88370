// Package storetest builds a throwaway, fully-migrated store.Store backed
// by an in-memory SQLite database, for use by other packages' tests. It is
// not a _test.go file because it is imported across package boundaries
// (store, auth, tools, dispatch, runner all need one).
package storetest

import (
	"testing"

	"github.com/agorai/bridge/internal/eventbus"
	"github.com/agorai/bridge/internal/store"
)

// New opens an in-memory, migrated store wired to a fresh event bus. The
// single-connection pool OpenDB configures keeps the in-memory database
// alive for the lifetime of the returned *store.Store.
func New(t *testing.T) (*store.Store, *eventbus.Bus) {
	t.Helper()
	db, err := store.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("storetest: open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bus := eventbus.New(nil)
	return store.New(db, bus, nil), bus
}
