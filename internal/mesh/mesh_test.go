package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noematicsllc/cortexd/internal/logger"
	"github.com/noematicsllc/cortexd/internal/store"
)

func TestConvergeOnScopeChanged(t *testing.T) {
	s, err := store.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	defer s.Close()

	transport := NewLocalTransport()
	driver := NewDriver(s, transport, "node_a", []string{"node_b", "node_c"}, logger.Default())

	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:shared", &uid, "", []string{"id"}, store.CreateOpts{Scope: scopePtr(store.AllScope())}))
	driver.OnCatalogEvent(store.CatalogEvent{Kind: store.EventTableCreated, Table: "1000:shared", Scope: store.AllScope()})

	members := transport.Placement("1000:shared")
	require.ElementsMatch(t, []string{"node_a", "node_b", "node_c"}, members)
}

func TestConvergeRestrictsToListScope(t *testing.T) {
	s, err := store.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	defer s.Close()

	transport := NewLocalTransport()
	driver := NewDriver(s, transport, "node_a", []string{"node_b", "node_c"}, logger.Default())

	uid := uint64(1000)
	scope := store.ListScope([]string{"node_b"})
	require.NoError(t, s.CreateTable("1000:restricted", &uid, "", []string{"id"}, store.CreateOpts{Scope: &scope}))
	driver.OnCatalogEvent(store.CatalogEvent{Kind: store.EventTableCreated, Table: "1000:restricted", Scope: scope})

	members := transport.Placement("1000:restricted")
	require.ElementsMatch(t, []string{"node_a", "node_b"}, members)
}

func TestRepairReconverges(t *testing.T) {
	s, err := store.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	defer s.Close()

	transport := NewLocalTransport()
	driver := NewDriver(s, transport, "node_a", []string{"node_b"}, logger.Default())

	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:t", &uid, "", []string{"id"}, store.CreateOpts{Scope: scopePtr(store.AllScope())}))
	driver.Repair("1000:t")

	require.ElementsMatch(t, []string{"node_a", "node_b"}, transport.Placement("1000:t"))
}

func TestWatchClosesOnContextCancel(t *testing.T) {
	transport := NewLocalTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ch, err := transport.Watch(ctx)
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel did not close")
	}
}

// TestNodeJoinReplicatesTablesOwnedByAnyUID is spec.md §4.7 node_join: a
// joining node must receive every in-scope user table regardless of which
// local UID owns it, not only tables owned by root.
func TestNodeJoinReplicatesTablesOwnedByAnyUID(t *testing.T) {
	s, err := store.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	defer s.Close()

	transport := NewLocalTransport()
	driver := NewDriver(s, transport, "node_a", nil, logger.Default())

	uid := uint64(2000)
	require.NoError(t, s.CreateTable("2000:shared", &uid, "", []string{"id"}, store.CreateOpts{Scope: scopePtr(store.AllScope())}))

	driver.handleMembership(context.Background(), MembershipEvent{Kind: NodeJoin, Node: "node_b"})

	require.ElementsMatch(t, []string{"node_a", "node_b"}, transport.Placement("2000:shared"))
}

func scopePtr(s store.NodeScope) *store.NodeScope { return &s }
