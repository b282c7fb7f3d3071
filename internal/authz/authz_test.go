package authz

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noematicsllc/cortexd/internal/errs"
	"github.com/noematicsllc/cortexd/internal/logger"
	"github.com/noematicsllc/cortexd/internal/store"
)

func newTestAuthorizer(t *testing.T) (*Authorizer, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, logger.Default()), s
}

func strp(s string) *string { return &s }

func TestRootBypassesLocalOnly(t *testing.T) {
	a, s := newTestAuthorizer(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:notes", &uid, "", []string{"id"}, store.CreateOpts{}))

	require.NoError(t, a.Authorize(0, store.LocalIdentity(0), "1000:notes", OpGet, nil))

	err := a.Authorize(0, store.LocalIdentity(0), "1000:notes", OpGet, strp("node_b"))
	require.Error(t, err)
	require.Equal(t, errs.AccessDeniedKind, errs.KindOf(err))
}

func TestOwnerAlwaysHasAccess(t *testing.T) {
	a, s := newTestAuthorizer(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:notes", &uid, "", []string{"id"}, store.CreateOpts{}))

	require.NoError(t, a.Authorize(1000, store.LocalIdentity(1000), "1000:notes", OpDropTable, nil))
}

// TestFederatedOwnerAlwaysHasAccess is spec.md §8 scenario S7: a caller
// whose effective ACL subject is the table's owning federated identity gets
// owner access even though no ACL row names it (ownership is derived, not
// stored).
func TestFederatedOwnerAlwaysHasAccess(t *testing.T) {
	a, s := newTestAuthorizer(t)
	require.NoError(t, s.CreateTable("@fed_alice:memories", nil, "fed_alice", []string{"id"}, store.CreateOpts{}))

	require.NoError(t, a.Authorize(2000, "fed_alice", "@fed_alice:memories", OpPut, nil))

	err := a.Authorize(2000, store.LocalIdentity(2000), "@fed_alice:memories", OpPut, nil)
	require.Error(t, err)
	require.Equal(t, errs.AccessDeniedKind, errs.KindOf(err))
}

func TestCrossUserIsolationThenGrant(t *testing.T) {
	a, s := newTestAuthorizer(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:notes", &uid, "", []string{"id"}, store.CreateOpts{}))

	err := a.Authorize(1001, store.LocalIdentity(1001), "1000:notes", OpGet, nil)
	require.Error(t, err)
	require.Equal(t, errs.AccessDeniedKind, errs.KindOf(err))

	require.NoError(t, s.ACLGrant("1000:notes", "uid:1001", store.NewPermissionSet(store.PermRead)))
	require.NoError(t, a.Authorize(1001, store.LocalIdentity(1001), "1000:notes", OpGet, nil))

	err = a.Authorize(1001, store.LocalIdentity(1001), "1000:notes", OpPut, nil)
	require.Error(t, err)
	require.Equal(t, errs.AccessDeniedKind, errs.KindOf(err))
}

func TestWorldReadability(t *testing.T) {
	a, s := newTestAuthorizer(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:public", &uid, "", []string{"id"}, store.CreateOpts{}))
	require.NoError(t, s.ACLGrant("1000:public", store.WorldIdentity, store.NewPermissionSet(store.PermRead)))

	require.NoError(t, a.Authorize(2000, store.LocalIdentity(2000), "1000:public", OpGet, nil))

	err := a.Authorize(2000, store.LocalIdentity(2000), "1000:public", OpPut, nil)
	require.Error(t, err)
	require.Equal(t, errs.AccessDeniedKind, errs.KindOf(err))
}

// TestProbeResistance implements spec.md §8 property 6 and S4: an
// unauthorized caller observes the identical error kind for an existing
// table it cannot access and a table that does not exist at all.
func TestProbeResistance(t *testing.T) {
	a, s := newTestAuthorizer(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:notes", &uid, "", []string{"id"}, store.CreateOpts{}))

	err1 := a.Authorize(1001, store.LocalIdentity(1001), "1000:notes", OpGet, nil)
	err2 := a.Authorize(1001, store.LocalIdentity(1001), "1000:nonexistent", OpGet, nil)

	require.Error(t, err1)
	require.Error(t, err2)
	require.Equal(t, errs.KindOf(err1), errs.KindOf(err2))
	require.Equal(t, errs.AccessDeniedKind, errs.KindOf(err1))
}

func TestLocalScopeDeniesRemoteRequester(t *testing.T) {
	a, s := newTestAuthorizer(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:local_only", &uid, "", []string{"id"}, store.CreateOpts{Scope: scopePtr(store.LocalScope())}))

	err := a.Authorize(1000, store.LocalIdentity(1000), "1000:local_only", OpGet, strp("node_b"))
	require.Error(t, err)
	require.Equal(t, errs.AccessDeniedKind, errs.KindOf(err))
}

func TestAllScopeAllowsRemoteRequester(t *testing.T) {
	a, s := newTestAuthorizer(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:shared", &uid, "", []string{"id"}, store.CreateOpts{Scope: scopePtr(store.AllScope())}))
	require.NoError(t, s.ACLGrant("1000:shared", store.WorldIdentity, store.NewPermissionSet(store.PermRead)))

	require.NoError(t, a.Authorize(1000, "node_b", "1000:shared", OpGet, strp("node_b")))
}

func TestListScopeRestrictsToNamedMembers(t *testing.T) {
	a, s := newTestAuthorizer(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:restricted", &uid, "", []string{"id"}, store.CreateOpts{Scope: scopePtr(store.ListScope([]string{"node_a"}))}))
	require.NoError(t, s.ACLGrant("1000:restricted", store.WorldIdentity, store.NewPermissionSet(store.PermRead)))

	require.NoError(t, a.Authorize(1000, "node_a", "1000:restricted", OpGet, strp("node_a")))

	err := a.Authorize(1000, "node_b", "1000:restricted", OpGet, strp("node_b"))
	require.Error(t, err)
	require.Equal(t, errs.AccessDeniedKind, errs.KindOf(err))
}

func TestUnknownOperationDenied(t *testing.T) {
	a, s := newTestAuthorizer(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:notes", &uid, "", []string{"id"}, store.CreateOpts{}))

	err := a.Authorize(1001, store.LocalIdentity(1001), "1000:notes", Operation("frobnicate"), nil)
	require.Error(t, err)
	require.Equal(t, errs.AccessDeniedKind, errs.KindOf(err))
}

func scopePtr(s store.NodeScope) *store.NodeScope { return &s }
