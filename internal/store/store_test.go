package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noematicsllc/cortexd/internal/errs"
	"github.com/noematicsllc/cortexd/internal/logger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreatePutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	uid := uint64(1000)

	require.NoError(t, s.CreateTable("1000:users", &uid, "", []string{"id", "name"}, CreateOpts{}))
	require.NoError(t, s.Put("1000:users", map[string]any{"id": "u1", "name": "alice"}))

	rec, err := s.Get("1000:users", "u1")
	require.NoError(t, err)
	require.Equal(t, "alice", rec["name"])
}

func TestMatchEmptyPatternEqualsAll(t *testing.T) {
	s := openTestStore(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:notes", &uid, "", []string{"id"}, CreateOpts{}))
	require.NoError(t, s.Put("1000:notes", map[string]any{"id": "a"}))
	require.NoError(t, s.Put("1000:notes", map[string]any{"id": "b"}))

	all, err := s.All("1000:notes")
	require.NoError(t, err)
	matched, err := s.Match("1000:notes", map[string]any{})
	require.NoError(t, err)
	require.ElementsMatch(t, all, matched)
}

func TestMatchArrayMembership(t *testing.T) {
	s := openTestStore(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:tags", &uid, "", []string{"id", "labels"}, CreateOpts{}))
	require.NoError(t, s.Put("1000:tags", map[string]any{"id": "a", "labels": []any{"x", "y"}}))
	require.NoError(t, s.Put("1000:tags", map[string]any{"id": "b", "labels": []any{"z"}}))

	matched, err := s.Match("1000:tags", map[string]any{"labels": "x"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "a", matched[0]["id"])
}

func TestMatchMissingFieldNeverMatches(t *testing.T) {
	s := openTestStore(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:things", &uid, "", []string{"id"}, CreateOpts{}))
	require.NoError(t, s.Put("1000:things", map[string]any{"id": "a"}))

	matched, err := s.Match("1000:things", map[string]any{"missing": "x"})
	require.NoError(t, err)
	require.Empty(t, matched)
}

func TestACLGrantIsIdempotentUnionAndRevokeToEmptyDeletes(t *testing.T) {
	s := openTestStore(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:shared", &uid, "", []string{"id"}, CreateOpts{}))

	require.NoError(t, s.ACLGrant("1000:shared", "uid:1001", NewPermissionSet(PermRead)))
	require.NoError(t, s.ACLGrant("1000:shared", "uid:1001", NewPermissionSet(PermRead)))

	entries, err := s.ACLList("1000:shared")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Permissions.Has(PermRead))

	require.NoError(t, s.ACLRevoke("1000:shared", "uid:1001", NewPermissionSet(PermRead)))
	entries, err = s.ACLList("1000:shared")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDropTableRemovesACLRows(t *testing.T) {
	s := openTestStore(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:temp", &uid, "", []string{"id"}, CreateOpts{}))
	require.NoError(t, s.ACLGrant("1000:temp", "*", NewPermissionSet(PermRead)))

	require.NoError(t, s.DropTable("1000:temp"))

	_, err := s.GetTableMeta("1000:temp")
	require.Error(t, err)
	require.Equal(t, errs.NotFoundKind, errs.KindOf(err))

	require.NoError(t, s.CreateTable("1000:temp", &uid, "", []string{"id"}, CreateOpts{}))
	entries, err := s.ACLList("1000:temp")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPutMissingKeyField(t *testing.T) {
	s := openTestStore(t)
	uid := uint64(1000)
	require.NoError(t, s.CreateTable("1000:users", &uid, "", []string{"id", "name"}, CreateOpts{}))

	err := s.Put("1000:users", map[string]any{"name": "alice"})
	require.Error(t, err)
	require.Equal(t, errs.MissingKeyKind, errs.KindOf(err))
}

func TestFederatedIdentityClaimRoundTrip(t *testing.T) {
	s := openTestStore(t)
	codec := NewJWTClaimCodec([]byte("test-secret"), 0)

	fedID, token, err := s.RegisterIdentity(codec, "node_a", 1000)
	require.NoError(t, err)
	require.NotEmpty(t, fedID)

	claimed, err := s.ClaimIdentity(codec, token, "node_b", 1001)
	require.NoError(t, err)
	require.Equal(t, fedID, claimed)

	got, ok := s.LookupFederated("node_a", 1000)
	require.True(t, ok)
	require.Equal(t, fedID, got)

	got, ok = s.LookupFederated("node_b", 1001)
	require.True(t, ok)
	require.Equal(t, fedID, got)
}

func TestResolveNameShortAndFederated(t *testing.T) {
	s := openTestStore(t)

	name, err := ResolveName(1000, "", "users", s.Exists)
	require.NoError(t, err)
	require.Equal(t, "1000:users", name)

	_, err = ResolveName(1000, "", "@alice", s.Exists)
	require.Error(t, err)
	require.Equal(t, errs.FederatedIdentityRequiredKind, errs.KindOf(err))

	name, err = ResolveName(1000, "alice", "@memories", s.Exists)
	require.NoError(t, err)
	require.Equal(t, "@alice:memories", name)

	_, err = ResolveName(1000, "", "1999:unknown", s.Exists)
	require.Error(t, err)
	require.Equal(t, errs.NotFoundKind, errs.KindOf(err))
}
