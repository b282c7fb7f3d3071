// Package authz implements the Cortex two-gate authorization check
// (component C2): a node-scope gate followed by an identity/ACL gate, with
// a uniform access_denied outcome so an unauthorized caller cannot probe
// table existence.
package authz

import (
	"github.com/noematicsllc/cortexd/internal/errs"
	"github.com/noematicsllc/cortexd/internal/logger"
	"github.com/noematicsllc/cortexd/internal/store"
)

// Operation is one of the dispatch table's method names, used only to
// derive the required permission; unknown operations are always denied.
type Operation string

const (
	OpGet        Operation = "get"
	OpMatch      Operation = "match"
	OpAll        Operation = "all"
	OpKeys       Operation = "keys"
	OpPut        Operation = "put"
	OpDelete     Operation = "delete"
	OpACLGrant   Operation = "acl_grant"
	OpACLRevoke  Operation = "acl_revoke"
	OpDropTable  Operation = "drop_table"
	OpSetScope   Operation = "set_scope"
	OpACLList    Operation = "acl_list"
	OpTableInfo  Operation = "table_info"
	OpGetScope   Operation = "get_scope"
)

// requiredPermission maps an operation to the permission the identity gate
// checks for, per spec.md §4.2 step 3. Read-only catalog introspection
// (acl_list, table_info, get_scope) requires read, matching the permission
// an operator would already need to know a table's shape.
func requiredPermission(op Operation) (store.Permission, bool) {
	switch op {
	case OpGet, OpMatch, OpAll, OpKeys, OpACLList, OpTableInfo, OpGetScope:
		return store.PermRead, true
	case OpPut, OpDelete:
		return store.PermWrite, true
	case OpACLGrant, OpACLRevoke, OpDropTable, OpSetScope:
		return store.PermAdmin, true
	default:
		return "", false
	}
}

// Authorizer runs the two-gate algorithm against a Store's catalog.
type Authorizer struct {
	store *store.Store
	log   *logger.Logger
}

func New(s *store.Store, log *logger.Logger) *Authorizer {
	return &Authorizer{store: s, log: log}
}

// Authorize implements spec.md §4.2 authorize(caller_uid, table, operation,
// requesting_node?). requestingNode is nil for a local (Unix-socket)
// caller and holds the TLS peer's certificate CN for a remote caller.
// effectiveIdentity is the ACL subject to check — ordinarily
// store.LocalIdentity(callerUID), but the caller's federated identity when
// one has been resolved (spec.md §4.3's resolve_federated surfacing).
func (a *Authorizer) Authorize(callerUID uint64, effectiveIdentity, table string, op Operation, requestingNode *string) error {
	if callerUID == 0 && requestingNode == nil {
		return nil // root, local transport only (spec.md §3 invariant 5)
	}

	meta, metaErr := a.store.GetTableMeta(table)
	if metaErr != nil {
		// Uniform denial regardless of why the lookup failed, per spec.md
		// §4.2 step 2's "table does not exist -> access_denied" and the
		// probe-resistance property in §8.
		a.log.Debug("authorize: table %s unknown to caller_uid=%d", table, callerUID)
		return errs.AccessDenied("access denied")
	}

	if err := a.checkNodeScope(meta, requestingNode); err != nil {
		return err
	}

	if meta.OwnedBy(callerUID, effectiveIdentity) {
		return nil
	}

	perm, known := requiredPermission(op)
	if !known {
		a.log.Warn("authorize: unknown operation %q denied for caller_uid=%d table=%s", op, callerUID, table)
		return errs.AccessDenied("access denied")
	}

	ok, err := a.store.ACLCheck(table, effectiveIdentity, perm)
	if err != nil {
		return errs.Internal(err)
	}
	if !ok {
		return errs.AccessDenied("access denied")
	}
	return nil
}

// checkNodeScope implements spec.md §4.2 step 2.
func (a *Authorizer) checkNodeScope(meta *store.TableMeta, requestingNode *string) error {
	if requestingNode == nil {
		return nil
	}
	switch meta.Scope.Kind {
	case store.ScopeAll:
		return nil
	case store.ScopeLocal:
		return errs.AccessDenied("access denied")
	case store.ScopeList:
		if meta.Scope.Includes(*requestingNode) {
			return nil
		}
		return errs.AccessDenied("access denied")
	default:
		return errs.AccessDenied("access denied")
	}
}
