package store

import (
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/noematicsllc/cortexd/internal/errs"
)

// aclKey formats the cortex_acls row key for one (table, identity) pair. The
// "table\x00identity" layout lets DropTable prefix-scan every ACL row for a
// table without a secondary index.
func aclKey(table, identity string) []byte {
	return []byte(table + "\x00" + identity)
}

// ACLGrant implements spec.md §4.1 acl_grant: the named permissions are
// unioned into whatever the identity already holds on the table.
func (s *Store) ACLGrant(table, identity string, perms PermissionSet) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(metaBucket).Get([]byte(table)) == nil {
			return errs.NotFound("table not found: " + table)
		}
		ab := tx.Bucket(aclBucket)
		key := aclKey(table, identity)

		existing := NewPermissionSet()
		if raw := ab.Get(key); raw != nil {
			var entry ACLEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return errs.Internal(err)
			}
			existing = entry.Permissions
		}

		entry := ACLEntry{Table: table, Identity: identity, Permissions: existing.Union(perms)}
		raw, err := json.Marshal(entry)
		if err != nil {
			return errs.Internal(err)
		}
		return ab.Put(key, raw)
	})
}

// ACLRevoke implements spec.md §4.1 acl_revoke: the named permissions are
// subtracted from the identity's row; a row pruned to empty is deleted
// entirely rather than left as an empty grant.
func (s *Store) ACLRevoke(table, identity string, perms PermissionSet) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(metaBucket).Get([]byte(table)) == nil {
			return errs.NotFound("table not found: " + table)
		}
		ab := tx.Bucket(aclBucket)
		key := aclKey(table, identity)

		raw := ab.Get(key)
		if raw == nil {
			return nil // revoking a permission nobody holds is a no-op, not an error
		}
		var entry ACLEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return errs.Internal(err)
		}
		entry.Permissions = entry.Permissions.Subtract(perms)
		if len(entry.Permissions) == 0 {
			return ab.Delete(key)
		}
		out, err := json.Marshal(entry)
		if err != nil {
			return errs.Internal(err)
		}
		return ab.Put(key, out)
	})
}

// ACLCheck reports whether identity (or the world identity "*") holds perm
// on table. Used by internal/authz's identity gate.
func (s *Store) ACLCheck(table, identity string, perm Permission) (bool, error) {
	var has bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		ab := tx.Bucket(aclBucket)
		for _, id := range []string{identity, WorldIdentity} {
			raw := ab.Get(aclKey(table, id))
			if raw == nil {
				continue
			}
			var entry ACLEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return errs.Internal(err)
			}
			if entry.Permissions.Has(perm) {
				has = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return has, nil
}

// ACLList implements spec.md §4.1 acl_list: every (identity, permissions)
// row granted on table.
func (s *Store) ACLList(table string) ([]ACLEntry, error) {
	var out []ACLEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(metaBucket).Get([]byte(table)) == nil {
			return errs.NotFound("table not found: " + table)
		}
		ab := tx.Bucket(aclBucket)
		prefix := []byte(table + "\x00")
		c := ab.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry ACLEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return errs.Internal(err)
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetNodeScope implements spec.md §4.1 set_scope.
func (s *Store) SetNodeScope(table string, scope NodeScope) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		raw := mb.Get([]byte(table))
		if raw == nil {
			return errs.NotFound("table not found: " + table)
		}
		var meta TableMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return errs.Internal(err)
		}
		meta.Scope = scope
		out, err := json.Marshal(meta)
		if err != nil {
			return errs.Internal(err)
		}
		return mb.Put([]byte(table), out)
	})
	if err != nil {
		return err
	}
	s.notify(CatalogEvent{Kind: EventScopeChanged, Table: table, Scope: scope})
	return nil
}

// GetNodeScope implements spec.md §4.1 get_scope.
func (s *Store) GetNodeScope(table string) (NodeScope, error) {
	meta, err := s.GetTableMeta(table)
	if err != nil {
		return NodeScope{}, err
	}
	return meta.Scope, nil
}

// TableInfo implements spec.md §4.1 table_info: the full catalog row.
func (s *Store) TableInfo(table string) (*TableMeta, error) {
	return s.GetTableMeta(table)
}
