// Package store implements the Cortex record store (spec.md §4.1, component
// C1): the table catalog, per-table records, ACLs, and federated identities,
// all backed by a single go.etcd.io/bbolt database file so that every
// catalog-mutating operation runs inside one ACID transaction.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"go.etcd.io/bbolt"

	"github.com/noematicsllc/cortexd/internal/errs"
	"github.com/noematicsllc/cortexd/internal/logger"
)

var (
	metaBucket  = []byte("cortex_meta")
	aclBucket   = []byte("cortex_acls")
	identBucket = []byte("cortex_identities")
)

// Store is the single in-process record-store engine. All its exported
// methods are safe for concurrent use; bbolt serializes writers internally
// (spec.md §5 "Catalog mutations ... are serialized by the underlying
// transactional engine").
type Store struct {
	db     *bbolt.DB
	log    *logger.Logger
	onMut  MutationHook // optional: notifies the replication driver (C7)
}

// MutationHook is called after a catalog mutation commits, letting the
// replication driver react without the store importing internal/mesh
// (spec.md §4.7 "driven by catalog mutations").
type MutationHook func(event CatalogEvent)

type CatalogEventKind string

const (
	EventTableCreated    CatalogEventKind = "table_created"
	EventTableDropped    CatalogEventKind = "table_dropped"
	EventScopeChanged    CatalogEventKind = "scope_changed"
)

type CatalogEvent struct {
	Kind  CatalogEventKind
	Table string
	Scope NodeScope
}

func Open(dataDir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "cortex.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{metaBucket, aclBucket, identBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// OnMutation installs the replication driver's catalog-event hook.
func (s *Store) OnMutation(hook MutationHook) { s.onMut = hook }

func (s *Store) notify(ev CatalogEvent) {
	if s.onMut != nil {
		s.onMut(ev)
	}
}

// Exists reports whether a fully-resolved internal table name has a
// cortex_meta entry. Used by ResolveName to refuse minting symbolic names
// for unknown fully-qualified table references (spec.md §4.1).
func (s *Store) Exists(name string) bool {
	_, err := s.GetTableMeta(name)
	return err == nil
}

func (s *Store) GetTableMeta(name string) (*TableMeta, error) {
	var meta TableMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get([]byte(name))
		if raw == nil {
			return errs.NotFound("table not found: " + name)
		}
		return json.Unmarshal(raw, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// CreateOpts carries the optional scope/home-node arguments of create_table.
type CreateOpts struct {
	Scope    *NodeScope
	NodeName string
}

// CreateTable implements spec.md §4.1 create_table. name must already be a
// resolved internal name (see ResolveName); ownerUID xor ownerFed identifies
// the table's owner.
func (s *Store) CreateTable(name string, ownerUID *uint64, ownerFed string, attrs []string, opts CreateOpts) error {
	if len(attrs) == 0 {
		return errs.InvalidParams("create_table requires a non-empty attribute list")
	}
	for _, a := range attrs {
		if err := ValidateAttributeName(a); err != nil {
			return err
		}
	}

	scope := LocalScope()
	if opts.Scope != nil {
		scope = *opts.Scope
	}

	meta := &TableMeta{
		Name:       name,
		OwnerUID:   ownerUID,
		OwnerFed:   ownerFed,
		KeyField:   attrs[0],
		Attributes: attrs,
		Scope:      scope,
		CreatedAt:  time.Now(),
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return errs.Internal(err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if mb.Get([]byte(name)) != nil {
			return errs.AlreadyExists("table already exists: " + name)
		}
		if err := mb.Put([]byte(name), rawMeta); err != nil {
			return errs.Internal(err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return errs.Internal(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("created table %s (owner_uid=%v owner_fed=%q scope=%s)", name, ownerUID, ownerFed, scope.Kind)
	s.notify(CatalogEvent{Kind: EventTableCreated, Table: name, Scope: scope})
	return nil
}

// DropTable implements spec.md §4.1 drop_table. Per spec.md §3 invariant 1
// and §9 "Catalog + table drop race", ACL rows are deleted before the meta
// row, inside the same transaction that also removes the table's bucket, so
// a concurrent ACLGrant cannot land on a freshly dropped table.
func (s *Store) DropTable(name string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if mb.Get([]byte(name)) == nil {
			return errs.NotFound("table not found: " + name)
		}

		ab := tx.Bucket(aclBucket)
		var toDelete [][]byte
		prefix := []byte(name + "\x00")
		c := ab.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := ab.Delete(k); err != nil {
				return errs.Internal(err)
			}
		}

		if err := mb.Delete([]byte(name)); err != nil {
			return errs.Internal(err)
		}
		if err := tx.DeleteBucket([]byte(name)); err != nil && err != bbolt.ErrBucketNotFound {
			return errs.Internal(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("dropped table %s", name)
	s.notify(CatalogEvent{Kind: EventTableDropped, Table: name})
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Put implements spec.md §4.1 put.
func (s *Store) Put(table string, record map[string]any) error {
	meta, err := s.GetTableMeta(table)
	if err != nil {
		return err
	}

	keyVal, ok := record[meta.KeyField]
	if !ok {
		return errs.MissingKey("record missing key field " + meta.KeyField)
	}
	key := valueToKeyString(keyVal)

	raw, err := json.Marshal(record)
	if err != nil {
		return errs.Internal(err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return errs.NotFound("table not found: " + table)
		}
		return b.Put([]byte(key), raw)
	})
}

// Get implements spec.md §4.1 get.
func (s *Store) Get(table, key string) (map[string]any, error) {
	var record map[string]any
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return errs.NotFound("table not found: " + table)
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return errs.NotFound("key not found: " + key)
		}
		return json.Unmarshal(raw, &record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Delete implements spec.md §4.1 delete.
func (s *Store) Delete(table, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return errs.NotFound("table not found: " + table)
		}
		if b.Get([]byte(key)) == nil {
			return errs.NotFound("key not found: " + key)
		}
		return b.Delete([]byte(key))
	})
}

// All implements spec.md §4.1 all.
func (s *Store) All(table string) ([]map[string]any, error) {
	return s.Match(table, nil)
}

// Keys implements spec.md §4.1 keys.
func (s *Store) Keys(table string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return errs.NotFound("table not found: " + table)
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Match implements spec.md §4.1 match. A nil/empty pattern matches every
// record (spec.md §8 invariant 9: match(table, {}) == all(table)). There are
// no secondary indexes; this is the documented O(n) scan (spec.md §4.1).
func (s *Store) Match(table string, pattern map[string]any) ([]map[string]any, error) {
	if len(pattern) > 0 {
		// Give pattern values the same JSON-decoded shapes as stored records.
		raw, err := json.Marshal(pattern)
		if err != nil {
			return nil, errs.InvalidParams("pattern is not JSON-encodable")
		}
		pattern = nil
		if err := json.Unmarshal(raw, &pattern); err != nil {
			return nil, errs.Internal(err)
		}
	}
	var out []map[string]any
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return errs.NotFound("table not found: " + table)
		}
		return b.ForEach(func(_, raw []byte) error {
			var record map[string]any
			if err := json.Unmarshal(raw, &record); err != nil {
				return errs.Internal(err)
			}
			if matchesPattern(record, pattern) {
				out = append(out, record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// matchesPattern implements the two refinements of spec.md §4.1: an array
// field matches a scalar pattern value by membership, and a pattern key
// absent from the record never matches.
func matchesPattern(record, pattern map[string]any) bool {
	for k, want := range pattern {
		got, present := record[k]
		if !present {
			return false
		}
		if arr, isArr := got.([]any); isArr {
			if _, wantIsArr := want.([]any); !wantIsArr {
				if !containsValue(arr, want) {
					return false
				}
				continue
			}
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func containsValue(arr []any, want any) bool {
	for _, v := range arr {
		if valuesEqual(v, want) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	// Both sides are JSON round-tripped, so numbers are float64 regardless
	// of source representation; arrays and maps compare element-wise.
	af, aIsNum := a.(float64)
	bf, bIsNum := b.(float64)
	if aIsNum && bIsNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func valueToKeyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return trimFloat(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// AllTables lists every table name in cortex_meta regardless of owner,
// for catalog-wide operations like mesh replication that must see every
// table whose scope includes a joining node, not just one caller's own.
func (s *Store) AllTables() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Tables lists the caller's own tables plus any federated tables it owns
// (spec.md §6 `tables`).
func (s *Store) Tables(callerUID uint64, fedID string) ([]string, error) {
	ownPrefix := []byte(LocalIdentity(callerUID)[len("uid:"):] + ":")
	var fedPrefix []byte
	if fedID != "" {
		fedPrefix = []byte("@" + fedID + ":")
	}

	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, _ []byte) error {
			if hasPrefix(k, ownPrefix) || (fedPrefix != nil && hasPrefix(k, fedPrefix)) {
				out = append(out, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
