// Package mesh implements the replication driver (component C7): a
// pluggable transport that keeps table placement converged across mesh
// members and reacts to catalog and membership events. The driver is
// stateless with respect to record data — it only decides which members
// should hold a replica of which table.
package mesh

import (
	"context"
	"sync"

	"github.com/noematicsllc/cortexd/internal/logger"
	"github.com/noematicsllc/cortexd/internal/store"
)

// MembershipEventKind distinguishes a mesh member coming up from going down.
type MembershipEventKind string

const (
	NodeJoin  MembershipEventKind = "node_join"
	NodeLeave MembershipEventKind = "node_leave"
)

type MembershipEvent struct {
	Kind MembershipEventKind
	Node string
}

// Transport is the pluggable replication backend. Its contract is
// deliberately narrow — spec.md §9 "Restricting the transport to those two
// verbs is the right default" — so that a transport implementation never
// needs to understand Cortex's record semantics, only which tables should
// have a copy on which members.
type Transport interface {
	// Converge ensures table has exactly the given set of member replicas,
	// adding or removing copies as needed.
	Converge(ctx context.Context, table string, members []string) error
	// Watch streams membership events until ctx is cancelled.
	Watch(ctx context.Context) (<-chan MembershipEvent, error)
}

// Driver owns table-to-node placement. It is wired into store.Store via
// OnMutation and into a Transport's Watch stream; both feed the same
// placement decisions.
type Driver struct {
	store     *store.Store
	transport Transport
	nodeName  string
	log       *logger.Logger

	mu      sync.RWMutex
	members map[string]bool // known-up mesh members, including self
}

func NewDriver(s *store.Store, t Transport, nodeName string, peers []string, log *logger.Logger) *Driver {
	members := make(map[string]bool, len(peers)+1)
	members[nodeName] = true
	for _, p := range peers {
		members[p] = true
	}
	return &Driver{store: s, transport: t, nodeName: nodeName, log: log, members: members}
}

// Run consumes the transport's membership stream until ctx is cancelled or
// the stream closes. The driver's other event source, Store catalog
// mutations, reaches it through OnCatalogEvent, which the caller installs
// as the Store's hook.
func (d *Driver) Run(ctx context.Context) error {
	events, err := d.transport.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.handleMembership(ctx, ev)
		}
	}
}

// OnCatalogEvent is installed as the Store's MutationHook. A table-create
// or scope-change converges placement immediately; a drop needs no
// placement action since the transport's Converge with an empty member
// set is implicit in the table no longer existing.
func (d *Driver) OnCatalogEvent(ev store.CatalogEvent) {
	switch ev.Kind {
	case store.EventTableCreated, store.EventScopeChanged:
		d.convergeTable(context.Background(), ev.Table, ev.Scope)
	}
}

func (d *Driver) convergeTable(ctx context.Context, table string, scope store.NodeScope) {
	d.mu.RLock()
	var eligible []string
	for m := range d.members {
		if scope.Includes(m) || m == d.nodeName {
			eligible = append(eligible, m)
		}
	}
	d.mu.RUnlock()

	if err := d.transport.Converge(ctx, table, eligible); err != nil {
		d.log.Warn("converge failed for table %s: %v", table, err)
	}
}

// handleMembership implements spec.md §4.7 node_join/node_leave.
func (d *Driver) handleMembership(ctx context.Context, ev MembershipEvent) {
	switch ev.Kind {
	case NodeJoin:
		d.mu.Lock()
		d.members[ev.Node] = true
		d.mu.Unlock()
		d.log.Info("mesh member joined: %s", ev.Node)
		d.replicateSystemTables(ctx, ev.Node)
		d.replicateUserTablesInScope(ctx, ev.Node)
	case NodeLeave:
		d.mu.Lock()
		delete(d.members, ev.Node)
		d.mu.Unlock()
		d.log.Info("mesh member left: %s (placement left to engine partition recovery)", ev.Node)
	}
}

func (d *Driver) replicateSystemTables(ctx context.Context, node string) {
	for _, sys := range []string{"cortex_meta", "cortex_acls", "cortex_identities"} {
		if err := d.transport.Converge(ctx, sys, d.allMembers()); err != nil {
			d.log.Warn("converge failed for system table %s: %v", sys, err)
		}
	}
}

// replicateUserTablesInScope implements spec.md §4.7 node_join: "for each
// user table whose scope includes m, add a replica on m" — over every
// table in the catalog, not just those owned by the local root UID.
func (d *Driver) replicateUserTablesInScope(ctx context.Context, node string) {
	tables, err := d.store.AllTables()
	if err != nil {
		return
	}
	for _, t := range tables {
		meta, err := d.store.GetTableMeta(t)
		if err != nil {
			continue
		}
		if meta.Scope.Includes(node) {
			d.convergeTable(ctx, t, meta.Scope)
		}
	}
}

func (d *Driver) allMembers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.members))
	for m := range d.members {
		out = append(out, m)
	}
	return out
}

// Repair implements spec.md §4.7 repair(table): remove and re-add replicas
// on every currently eligible member, forcing re-synchronization.
func (d *Driver) Repair(table string) {
	meta, err := d.store.GetTableMeta(table)
	if err != nil {
		return
	}
	ctx := context.Background()
	_ = d.transport.Converge(ctx, table, nil)
	d.convergeTable(ctx, table, meta.Scope)
}

func (d *Driver) ListNodes() []string { return d.allMembers() }

func (d *Driver) Status() map[string]any {
	return map[string]any{"enabled": true, "node": d.nodeName, "members": d.allMembers()}
}

func (d *Driver) SyncStatus() []any {
	members := d.allMembers()
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = map[string]any{"node": m, "up": true}
	}
	return out
}

func (d *Driver) SyncStatusTable(table string) map[string]any {
	meta, err := d.store.GetTableMeta(table)
	if err != nil {
		return map[string]any{"table": table, "replicas": []any{}}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var replicas []string
	for m := range d.members {
		if meta.Scope.Includes(m) || m == d.nodeName {
			replicas = append(replicas, m)
		}
	}
	return map[string]any{"table": table, "replicas": replicas}
}
