package conn

import (
	"time"

	"github.com/noematicsllc/cortexd/internal/authz"
	"github.com/noematicsllc/cortexd/internal/errs"
	"github.com/noematicsllc/cortexd/internal/store"
	"github.com/noematicsllc/cortexd/internal/wire"
)

type methodFunc func(h *Handler, req *wire.Request) (any, error)

// methods is the fixed dispatch table named in spec.md §4.5. Every entry
// validates its own params before touching the store.
var methods map[string]methodFunc

func init() {
	methods = map[string]methodFunc{
		"ping":                      mPing,
		"status":                    mStatus,
		"tables":                    mTables,
		"create_table":              mCreateTable,
		"drop_table":                mDropTable,
		"put":                       mPut,
		"get":                       mGet,
		"delete":                    mDelete,
		"match":                     mMatch,
		"all":                       mAll,
		"keys":                      mKeys,
		"acl_grant":                 mACLGrant,
		"acl_revoke":                mACLRevoke,
		"acl_list":                  mACLList,
		"get_scope":                 mGetScope,
		"set_scope":                 mSetScope,
		"table_info":                mTableInfo,
		"identity_register":         mIdentityRegister,
		"identity_claim":            mIdentityClaim,
		"identity_list":             mIdentityList,
		"identity_revoke":           mIdentityRevoke,
		"mesh_list_nodes":           mMeshListNodes,
		"mesh_status":               mMeshStatus,
		"sync_status":               mSyncStatus,
		"sync_status_table":         mSyncStatusTable,
		"sync_repair":               mSyncRepair,
	}
}

func argString(params []any, i int) (string, error) {
	if i >= len(params) {
		return "", errs.InvalidParams("missing argument")
	}
	s, ok := params[i].(string)
	if !ok {
		return "", errs.InvalidParams("argument must be a string")
	}
	return s, nil
}

func argStringOpt(params []any, i int, def string) string {
	if i >= len(params) {
		return def
	}
	s, ok := params[i].(string)
	if !ok {
		return def
	}
	return s
}

func argMap(params []any, i int) (map[string]any, error) {
	if i >= len(params) {
		return nil, errs.InvalidParams("missing argument")
	}
	m, ok := params[i].(map[string]any)
	if !ok {
		return nil, errs.InvalidParams("argument must be a map")
	}
	return m, nil
}

func argStrings(params []any, i int) ([]string, error) {
	if i >= len(params) {
		return nil, errs.InvalidParams("missing argument")
	}
	raw, ok := params[i].([]any)
	if !ok {
		return nil, errs.InvalidParams("argument must be an array")
	}
	out := make([]string, len(raw))
	for j, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, errs.InvalidParams("array element must be a string")
		}
		out[j] = s
	}
	return out, nil
}

func (h *Handler) resolveName(raw string) (string, error) {
	return store.ResolveName(h.identity.UID, h.callerFedID(), raw, h.deps.Store.Exists)
}

func (h *Handler) callerFedID() string {
	if fedID, ok := h.deps.Store.LookupFederated(h.deps.NodeName, h.identity.UID); ok {
		return fedID
	}
	return ""
}

func (h *Handler) authorize(table string, op authz.Operation) error {
	return h.deps.Authz.Authorize(h.identity.UID, h.subject, table, op, h.requestingNode())
}

func mPing(h *Handler, req *wire.Request) (any, error) { return "pong", nil }

func mStatus(h *Handler, req *wire.Request) (any, error) {
	tables, err := h.deps.Store.Tables(h.identity.UID, h.callerFedID())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"version": "1.0",
		"status":  "ok",
		"node":    h.deps.NodeName,
		"tables":  tables,
		"uptime":  time.Since(h.deps.StartedAt).Seconds(),
	}, nil
}

func mTables(h *Handler, req *wire.Request) (any, error) {
	return h.deps.Store.Tables(h.identity.UID, h.callerFedID())
}

func mCreateTable(h *Handler, req *wire.Request) (any, error) {
	rawName, err := argString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	attrs, err := argStrings(req.Params, 1)
	if err != nil {
		return nil, err
	}

	var scope *store.NodeScope
	if len(req.Params) > 2 {
		scopeStr, err := argString(req.Params, 2)
		if err != nil {
			return nil, err
		}
		parsed, err := parseScope(scopeStr)
		if err != nil {
			return nil, err
		}
		scope = &parsed
	}

	name, err := resolveNewName(h, rawName)
	if err != nil {
		return nil, err
	}

	var ownerUID *uint64
	var ownerFed string
	if fedID := h.callerFedID(); fedID != "" && hasFedPrefix(name, fedID) {
		ownerFed = fedID
	} else {
		uid := h.identity.UID
		ownerUID = &uid
	}

	if err := h.deps.Store.CreateTable(name, ownerUID, ownerFed, attrs, store.CreateOpts{Scope: scope, NodeName: h.deps.NodeName}); err != nil {
		return nil, err
	}
	return "created", nil
}

// resolveNewName differs from Handler.resolveName: create_table is allowed
// to mint a fresh "@fed:name" for the caller's own federated identity even
// though the table does not exist yet, but a fully-qualified literal name
// still must not be mintable out of thin air.
func resolveNewName(h *Handler, raw string) (string, error) {
	fedID := h.callerFedID()
	return store.ResolveName(h.identity.UID, fedID, raw, func(name string) bool {
		return (fedID != "" && hasFedPrefix(name, fedID)) || h.deps.Store.Exists(name)
	})
}

func hasFedPrefix(name, fedID string) bool {
	prefix := "@" + fedID + ":"
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

func mDropTable(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpDropTable); err != nil {
		return nil, err
	}
	if err := h.deps.Store.DropTable(name); err != nil {
		return nil, err
	}
	return "dropped", nil
}

// tableArg resolves argument i as a table name the caller may reference. A
// fully-qualified name that doesn't exist fails resolution before authorize
// ever runs; surfacing that as not_found would let an unauthorized caller
// distinguish a nonexistent cross-namespace table from one it simply can't
// see, weakening the access_denied probe-resistance authorize() otherwise
// guarantees for every table reference (spec.md §7/§8 invariant 6). Fold it
// into the same access_denied outcome.
func tableArg(h *Handler, req *wire.Request, i int) (string, error) {
	raw, err := argString(req.Params, i)
	if err != nil {
		return "", err
	}
	name, err := h.resolveName(raw)
	if err != nil {
		if errs.KindOf(err) == errs.NotFoundKind {
			return "", errs.AccessDenied("access denied")
		}
		return "", err
	}
	return name, nil
}

func mPut(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	record, err := argMap(req.Params, 1)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpPut); err != nil {
		return nil, err
	}
	if err := h.deps.Store.Put(name, record); err != nil {
		return nil, err
	}
	return "ok", nil
}

func mGet(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	key, err := argString(req.Params, 1)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpGet); err != nil {
		return nil, err
	}
	return h.deps.Store.Get(name, key)
}

func mDelete(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	key, err := argString(req.Params, 1)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpDelete); err != nil {
		return nil, err
	}
	if err := h.deps.Store.Delete(name, key); err != nil {
		return nil, err
	}
	return "ok", nil
}

func mMatch(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	pattern, err := argMap(req.Params, 1)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpMatch); err != nil {
		return nil, err
	}
	return h.deps.Store.Match(name, pattern)
}

func mAll(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpAll); err != nil {
		return nil, err
	}
	return h.deps.Store.All(name)
}

func mKeys(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpKeys); err != nil {
		return nil, err
	}
	return h.deps.Store.Keys(name)
}

func mACLGrant(h *Handler, req *wire.Request) (any, error) {
	identityStr, err := argString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	name, err := tableArg(h, req, 1)
	if err != nil {
		return nil, err
	}
	csv, err := argString(req.Params, 2)
	if err != nil {
		return nil, err
	}
	perms, err := permsFromCSV(csv)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpACLGrant); err != nil {
		return nil, err
	}
	if err := h.deps.Store.ACLGrant(name, identityStr, perms); err != nil {
		return nil, err
	}
	return "granted", nil
}

func mACLRevoke(h *Handler, req *wire.Request) (any, error) {
	identityStr, err := argString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	name, err := tableArg(h, req, 1)
	if err != nil {
		return nil, err
	}
	csv, err := argString(req.Params, 2)
	if err != nil {
		return nil, err
	}
	perms, err := permsFromCSV(csv)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpACLRevoke); err != nil {
		return nil, err
	}
	if err := h.deps.Store.ACLRevoke(name, identityStr, perms); err != nil {
		return nil, err
	}
	return "revoked", nil
}

// mACLList implements spec.md §6 acl_list []: "list ACLs for your tables",
// aggregated across every table the caller owns (local and federated),
// using the same namespace filter Store.Tables applies to its own listing.
// It takes no table argument.
func mACLList(h *Handler, req *wire.Request) (any, error) {
	tables, err := h.deps.Store.Tables(h.identity.UID, h.callerFedID())
	if err != nil {
		return nil, err
	}

	var out []any
	for _, name := range tables {
		if err := h.authorize(name, authz.OpACLList); err != nil {
			continue
		}
		entries, err := h.deps.Store.ACLList(name)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, map[string]any{
				"identity":    e.Identity,
				"table":       e.Table,
				"permissions": permsToCSV(e.Permissions),
			})
		}
	}
	return out, nil
}

func mGetScope(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpGetScope); err != nil {
		return nil, err
	}
	scope, err := h.deps.Store.GetNodeScope(name)
	if err != nil {
		return nil, err
	}
	return scopeToWire(scope), nil
}

func mSetScope(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	scopeStr, err := argString(req.Params, 1)
	if err != nil {
		return nil, err
	}
	scope, err := parseScope(scopeStr)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpSetScope); err != nil {
		return nil, err
	}
	if err := h.deps.Store.SetNodeScope(name, scope); err != nil {
		return nil, err
	}
	return "ok", nil
}

func mTableInfo(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpTableInfo); err != nil {
		return nil, err
	}
	meta, err := h.deps.Store.TableInfo(name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":       meta.Name,
		"key_field":  meta.KeyField,
		"attributes": meta.Attributes,
		"scope":      scopeToWire(meta.Scope),
		"created_at": meta.CreatedAt.Format(time.RFC3339),
	}, nil
}

func mIdentityRegister(h *Handler, req *wire.Request) (any, error) {
	if h.deps.Claims == nil {
		return nil, errs.Unauthorized("mesh federation is disabled on this node")
	}
	fedID, token, err := h.deps.Store.RegisterIdentity(h.deps.Claims, h.deps.NodeName, h.identity.UID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"fed_id": fedID, "token": token}, nil
}

func mIdentityClaim(h *Handler, req *wire.Request) (any, error) {
	if h.deps.Claims == nil {
		return nil, errs.Unauthorized("mesh federation is disabled on this node")
	}
	token, err := argString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	fedID, err := h.deps.Store.ClaimIdentity(h.deps.Claims, token, h.deps.NodeName, h.identity.UID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"fed_id": fedID}, nil
}

func mIdentityList(h *Handler, req *wire.Request) (any, error) {
	idents, err := h.deps.Store.ListIdentities()
	if err != nil {
		return nil, err
	}
	out := make([]any, len(idents))
	for i, id := range idents {
		mappings := make(map[string]any, len(id.Mappings))
		for node, uid := range id.Mappings {
			mappings[node] = uid
		}
		out[i] = map[string]any{"fed_id": id.FedID, "mappings": mappings, "created_by": id.CreatedBy}
	}
	return out, nil
}

func mIdentityRevoke(h *Handler, req *wire.Request) (any, error) {
	fedID, err := argString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	node := argStringOpt(req.Params, 1, h.deps.NodeName)
	if err := h.deps.Store.RevokeIdentity(fedID, node); err != nil {
		return nil, err
	}
	return "ok", nil
}

func mMeshListNodes(h *Handler, req *wire.Request) (any, error) {
	if h.deps.Mesh == nil {
		return []any{}, nil
	}
	return h.deps.Mesh.ListNodes(), nil
}

func mMeshStatus(h *Handler, req *wire.Request) (any, error) {
	if h.deps.Mesh == nil {
		return map[string]any{"enabled": false}, nil
	}
	return h.deps.Mesh.Status(), nil
}

func mSyncStatus(h *Handler, req *wire.Request) (any, error) {
	if h.deps.Mesh == nil {
		return []any{}, nil
	}
	return h.deps.Mesh.SyncStatus(), nil
}

func mSyncStatusTable(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpTableInfo); err != nil {
		return nil, err
	}
	if h.deps.Mesh == nil {
		return map[string]any{"table": name, "replicas": []any{}}, nil
	}
	return h.deps.Mesh.SyncStatusTable(name), nil
}

func mSyncRepair(h *Handler, req *wire.Request) (any, error) {
	name, err := tableArg(h, req, 0)
	if err != nil {
		return nil, err
	}
	if err := h.authorize(name, authz.OpSetScope); err != nil {
		return nil, err
	}
	if h.deps.Mesh == nil {
		return "ok", nil
	}
	h.deps.Mesh.Repair(name)
	return "ok", nil
}
