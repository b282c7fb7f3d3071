// Package conn implements the per-connection state machine and method
// dispatch table (component C5): read a chunk, drain every complete frame
// it contains, dispatch each to the store through the authorizer, write a
// response, re-arm for the next read.
package conn

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/noematicsllc/cortexd/internal/authz"
	"github.com/noematicsllc/cortexd/internal/config"
	"github.com/noematicsllc/cortexd/internal/errs"
	"github.com/noematicsllc/cortexd/internal/identity"
	"github.com/noematicsllc/cortexd/internal/logger"
	"github.com/noematicsllc/cortexd/internal/mesh"
	"github.com/noematicsllc/cortexd/internal/metrics"
	"github.com/noematicsllc/cortexd/internal/store"
	"github.com/noematicsllc/cortexd/internal/wire"
)

// Deps bundles the process-global collaborators a Handler dispatches into.
// One Deps is shared by every connection; nothing in it is connection-scoped.
type Deps struct {
	Store      *store.Store
	Authz      *authz.Authorizer
	Claims     *store.JWTClaimCodec
	Mesh       *mesh.Driver
	Cfg        *config.Config
	Log        *logger.Logger
	Metrics    *metrics.Metrics
	NodeName   string // empty when mesh is disabled
	StartedAt  time.Time
}

// Handler owns one accepted connection end to end: identity resolution,
// the read/decode/dispatch loop, and response writes. It is created fresh
// per connection and discarded on close.
type Handler struct {
	deps     *Deps
	conn     net.Conn
	identity identity.Identity
	dec      *wire.Decoder
	subject  string // ACL subject for this connection's caller
}

// NewUnix resolves identity once (spec.md §4.5) and constructs a Handler
// for a Unix-socket connection.
func NewUnix(deps *Deps, c *net.UnixConn) (*Handler, error) {
	id, err := identity.ResolveUnix(c)
	if err != nil {
		return nil, err
	}
	return newHandler(deps, c, id, false), nil
}

// NewTLS constructs a Handler for a TLS connection whose identity the
// caller has already resolved (identity.ResolveTLS) once its handshake
// completed off the accept path (spec.md §4.6).
func NewTLS(deps *Deps, c net.Conn, id identity.Identity) (*Handler, error) {
	return newHandler(deps, c, id, true), nil
}

func newHandler(deps *Deps, c net.Conn, id identity.Identity, remote bool) *Handler {
	subject := id.NodeName
	if !remote {
		subject = identity.EffectiveSubject(deps.Store, deps.NodeName, id)
	}
	return &Handler{
		deps:     deps,
		conn:     c,
		identity: id,
		dec:      wire.NewDecoder(deps.Cfg.Wire.MaxBufferBytes, deps.Cfg.Wire.AllowMetadataFrame, remote),
		subject:  subject,
	}
}

// Run drives the Reading/Dispatching loop until the peer closes, a
// framing fault occurs, or ctx is cancelled (daemon shutdown). It never
// panics out to the caller: a dispatch handler that panics is recovered
// and surfaced as an internal error so one bad connection cannot take the
// daemon down (spec.md §7 propagation policy).
func (h *Handler) Run(ctx context.Context) {
	defer h.conn.Close()
	h.deps.Metrics.ConnectionOpened()
	defer h.deps.Metrics.ConnectionClosed()

	if idle := h.deps.Cfg.Pool.IdleTimeout; idle > 0 {
		if dl, ok := h.conn.(interface{ SetDeadline(time.Time) error }); ok {
			_ = dl.SetDeadline(time.Now().Add(idle))
		}
	}

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := h.conn.Read(buf)
		if n > 0 {
			if err := h.dec.Feed(buf[:n]); err != nil {
				h.deps.Log.Debug("connection buffer overflow, closing: %v", err)
				return
			}
			if !h.drain() {
				return
			}
			if idle := h.deps.Cfg.Pool.IdleTimeout; idle > 0 {
				if dl, ok := h.conn.(interface{ SetDeadline(time.Time) error }); ok {
					_ = dl.SetDeadline(time.Now().Add(idle))
				}
			}
		}
		if err != nil {
			return // peer close, timeout, or read error: connection is done
		}
	}
}

// drain decodes and dispatches every complete frame currently buffered,
// returning false if the connection must be closed. A rejected-but-well-
// formed frame (invalid_request, e.g. a disallowed 5-element metadata
// frame per spec.md §4.4) answers with an error and keeps reading — only
// bytes that can never form a valid frame (protocol_error) are fatal.
func (h *Handler) drain() bool {
	for {
		req, err := h.dec.Next()
		if err == wire.ErrIncomplete {
			return true
		}
		if err != nil {
			h.writeError(0, err)
			if errs.KindOf(err) == errs.ProtocolErrorKind {
				h.deps.Log.Debug("protocol fault, closing connection: %v", err)
				return false
			}
			continue
		}
		h.dispatch(req)
	}
}

func (h *Handler) dispatch(req *wire.Request) {
	h.deps.Metrics.FrameReceived(req.Method)

	handler, ok := methods[req.Method]
	if !ok {
		h.deps.Log.Warn("unknown method %q from subject=%s", req.Method, h.subject)
		h.writeError(req.MsgID, errs.AccessDenied("access denied"))
		return
	}

	result, err := h.safeCall(handler, req)
	if err != nil {
		h.writeError(req.MsgID, err)
		if errs.KindOf(err) == errs.AccessDeniedKind {
			h.deps.Metrics.AuthzDenied(req.Method)
		}
		return
	}
	h.writeResult(req.MsgID, result)
}

// safeCall recovers a panicking handler into an internal error (spec.md
// §7: "Unexpected exceptions inside a handler MUST NOT escape the handler
// task").
func (h *Handler) safeCall(fn methodFunc, req *wire.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.deps.Log.Error("handler panic in %s: %v", req.Method, r)
			err = errs.Internal(nil)
		}
	}()
	return fn(h, req)
}

func (h *Handler) writeResult(msgID int64, result any) {
	if err := wire.Encode(h.conn, wire.Response{MsgID: msgID, Result: result}); err != nil {
		h.deps.Log.Debug("write failed, closing connection: %v", err)
	}
}

func (h *Handler) writeError(msgID int64, err error) {
	msg := string(errs.KindOf(err))
	if msg == "" {
		msg = string(errs.InternalKind)
	}
	if werr := wire.Encode(h.conn, wire.Response{MsgID: msgID, Err: &msg}); werr != nil {
		h.deps.Log.Debug("write failed, closing connection: %v", werr)
	}
}

// requestingNode implements the requesting_node? argument to authorize():
// nil for local callers, the TLS CN for remote ones.
func (h *Handler) requestingNode() *string {
	return h.identity.RequestingNode()
}

func parseScope(s string) (store.NodeScope, error) {
	switch s {
	case "", "local":
		return store.LocalScope(), nil
	case "all":
		return store.AllScope(), nil
	default:
		return store.ListScope(strings.Split(s, ",")), nil
	}
}

func scopeToWire(s store.NodeScope) string {
	switch s.Kind {
	case store.ScopeAll:
		return "all"
	case store.ScopeList:
		return strings.Join(s.Nodes, ",")
	default:
		return "local"
	}
}

func permsFromCSV(csv string) (store.PermissionSet, error) {
	if csv == "" {
		return nil, errs.InvalidPermissions("empty permission list")
	}
	perms := store.NewPermissionSet()
	for _, p := range strings.Split(csv, ",") {
		switch store.Permission(p) {
		case store.PermRead, store.PermWrite, store.PermAdmin:
			perms[store.Permission(p)] = true
		default:
			return nil, errs.InvalidPermissions("unknown permission: " + p)
		}
	}
	return perms, nil
}

func permsToCSV(perms store.PermissionSet) string {
	var parts []string
	for _, p := range perms.Slice() {
		parts = append(parts, string(p))
	}
	return strings.Join(parts, ",")
}
