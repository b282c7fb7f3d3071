// Package identity resolves the caller of a connection (component C3):
// the kernel-reported peer UID for a Unix-socket connection, or the
// certificate subject CN for a TLS connection. Resolution happens exactly
// once per connection; the result is cached by the caller (internal/conn)
// for the life of the connection.
package identity

import (
	"crypto/tls"
	"net"

	"github.com/noematicsllc/cortexd/internal/errs"
	"github.com/noematicsllc/cortexd/internal/store"
)

// Identity is what was resolved for one connection: exactly one of UID
// (Unix transport) or NodeName (TLS transport) is meaningful.
type Identity struct {
	UID      uint64
	NodeName string
	Remote   bool // true for TLS; false for Unix (local)
}

// RequestingNode returns the value authz.Authorize wants for
// requestingNode: nil for local callers, the node name for remote ones.
func (id Identity) RequestingNode() *string {
	if !id.Remote {
		return nil
	}
	return &id.NodeName
}

// ResolveUnix extracts the unforgeable peer UID of a Unix domain socket
// connection via the kernel's peer-credential facility (SO_PEERCRED on
// Linux, getpeereid on BSD/macOS — see peercred_*.go). It MUST be called
// exactly once, immediately after accept, before any frame is read.
func ResolveUnix(conn *net.UnixConn) (Identity, error) {
	uid, err := peerUID(conn)
	if err != nil {
		return Identity{}, errs.Internal(err)
	}
	return Identity{UID: uid, Remote: false}, nil
}

// ResolveTLS extracts the peer certificate's subject Common Name and
// treats it as the requesting node's identifier, per spec.md §4.3: the CN
// names a mesh node, not a user.
func ResolveTLS(conn *tls.Conn) (Identity, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return Identity{}, errs.Unauthorized("TLS connection presented no client certificate")
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return Identity{}, errs.Unauthorized("TLS client certificate has no Common Name")
	}
	return Identity{NodeName: cn, Remote: true}, nil
}

// EffectiveSubject returns the ACL subject string authz.Authorize should
// check. A remote (TLS) caller is always its certificate CN. A local caller
// is its federated identity if resolve_federated finds one for
// (localNodeName, id.UID), otherwise its plain local identity string.
func EffectiveSubject(s *store.Store, localNodeName string, id Identity) string {
	if id.Remote {
		return id.NodeName
	}
	if fedID, ok := s.LookupFederated(localNodeName, id.UID); ok {
		return fedID
	}
	return store.LocalIdentity(id.UID)
}
