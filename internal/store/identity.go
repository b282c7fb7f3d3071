package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/noematicsllc/cortexd/internal/errs"
)

// ClaimSigner and ClaimVerifier are the two ends of the claim-token seam
// left opaque by design: what matters to the catalog is only that a minted
// token names exactly one federated identity and expires, not how it is
// encoded. cortexd's default implementation below signs an HS256 JWT, the
// same token library the rest of the retrieved stack uses for bearer
// tokens.
type ClaimSigner interface {
	Sign(fedID string) (string, error)
}

type ClaimVerifier interface {
	Verify(token string) (fedID string, err error)
}

// JWTClaimCodec implements both ClaimSigner and ClaimVerifier with a single
// shared HMAC secret. The codec itself has no notion of replay — a claim
// token can be verified any number of times before it expires. ClaimIdentity
// does not consume tokens either: replaying a token for an already-mapped
// (nodeName, uid) changes nothing, but a replay by any other (nodeName, uid)
// before expiry adds or replaces that node's mapping.
type JWTClaimCodec struct {
	secret []byte
	ttl    time.Duration
}

func NewJWTClaimCodec(secret []byte, ttl time.Duration) *JWTClaimCodec {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTClaimCodec{secret: secret, ttl: ttl}
}

func (c *JWTClaimCodec) Sign(fedID string) (string, error) {
	claims := jwt.MapClaims{
		"fed_id": fedID,
		"exp":    time.Now().Add(c.ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(c.secret)
}

func (c *JWTClaimCodec) Verify(tokenStr string) (string, error) {
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.ProtocolError("unexpected claim token signing method")
		}
		return c.secret, nil
	})
	if err != nil || !tok.Valid {
		return "", errs.InvalidParams("invalid or expired claim token")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", errs.ProtocolError("malformed claim token")
	}
	fedID, _ := claims["fed_id"].(string)
	if fedID == "" {
		return "", errs.ProtocolError("claim token missing fed_id")
	}
	return fedID, nil
}

// RegisterIdentity implements spec.md §4.1 register_identity / §4.6: a new
// federated identity is created, owned by (nodeName, uid), and a claim
// token is minted for it so another node can extend the mapping. The token
// stays valid until it expires; it is not invalidated after its first use.
func (s *Store) RegisterIdentity(signer ClaimSigner, nodeName string, uid uint64) (fedID, token string, err error) {
	fedID = newFedID()
	ident := &FedIdentity{
		FedID:     fedID,
		Mappings:  map[string]uint64{nodeName: uid},
		CreatedAt: time.Now(),
		CreatedBy: LocalIdentity(uid),
	}
	raw, err := json.Marshal(ident)
	if err != nil {
		return "", "", errs.Internal(err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(identBucket).Put([]byte(fedID), raw)
	})
	if err != nil {
		return "", "", err
	}

	token, err = signer.Sign(fedID)
	if err != nil {
		return "", "", errs.Internal(err)
	}
	return fedID, token, nil
}

// ClaimIdentity implements spec.md §4.1 identity_claim / §4.6: the token is
// verified to name a fed_id, then (nodeName, uid) is added to its mapping
// table. Claiming on a node that already has a mapping for this fed_id is
// idempotent.
func (s *Store) ClaimIdentity(verifier ClaimVerifier, token, nodeName string, uid uint64) (string, error) {
	fedID, err := verifier.Verify(token)
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		ib := tx.Bucket(identBucket)
		raw := ib.Get([]byte(fedID))
		if raw == nil {
			return errs.NotFound("unknown federated identity: " + fedID)
		}
		var ident FedIdentity
		if err := json.Unmarshal(raw, &ident); err != nil {
			return errs.Internal(err)
		}
		ident.Mappings[nodeName] = uid
		out, err := json.Marshal(ident)
		if err != nil {
			return errs.Internal(err)
		}
		return ib.Put([]byte(fedID), out)
	})
	if err != nil {
		return "", err
	}
	return fedID, nil
}

// LookupFederated implements spec.md §4.6 resolve_federated(node_name, uid):
// it scans cortex_identities for a mapping of uid on nodeName. This is an
// O(identities) scan; federated-identity counts are expected to stay small
// relative to table/record counts.
func (s *Store) LookupFederated(nodeName string, uid uint64) (string, bool) {
	var fedID string
	var found bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(identBucket).ForEach(func(k, v []byte) error {
			var ident FedIdentity
			if err := json.Unmarshal(v, &ident); err != nil {
				return nil
			}
			if mapped, ok := ident.Mappings[nodeName]; ok && mapped == uid {
				fedID = string(k)
				found = true
			}
			return nil
		})
	})
	return fedID, found
}

// LookupFederatedByLocal implements spec.md §4.1
// lookup_federated_by_local: given a caller's own (nodeName, uid), return
// its federated identity if one exists. Equivalent to LookupFederated but
// named separately to match the wire method table.
func (s *Store) LookupFederatedByLocal(nodeName string, uid uint64) (string, bool) {
	return s.LookupFederated(nodeName, uid)
}

// ListIdentities implements spec.md §4.1 identity_list.
func (s *Store) ListIdentities() ([]FedIdentity, error) {
	var out []FedIdentity
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(identBucket).ForEach(func(_, v []byte) error {
			var ident FedIdentity
			if err := json.Unmarshal(v, &ident); err != nil {
				return errs.Internal(err)
			}
			out = append(out, ident)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RevokeIdentity implements spec.md §4.1 identity_revoke: removing the last
// remaining mapping deletes the identity outright rather than leaving an
// empty shell, mirroring ACLRevoke's prune-to-empty rule.
func (s *Store) RevokeIdentity(fedID, nodeName string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ib := tx.Bucket(identBucket)
		raw := ib.Get([]byte(fedID))
		if raw == nil {
			return errs.NotFound("unknown federated identity: " + fedID)
		}
		var ident FedIdentity
		if err := json.Unmarshal(raw, &ident); err != nil {
			return errs.Internal(err)
		}
		delete(ident.Mappings, nodeName)
		if len(ident.Mappings) == 0 {
			return ib.Delete([]byte(fedID))
		}
		out, err := json.Marshal(ident)
		if err != nil {
			return errs.Internal(err)
		}
		return ib.Put([]byte(fedID), out)
	})
}

// newFedID mints a collision-resistant federated identity handle from
// google/uuid, trimmed to a shorter token than a full UUID string since
// fed_id values appear in table names and wire responses.
func newFedID() string {
	id := uuid.New().String()
	return "fed_" + strings.ReplaceAll(id, "-", "")[:16]
}
