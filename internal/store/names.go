package store

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/noematicsllc/cortexd/internal/errs"
)

// shortNameRe and fedNameRe implement spec.md §3 invariant 2. They run
// before any catalog lookup, the same discipline the teacher's
// ValidateDBName applies before touching its catalog file.
var (
	shortNameRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	fedNameRe      = regexp.MustCompile(`^@[A-Za-z_][A-Za-z0-9_-]*(:[A-Za-z_][A-Za-z0-9_]*)?$`)
	attributeNameRe = shortNameRe
)

// ValidateAttributeName checks an attribute name against the same rule as a
// short table name (spec.md §3 invariant 2).
func ValidateAttributeName(name string) error {
	if !attributeNameRe.MatchString(name) {
		return errs.InvalidParams("invalid attribute name: " + name)
	}
	return nil
}

// ResolveName implements spec.md §4.1 "Name resolution":
//   - a short name "n" from caller UID u resolves to "{u}:n"
//   - a "@name" from a caller with federated identity f resolves to "@{f}:name"
//   - a "@name" from a caller without a federated identity fails
//     federated_identity_required
//   - a fully-qualified name ("u:n" or "@f:n") is taken literally but must
//     already exist in the catalog — resolution never mints a new symbolic
//     name for an unknown fully-qualified string.
//
// exists reports whether a literal fully-qualified name is already known;
// the Store passes its own catalog lookup here so name resolution stays
// decoupled from the storage engine.
func ResolveName(callerUID uint64, fedID string, raw string, exists func(string) bool) (string, error) {
	if raw == "" {
		return "", errs.InvalidParams("table name cannot be empty")
	}

	if strings.HasPrefix(raw, "@") {
		// Could be a short "@name" (needs a federated identity) or an
		// already-qualified "@fed:name".
		if fedNameRe.MatchString(raw) && strings.Contains(raw[1:], ":") {
			if exists(raw) {
				return raw, nil
			}
			return "", errs.NotFound("unknown table: " + raw)
		}
		name := strings.TrimPrefix(raw, "@")
		if !shortNameRe.MatchString(name) {
			return "", errs.InvalidParams("invalid table name: " + raw)
		}
		if fedID == "" {
			return "", errs.FederatedIdentityRequired("caller has no federated identity")
		}
		return "@" + fedID + ":" + name, nil
	}

	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		// Fully-qualified local name "uid:name" — taken literally, must
		// already exist.
		if _, err := strconv.ParseUint(raw[:idx], 10, 64); err == nil && shortNameRe.MatchString(raw[idx+1:]) {
			if exists(raw) {
				return raw, nil
			}
			return "", errs.NotFound("unknown table: " + raw)
		}
		return "", errs.InvalidParams("invalid table name: " + raw)
	}

	if !shortNameRe.MatchString(raw) {
		return "", errs.InvalidParams("invalid table name: " + raw)
	}
	return strconv.FormatUint(callerUID, 10) + ":" + raw, nil
}
