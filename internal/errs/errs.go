// Package errs defines the wire-visible error taxonomy of the Cortex protocol.
//
// Every error that can reach a client is tagged with a Kind drawn from this
// small fixed set; the connection handler uses Kind to pick the string it
// sends back on the wire, never a Go error's free-text message.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	NotFoundKind                 Kind = "not_found"
	AlreadyExistsKind             Kind = "already_exists"
	AccessDeniedKind              Kind = "access_denied"
	InvalidRequestKind            Kind = "invalid_request"
	InvalidParamsKind             Kind = "invalid_params"
	MissingKeyKind                Kind = "missing_key"
	InvalidPermissionsKind        Kind = "invalid_permissions"
	FederatedIdentityRequiredKind Kind = "federated_identity_required"
	UnauthorizedKind              Kind = "unauthorized"
	BufferOverflowKind            Kind = "buffer_overflow"
	ProtocolErrorKind             Kind = "protocol_error"
	InternalKind                  Kind = "internal"
)

// Error is a Kind-tagged error. The connection handler maps any error
// reaching it to a wire name through KindOf; errors that are not an *Error
// are reported as InternalKind.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.kind, e.msg)
	}
	return string(e.kind)
}

func (e *Error) Kind() Kind { return e.kind }
func (e *Error) Unwrap() error { return e.err }

func new_(kind Kind, msg string) *Error { return &Error{kind: kind, msg: msg} }

func NotFound(msg string) *Error                 { return new_(NotFoundKind, msg) }
func AlreadyExists(msg string) *Error             { return new_(AlreadyExistsKind, msg) }
func AccessDenied(msg string) *Error              { return new_(AccessDeniedKind, msg) }
func InvalidRequest(msg string) *Error            { return new_(InvalidRequestKind, msg) }
func InvalidParams(msg string) *Error             { return new_(InvalidParamsKind, msg) }
func MissingKey(msg string) *Error                { return new_(MissingKeyKind, msg) }
func InvalidPermissions(msg string) *Error        { return new_(InvalidPermissionsKind, msg) }
func FederatedIdentityRequired(msg string) *Error { return new_(FederatedIdentityRequiredKind, msg) }
func Unauthorized(msg string) *Error              { return new_(UnauthorizedKind, msg) }
func BufferOverflow(msg string) *Error            { return new_(BufferOverflowKind, msg) }
func ProtocolError(msg string) *Error             { return new_(ProtocolErrorKind, msg) }

func Internal(err error) *Error {
	return &Error{kind: InternalKind, msg: "internal error", err: err}
}

// KindOf extracts the wire Kind for any error, defaulting unclassified
// errors to InternalKind so a bug in a handler can never crash the
// connection — it surfaces as an opaque internal fault instead.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind()
	}
	return InternalKind
}
