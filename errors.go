package ussync

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Protocol signal errors. ErrInvalidAuthorizationCookie is handled internally
// by the authenticator (it restarts the auth flow once); ErrAuthExpired is
// surfaced when the restart also fails.
var (
	ErrAuthExpired                = errors.New("access cookie expired")
	ErrInvalidAuthorizationCookie = errors.New("invalid authorization cookie")
)

// EndpointError reports a DNS, TCP or TLS failure reaching the upstream.
type EndpointError struct {
	Endpoint string
	Inner    error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint not found: %s: %v", e.Endpoint, e.Inner)
}

func (e *EndpointError) Unwrap() error { return e.Inner }

// UpstreamServerError is a SOAP fault translated from the upstream, retained
// verbatim.
type UpstreamServerError struct {
	Code  string
	Fault string
}

func (e *UpstreamServerError) Error() string {
	return fmt.Sprintf("upstream server error: %s: %s", e.Code, e.Fault)
}

// ParseError reports malformed or unexpected update metadata. Parse errors
// are fatal for the sync that hit them: the upstream is assumed consistent,
// and skipping an update would corrupt derived indexes.
type ParseError struct {
	XPath  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %s: %s", e.XPath, e.Reason)
}

// UnknownHandlerTypeError reports a handler xsi:type outside the supported
// set. Kept distinct from ParseError so callers can spot metadata-format
// drift.
type UnknownHandlerTypeError struct {
	Type string
}

func (e *UnknownHandlerTypeError) Error() string {
	return fmt.Sprintf("unknown handler type %q", e.Type)
}

// BaselineMissingError reports a store whose baseline chain cannot be
// resolved.
type BaselineMissingError struct {
	Path string
}

func (e *BaselineMissingError) Error() string {
	return fmt.Sprintf("baseline missing: %s", e.Path)
}

// RevisionRegressionError reports an attempted commit of a revision lower
// than one already committed for the same update. The commit is aborted.
type RevisionRegressionError struct {
	UpdateID uuid.UUID
	Old, New int32
}

func (e *RevisionRegressionError) Error() string {
	return fmt.Sprintf("revision regression for %s: committed %d, got %d", e.UpdateID, e.Old, e.New)
}

// ContentCorruptError reports a downloaded file whose digest did not match
// after the bounded number of retries.
type ContentCorruptError struct {
	Digest   Digest
	Expected string
	Actual   string
}

func (e *ContentCorruptError) Error() string {
	return fmt.Sprintf("content corrupt: %v: expected %s, got %s", e.Digest, e.Expected, e.Actual)
}
