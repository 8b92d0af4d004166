// Package apierr defines the transport-agnostic error taxonomy shared by
// every core component, and the HTTP status mapping the server layer
// applies to it. Components still raise plain sentinel errors (the
// teacher's idiom — see ledger.ErrInsufficientFunds and friends);
// Classify tags a sentinel with its Kind the same way the teacher's
// handlers switch on errors.Is, just centralized so every handler agrees.
package apierr

import (
	"errors"
	"net/http"
)

// Kind is one of the error kinds from the specification's error taxonomy.
type Kind string

const (
	KindNotFound           Kind = "NotFound"
	KindUnauthenticated    Kind = "Unauthenticated"
	KindForbidden          Kind = "Forbidden"
	KindInvalidState       Kind = "InvalidState"
	KindInvalidInput       Kind = "InvalidInput"
	KindInsufficientFunds  Kind = "InsufficientFunds"
	KindAlreadyProcessed   Kind = "AlreadyProcessed"
	KindVerificationFailed Kind = "VerificationFailed"
	KindExpired            Kind = "Expired"
	KindConflict           Kind = "Conflict"
	KindUpstream           Kind = "Upstream"
)

// StatusCode returns the HTTP status for a Kind, per spec §7.
func (k Kind) StatusCode() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidState, KindInvalidInput, KindVerificationFailed, KindExpired:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindAlreadyProcessed, KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retriable reports whether a Kind is safe to retry per spec §7
// ("Retriable kinds: Upstream, Conflict. Non-retriable: everything else").
func (k Kind) Retriable() bool {
	return k == KindUpstream || k == KindConflict
}

// Error wraps a sentinel domain error with its taxonomy Kind and a
// machine-readable code for the JSON error envelope.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// Tag wraps cause with a Kind/Code for transport. Code defaults to the
// Kind string if empty.
func Tag(kind Kind, code string, cause error) *Error {
	if code == "" {
		code = string(kind)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, cause: cause}
}

// Classify maps a chain of sentinel errors to a Kind using a caller-supplied
// table, defaulting to KindInvalidState if nothing matches and the error is
// non-nil, or a zero Kind if err is nil. Handlers build their table with
// errors.Is-style sentinel comparisons, mirroring the teacher's per-package
// handlers.go switch statements.
func Classify(err error, table map[error]Kind) (Kind, bool) {
	if err == nil {
		return "", false
	}
	for sentinel, kind := range table {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return "", false
}

// Envelope is the JSON error response body shape from spec §6.
type Envelope struct {
	Detail EnvelopeDetail `json:"detail"`
}

type EnvelopeDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope builds the JSON body for a classified error.
func NewEnvelope(kind Kind, err error) Envelope {
	code := string(kind)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		code = tagged.Code
	}
	return Envelope{Detail: EnvelopeDetail{Code: code, Message: msg}}
}
