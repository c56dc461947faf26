// Package fault defines the error taxonomy shared by providers, step
// executors and the orchestration service.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry and HTTP mapping decisions.
type Kind string

const (
	KindUnsupportedProvider Kind = "unsupported_provider"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindRateLimited         Kind = "rate_limited"
	KindInvalidResponse     Kind = "invalid_response_shape"
	KindExternalService     Kind = "external_service"
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindInternal            Kind = "internal"
)

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrUnsupportedProvider = &Error{Kind: KindUnsupportedProvider}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrInvalidResponse     = &Error{Kind: KindInvalidResponse}
	ErrExternalService     = &Error{Kind: KindExternalService}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
)

// Error is a classified error. Raw carries the offending backend payload
// for InvalidResponseShape errors.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Raw  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// New returns a classified error.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// InvalidResponse reports a backend payload that could not be parsed or
// failed shape validation. raw is retained for diagnosis.
func InvalidResponse(op, raw string, err error) error {
	return &Error{Kind: KindInvalidResponse, Op: op, Raw: raw, Err: err}
}

// UnsupportedProvider reports an unregistered provider type together with
// the types that are registered.
func UnsupportedProvider(typ string, registered []string) error {
	list := "none"
	if len(registered) > 0 {
		list = strings.Join(registered, ", ")
	}
	return &Error{
		Kind: KindUnsupportedProvider,
		Op:   "provider.resolve",
		Msg:  fmt.Sprintf("unknown provider type %q (registered: %s)", typ, list),
	}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// RawOf returns the raw payload carried by err, if any.
func RawOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Raw
	}
	return ""
}

// Retryable reports whether an operator retry may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderUnavailable, KindRateLimited, KindInvalidResponse, KindExternalService:
		return true
	default:
		return false
	}
}
