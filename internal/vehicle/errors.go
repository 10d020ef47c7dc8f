package vehicle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a lookup failure. The string values double as the
// operator-facing categories embedded in fallback records.
type Kind string

const (
	KindInvalidFormat       Kind = "invalid_format"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindMalformedResponse   Kind = "malformed_response"
	KindValidationFailed    Kind = "validation_failed"
)

// ClientError reports whether the kind is caused by the caller (bad input or
// exhausted quota) rather than by upstream trouble.
func (k Kind) ClientError() bool {
	return k == KindInvalidFormat || k == KindQuotaExceeded
}

// Sentinels for errors.Is. They match any LookupError of the same kind.
var (
	ErrInvalidFormat       = &LookupError{Kind: KindInvalidFormat}
	ErrQuotaExceeded       = &LookupError{Kind: KindQuotaExceeded}
	ErrUpstreamUnavailable = &LookupError{Kind: KindUpstreamUnavailable}
	ErrUpstreamTimeout     = &LookupError{Kind: KindUpstreamTimeout}
	ErrMalformedResponse   = &LookupError{Kind: KindMalformedResponse}
	ErrValidationFailed    = &LookupError{Kind: KindValidationFailed}
)

// LookupError is the tagged union of lookup failures. Only the context
// fields relevant to Kind are populated.
type LookupError struct {
	Kind    Kind
	Message string

	// QuotaExceeded context.
	ResetAt time.Time
	Limit   int

	// ValidationFailed context.
	MissingFields []string

	// InvalidFormat context.
	Expected string

	Err error
}

func (e *LookupError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	switch e.Kind {
	case KindQuotaExceeded:
		fmt.Fprintf(&b, " (limit %d, resets at %s)", e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
	case KindValidationFailed:
		if len(e.MissingFields) > 0 {
			fmt.Fprintf(&b, " (missing %s)", strings.Join(e.MissingFields, ", "))
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LookupError) Unwrap() error { return e.Err }

// Is matches any LookupError with the same Kind.
func (e *LookupError) Is(target error) bool {
	t, ok := target.(*LookupError)
	return ok && t.Kind == e.Kind
}

// NewInvalidFormat builds an InvalidFormat error for the given raw input.
func NewInvalidFormat(raw, expected string, cause error) *LookupError {
	return &LookupError{
		Kind:     KindInvalidFormat,
		Message:  fmt.Sprintf("plate %q is not a valid plate", raw),
		Expected: expected,
		Err:      cause,
	}
}

// NewQuotaExceeded builds a QuotaExceeded error carrying the retry context.
func NewQuotaExceeded(limit int, resetAt time.Time) *LookupError {
	return &LookupError{
		Kind:    KindQuotaExceeded,
		Message: "lookup quota exhausted for this client",
		Limit:   limit,
		ResetAt: resetAt,
	}
}

// NewUpstreamUnavailable wraps a transport or availability failure.
func NewUpstreamUnavailable(msg string, cause error) *LookupError {
	return &LookupError{Kind: KindUpstreamUnavailable, Message: msg, Err: cause}
}

// NewUpstreamTimeout wraps a deadline failure.
func NewUpstreamTimeout(msg string, cause error) *LookupError {
	return &LookupError{Kind: KindUpstreamTimeout, Message: msg, Err: cause}
}

// NewMalformedResponse reports an upstream payload that does not match the
// expected envelope.
func NewMalformedResponse(msg string, cause error) *LookupError {
	return &LookupError{Kind: KindMalformedResponse, Message: msg, Err: cause}
}

// NewValidationFailed reports a mapped record that is missing required data.
func NewValidationFailed(missing []string) *LookupError {
	return &LookupError{
		Kind:          KindValidationFailed,
		Message:       "upstream record is incomplete",
		MissingFields: missing,
	}
}

// AsLookupError extracts a *LookupError from err. Errors of any other type
// are classified as upstream unavailability.
func AsLookupError(err error) *LookupError {
	if err == nil {
		return nil
	}
	var le *LookupError
	if errors.As(err, &le) {
		return le
	}
	return NewUpstreamUnavailable("unexpected lookup failure", err)
}
