package vehicle

import (
	"math"
	"strings"
	"time"

	"github.com/pecahub/platelookup/internal/plate"
)

// ErrorInfo is the operator-facing error descriptor embedded in fallback
// records.
type ErrorInfo struct {
	Category  Kind   `json:"category"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	// Quota context, echoed so callers can relay retry timing.
	Limit             int        `json:"limit,omitempty"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`

	MissingFields  []string `json:"missing_fields,omitempty"`
	ExpectedFormat string   `json:"expected_format,omitempty"`
}

// Fallback builds a complete record for a failed lookup. Every string field
// is NotInformed, years are 0 (unknown) and the cause is classified into an
// ErrorInfo. rawPlate may be unnormalized; it is normalized when possible.
func Fallback(rawPlate string, cause error, now time.Time) Record {
	le := AsLookupError(cause)
	if le == nil {
		le = NewUpstreamUnavailable("lookup failed", nil)
	}

	return Record{
		Plate:              fallbackPlate(rawPlate),
		Brand:              NotInformed,
		Model:              NotInformed,
		Category:           CategoryOther,
		Color:              NotInformed,
		Chassis:            NotInformed,
		RegistrationNumber: NotInformed,
		Origin:             OriginFallback,
		QueriedAt:          now,
		ProviderMetadata: map[string]string{
			"provider": ProviderName,
			"message":  NotInformed,
		},
		Error: describe(le, now),
	}
}

func describe(le *LookupError, now time.Time) *ErrorInfo {
	info := &ErrorInfo{
		Category:  le.Kind,
		Message:   userMessage(le),
		Retryable: le.Kind != KindInvalidFormat,
	}

	switch le.Kind {
	case KindQuotaExceeded:
		info.Limit = le.Limit
		if !le.ResetAt.IsZero() {
			resetAt := le.ResetAt
			info.ResetAt = &resetAt
			info.RetryAfterSeconds = int(math.Ceil(max(le.ResetAt.Sub(now), 0).Seconds()))
		}
	case KindValidationFailed:
		info.MissingFields = append([]string(nil), le.MissingFields...)
	case KindInvalidFormat:
		info.ExpectedFormat = le.Expected
		if info.ExpectedFormat == "" {
			info.ExpectedFormat = plate.ExpectedFormat
		}
	}
	return info
}

// userMessage is the message relayed to end users; it never includes the
// wrapped transport error.
func userMessage(le *LookupError) string {
	switch le.Kind {
	case KindInvalidFormat:
		return "Invalid plate format. Expected " + plate.ExpectedFormat + "."
	case KindQuotaExceeded:
		return "Too many plate lookups. Try again later."
	case KindUpstreamTimeout:
		return "The vehicle data provider took too long to respond. Fill in the vehicle data manually."
	case KindMalformedResponse, KindValidationFailed:
		return "The vehicle data provider returned incomplete data. Fill in the vehicle data manually."
	default:
		return "The vehicle data provider is unavailable. Fill in the vehicle data manually."
	}
}

func fallbackPlate(raw string) string {
	if p, err := plate.Normalize(raw); err == nil {
		return p
	}
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return NotInformed
	}
	return trimmed
}
