package lookup

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pecahub/platelookup/internal/breaker"
	"github.com/pecahub/platelookup/internal/upstream"
	"github.com/pecahub/platelookup/internal/vehicle"
)

// classify maps anything returned by the breaker-guarded call onto the
// lookup error taxonomy.
func classify(err error) *vehicle.LookupError {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return vehicle.NewUpstreamUnavailable("circuit open, upstream calls suspended", err)
	case errors.Is(err, breaker.ErrTimeout):
		return vehicle.NewUpstreamTimeout("upstream did not answer in time", err)
	}
	var le *vehicle.LookupError
	if errors.As(err, &le) {
		return le
	}
	return classifyTransport(err)
}

// classifyTransport maps an upstream client error.
func classifyTransport(err error) *vehicle.LookupError {
	var (
		se *upstream.StatusError
		ne net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return vehicle.NewUpstreamTimeout("upstream did not answer in time", err)
	case errors.Is(err, context.Canceled):
		return vehicle.NewUpstreamUnavailable("lookup canceled", err)
	case errors.As(err, &se):
		return vehicle.NewUpstreamUnavailable(fmt.Sprintf("upstream returned status %d", se.StatusCode), err)
	case errors.Is(err, upstream.ErrResponseTooLarge):
		return vehicle.NewMalformedResponse("upstream response too large", err)
	default:
		return vehicle.NewUpstreamUnavailable("upstream request failed", err)
	}
}

// CountsAsFailure decides which upstream call errors feed the breaker. A
// response that arrived but could not be mapped means the upstream is up,
// so malformed and incomplete payloads do not count.
func CountsAsFailure(err error) bool {
	var le *vehicle.LookupError
	if !errors.As(err, &le) {
		return true
	}
	return le.Kind != vehicle.KindMalformedResponse && le.Kind != vehicle.KindValidationFailed
}
