package llm

import "errors"

// Capability failure classes. Every class triggers the same fallback to
// rule-based analysis; they are distinguished only for the fallback_reason
// recorded in the method ledger.
var (
	ErrAuth        = errors.New("llm: authentication failed")
	ErrTimeout     = errors.New("llm: request timed out")
	ErrMalformed   = errors.New("llm: malformed response payload")
	ErrRateLimited = errors.New("llm: rate or cost limit exceeded")
	// ErrUnavailable covers transport failures and 5xx replies. Retried
	// like a timeout but recorded under its own reason so the ledger does
	// not mislabel a down service as a slow one.
	ErrUnavailable = errors.New("llm: service unavailable")
	// ErrDisabled is returned by the disabled client; it is a policy
	// condition rather than a failure but triggers the same fallback path.
	ErrDisabled = errors.New("llm: disabled")
)

// FallbackReason maps a capability error to the ledger fallback_reason string.
func FallbackReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "llm authentication failed"
	case errors.Is(err, ErrTimeout):
		return "llm request timed out"
	case errors.Is(err, ErrMalformed):
		return "llm response unparseable"
	case errors.Is(err, ErrRateLimited):
		return "llm rate/cost limit exceeded"
	case errors.Is(err, ErrUnavailable):
		return "llm service unavailable"
	case errors.Is(err, ErrDisabled):
		return "llm disabled"
	default:
		return "llm call failed"
	}
}
