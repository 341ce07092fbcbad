package upstream

import "fmt"

// FailureKind classifies why a completion did not produce an answer.
type FailureKind string

const (
	// KindNone marks a successful result.
	KindNone FailureKind = ""

	// KindProtocol is a non-2xx response from the service.
	KindProtocol FailureKind = "protocol"

	// KindTransport covers DNS, connection and timeout failures, and calls
	// short-circuited by the breaker.
	KindTransport FailureKind = "transport"

	// KindUnexpected is anything else, such as a malformed response body.
	KindUnexpected FailureKind = "unexpected"
)

// Canned texts that do not depend on the service name.
const (
	EmptyText      = "I'm sorry, I couldn't generate a response."
	UnexpectedText = "An unexpected error occurred. Please try again."
)

// ProtocolText is the fallback for a non-2xx response.
func ProtocolText(service string, status int) string {
	return fmt.Sprintf("Error connecting to %s API: %d", service, status)
}

// TransportText is the fallback for network failures.
func TransportText(service string) string {
	return fmt.Sprintf("Network issue while connecting to %s API. Please try again.", service)
}

// Result is the outcome of a completion: either Success, carrying the
// answer, or a Failure of some Kind, carrying the user-facing fallback.
// Text is never empty.
type Result struct {
	// Text is the answer on success and the fallback text otherwise.
	Text string

	Kind FailureKind

	// Detail describes the failure for logs; empty on success.
	Detail string

	// StatusCode is set for protocol failures.
	StatusCode int

	// Empty is set when the service answered without content.
	Empty bool

	// Attempts counts HTTP attempts, retries included.
	Attempts int

	shortCircuited bool
}

// Success builds a successful Result. Empty text is replaced by EmptyText.
func Success(text string) Result {
	if text == "" {
		return Result{Text: EmptyText, Empty: true}
	}
	return Result{Text: text}
}

// Failure builds a failed Result with its fallback text.
func Failure(kind FailureKind, fallback, detail string) Result {
	return Result{Text: fallback, Kind: kind, Detail: detail}
}

// OK reports whether the result is a Success.
func (r Result) OK() bool {
	return r.Kind == KindNone
}

// Outcome is the metric and log label of the result.
func (r Result) Outcome() string {
	switch {
	case r.Empty:
		return "empty"
	case r.OK():
		return "success"
	default:
		return string(r.Kind)
	}
}

// retryable reports whether another attempt may succeed.
func (r Result) retryable() bool {
	switch r.Kind {
	case KindTransport:
		return !r.shortCircuited
	case KindProtocol:
		return r.StatusCode == 429 || r.StatusCode >= 500
	default:
		return false
	}
}
