package chainclient

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind classifies an RPC failure for the caller's retry policy.
type ErrorKind int

const (
	// KindTransient covers timeouts, connection failures, 5xx and
	// rate-limit responses. The caller may retry later; the watcher skips
	// the tick without advancing its cursor.
	KindTransient ErrorKind = iota
	// KindRangeTooWide means the node rejected a getLogs window; the
	// caller retries with a smaller range.
	KindRangeTooWide
	// KindNotFound is returned for missing receipts.
	KindNotFound
	// KindFatal covers everything that retrying cannot fix.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRangeTooWide:
		return "range-too-wide"
	case KindNotFound:
		return "not-found"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an RPC failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Phrases nodes use to reject over-wide getLogs windows. Providers disagree
// on wording, so this is a substring match.
var rangeTooWidePhrases = []string{
	"block range is too wide",
	"query returned more than",
	"exceed maximum block range",
	"is greater than the limit",
	"log response size exceeded",
	"read limit exceeded",
	"limited to a",
	"too many blocks",
}

var rateLimitPhrases = []string{
	"rate limit",
	"too many requests",
	"429",
	"capacity exceeded",
}

// Classify wraps err with an ErrorKind. A nil error maps to nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: kindOf(err), Err: err}
}

func kindOf(err error) ErrorKind {
	if errors.Is(err, ethereum.NotFound) {
		return KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return KindTransient
		}
		return KindFatal
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rangeTooWidePhrases {
		if strings.Contains(msg, p) {
			return KindRangeTooWide
		}
	}
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return KindTransient
		}
	}
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "eof") {
		return KindTransient
	}
	// Unrecognized JSON-RPC application errors default to transient: nodes
	// behind load balancers return them intermittently.
	return KindTransient
}

// IsRangeTooWide reports whether err is a rejected getLogs window.
func IsRangeTooWide(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindRangeTooWide
	}
	return kindOf(err) == KindRangeTooWide
}

// IsNotFound reports whether err is a missing-object response.
func IsNotFound(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindNotFound
	}
	return errors.Is(err, ethereum.NotFound)
}

// IsFatal reports whether retrying err can never succeed.
func IsFatal(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindFatal
	}
	return kindOf(err) == KindFatal
}

// IsTransient reports whether the caller may retry err later.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindTransient
	}
	return kindOf(err) == KindTransient
}
