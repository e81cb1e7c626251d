package agent

import (
	"fmt"
	"strings"
)

// ErrorKind classifies terminal run errors surfaced in results.
type ErrorKind string

const (
	KindContextOverflow   ErrorKind = "context_overflow"
	KindCompactionFailure ErrorKind = "compaction_failure"
	KindTimeout           ErrorKind = "timeout"
	KindAuth              ErrorKind = "auth"
	KindBilling           ErrorKind = "billing"
	KindRateLimit         ErrorKind = "rate_limit"
	KindUnknown           ErrorKind = "unknown"
)

// String returns the wire form of the kind.
func (k ErrorKind) String() string { return string(k) }

// FailoverError signals the caller to pick the next fallback
// model/provider. Provider and Model identify the currently erroring
// pair, which after rotation may differ from the requested one.
type FailoverError struct {
	Reason   ErrorKind
	Provider string
	Model    string
}

// Error implements error.
func (e *FailoverError) Error() string {
	return fmt.Sprintf("failover (%s): provider=%s model=%s", e.Reason, e.Provider, e.Model)
}

// overflowMarkers identify context-overflow prompt errors across
// providers.
var overflowMarkers = []string{
	"request_too_large",
	"request size exceeds",
	"context window exceeded",
	"prompt too large",
	"context_length_exceeded",
	"maximum context length",
}

// IsContextOverflow reports whether an error message describes a
// context-window overflow.
func IsContextOverflow(msg string) bool {
	low := strings.ToLower(msg)
	for _, m := range overflowMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}

// IsCompactionFailure reports an overflow whose compaction step itself
// failed. These are terminal: compacting again cannot help.
func IsCompactionFailure(msg string) bool {
	return IsContextOverflow(msg) && strings.Contains(strings.ToLower(msg), "summarization failed")
}

// isEmptyChunkError matches streams that ended without producing any
// chunks. Providers emit this under load; it rotates like a rate limit.
func isEmptyChunkError(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "ended without sending any chunks")
}

// ClassifyAssistantError maps an assistant-level error message to a kind.
func ClassifyAssistantError(msg string) ErrorKind {
	low := strings.ToLower(msg)
	switch {
	case IsContextOverflow(msg):
		return KindContextOverflow
	case strings.Contains(low, "rate limit") ||
		strings.Contains(low, "too many requests") ||
		strings.Contains(low, "429") ||
		isEmptyChunkError(msg):
		return KindRateLimit
	case strings.Contains(low, "billing") ||
		strings.Contains(low, "insufficient credit") ||
		strings.Contains(low, "quota exceeded") ||
		strings.Contains(low, "402"):
		return KindBilling
	case strings.Contains(low, "invalid api key") ||
		strings.Contains(low, "unauthorized") ||
		strings.Contains(low, "authentication") ||
		strings.Contains(low, "401") ||
		strings.Contains(low, "403"):
		return KindAuth
	case strings.Contains(low, "timed out") || strings.Contains(low, "timeout"):
		return KindTimeout
	default:
		return KindUnknown
	}
}
