package orchestrator

import (
	"strings"
)

// Failure categories recognized by the external-message classifier.
const (
	failureQuota         = "quota"
	failureAuth          = "auth"
	failureModelNotFound = "model_not_found"
	failureTokenLimit    = "token_limit"
	failureNetwork       = "network"
	failureForbidden     = "forbidden"
	failureUnknown       = "unknown"
)

const genericFailureMessage = "Analysis failed. Check the job logs for details."

// classifyFailure maps an internal error onto a category and a fixed,
// non-sensitive user-facing message. The full error text stays in the internal
// job log only.
func classifyFailure(err error) (category, userMessage string) {
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "quota", "rate limit", "too many requests", "429"):
		return failureQuota, "The AI provider rate limit or quota was exceeded. Try again later."
	case containsAny(msg, "401", "unauthorized", "invalid api key", "authentication failed"):
		return failureAuth, "Authentication with the AI provider failed. Check the configured credentials."
	case containsAny(msg, "model not found", "no such model", "unknown model"):
		return failureModelNotFound, "The configured AI model is not available. Check the project's model setting."
	case containsAny(msg, "token limit", "context length", "maximum context", "too many tokens"):
		return failureTokenLimit, "The change set is too large for the configured model's context window."
	case containsAny(msg, "connection refused", "connection reset", "no such host", "i/o timeout", "network is unreachable", "deadline exceeded"):
		return failureNetwork, "A network error occurred while contacting an external service. Try again later."
	case containsAny(msg, "403", "forbidden", "permission denied", "insufficient permission"):
		return failureForbidden, "The service account lacks permission for this operation. Check repository access."
	}
	return failureUnknown, sanitizeMessage(err.Error())
}

// sanitizeMessage guards the unknown-category path: anything that smells like
// an internal dump (stack markers, excessive length) collapses to a generic
// message rather than leaking internals to an external system.
func sanitizeMessage(msg string) string {
	if len(msg) > 300 {
		return genericFailureMessage
	}
	lower := strings.ToLower(msg)
	if containsAny(lower, "panic:", "goroutine ", ".go:", "runtime error", "sql:", "pq:", "sqlstate") {
		return genericFailureMessage
	}
	if strings.TrimSpace(msg) == "" {
		return genericFailureMessage
	}
	return msg
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
