package classify

import (
	"fmt"
	"strings"

	"syncwatch/internal/failure"
)

// Generic is the fallback classifier used when no source-specific one is
// registered. It works purely off error message keywords and assigns
// conservative retry policy.
type Generic struct{}

// NewGeneric returns the generic fallback classifier.
func NewGeneric() *Generic { return &Generic{} }

func (g *Generic) SourceType() failure.SourceType { return "" }

func (g *Generic) Classify(err error, ctx *failure.Context) failure.Classification {
	msg := strings.ToLower(err.Error())

	et := failure.ErrorUnknown
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		et = failure.ErrorTimeout
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		et = failure.ErrorPermissionDenied
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		et = failure.ErrorNotFound
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		et = failure.ErrorRateLimited
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "dns") || strings.Contains(msg, "no route to host"):
		et = failure.ErrorNetwork
	case strings.Contains(msg, "server error") || strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		et = failure.ErrorServer
	}

	sev := genericSeverity(et)
	return failure.Classification{
		ErrorType:         et,
		Severity:          sev,
		RetryStrategy:     genericStrategy(et),
		RetryDelaySeconds: genericDelay(et),
		MaxRetries:        maxRetriesFor(sev),
		UserMessage:       g.messageFor(et, ""),
		RecommendedAction: genericAction(et),
		Diagnostics:       g.Diagnostics(err, ctx),
	}
}

func genericSeverity(et failure.ErrorType) failure.Severity {
	switch et {
	case failure.ErrorNotFound:
		return failure.SeverityCritical
	case failure.ErrorPermissionDenied:
		return failure.SeverityHigh
	case failure.ErrorTimeout, failure.ErrorServer:
		return failure.SeverityMedium
	case failure.ErrorNetwork, failure.ErrorRateLimited:
		return failure.SeverityLow
	default:
		return failure.SeverityMedium
	}
}

func genericStrategy(et failure.ErrorType) failure.RetryStrategy {
	if et == failure.ErrorRateLimited {
		return failure.RetryLinear
	}
	return failure.RetryExponential
}

func genericDelay(et failure.ErrorType) int {
	switch et {
	case failure.ErrorRateLimited:
		return 600
	case failure.ErrorNetwork:
		return 60
	case failure.ErrorTimeout:
		return 900
	default:
		return 300
	}
}

func genericAction(et failure.ErrorType) string {
	switch et {
	case failure.ErrorNotFound:
		return "Verify the resource still exists, then retry manually"
	case failure.ErrorPermissionDenied:
		return "Check credentials and access rights for this resource"
	case failure.ErrorRateLimited:
		return "Wait for the rate limit window to pass"
	case failure.ErrorNetwork:
		return "Check network connectivity to the source"
	default:
		return "Retry later; contact the source administrator if it persists"
	}
}

// maxRetriesFor is the default severity-based retry budget shared by
// classifiers that do not override it: critical failures are never
// retried automatically.
func maxRetriesFor(sev failure.Severity) int {
	switch sev {
	case failure.SeverityCritical:
		return 0
	case failure.SeverityHigh:
		return 3
	case failure.SeverityMedium:
		return 5
	default:
		return 10
	}
}

func (g *Generic) Diagnostics(err error, ctx *failure.Context) map[string]any {
	msg := err.Error()
	d := map[string]any{}
	if code := ExtractHTTPStatus(msg); code != 0 {
		d["http_status"] = code
	}
	if code := ExtractErrorCode(msg); code != "" {
		d["error_code"] = code
	}
	if n := EstimateItemCount(msg); n > 0 {
		d["estimated_item_count"] = n
	}
	if ctx != nil && ctx.ResourcePath != "" {
		d["path_depth"] = PathDepth(ctx.ResourcePath)
	}
	return d
}

func (g *Generic) UserMessage(f *failure.ScanFailure) string {
	return g.messageFor(f.ErrorType, f.ResourcePath)
}

func (g *Generic) messageFor(et failure.ErrorType, path string) string {
	suffix := ""
	if path != "" {
		suffix = fmt.Sprintf(" (%s)", path)
	}
	switch et {
	case failure.ErrorTimeout:
		return "The source took too long to respond" + suffix
	case failure.ErrorPermissionDenied:
		return "Access to this resource was denied" + suffix
	case failure.ErrorNotFound:
		return "This resource no longer exists on the source" + suffix
	case failure.ErrorNetwork:
		return "A network problem prevented reaching the source" + suffix
	case failure.ErrorServer:
		return "The source reported an internal error" + suffix
	case failure.ErrorRateLimited:
		return "The source is rate-limiting requests" + suffix
	default:
		return "An unexpected error occurred while scanning" + suffix
	}
}

func (g *Generic) ShouldRetry(f *failure.ScanFailure) bool {
	return retryBySeverity(f, map[failure.Severity]int{
		failure.SeverityHigh:   3,
		failure.SeverityMedium: 5,
		failure.SeverityLow:    10,
	})
}

// retryBySeverity applies a severity-keyed attempt budget. Resolved and
// excluded failures never retry; critical failures retry only when the
// map explicitly allows them.
func retryBySeverity(f *failure.ScanFailure, budget map[failure.Severity]int) bool {
	if !f.Active() {
		return false
	}
	max, ok := budget[f.Severity]
	if !ok {
		return false
	}
	return f.FailureCount < max
}
