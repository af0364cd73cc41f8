package classify

import (
	"fmt"
	"strings"

	"syncwatch/internal/failure"
)

// WebDAV classifies errors from WebDAV-style protocol servers. It leans
// on HTTP status codes and protocol-specific message patterns (XML
// parse failures, Depth limits, path length limits).
type WebDAV struct{}

// NewWebDAV returns the WebDAV classifier.
func NewWebDAV() *WebDAV { return &WebDAV{} }

func (w *WebDAV) SourceType() failure.SourceType { return failure.SourceWebDAV }

func (w *WebDAV) Classify(err error, ctx *failure.Context) failure.Classification {
	msg := strings.ToLower(err.Error())
	et := w.errorType(msg)
	sev := w.severity(et)
	strategy, delay := w.retryPolicy(et)
	return failure.Classification{
		ErrorType:         et,
		Severity:          sev,
		RetryStrategy:     strategy,
		RetryDelaySeconds: delay,
		MaxRetries:        w.maxRetries(sev),
		UserMessage:       w.messageFor(et, pathOf(ctx)),
		RecommendedAction: w.action(et),
		Diagnostics:       w.Diagnostics(err, ctx),
	}
}

func (w *WebDAV) errorType(msg string) failure.ErrorType {
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "408"):
		return failure.ErrorTimeout
	case strings.Contains(msg, "path too long") || strings.Contains(msg, "name too long") || strings.Contains(msg, "uri too long") || strings.Contains(msg, "414"):
		return failure.ErrorPathTooLong
	case strings.Contains(msg, "invalid character") || strings.Contains(msg, "illegal character"):
		return failure.ErrorInvalidCharacters
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return failure.ErrorRateLimited
	case strings.Contains(msg, "too many items") || strings.Contains(msg, "limit exceeded"):
		return failure.ErrorTooManyItems
	case strings.Contains(msg, "depth"):
		return failure.ErrorDepthLimit
	case strings.Contains(msg, "413") || strings.Contains(msg, "entity too large") || strings.Contains(msg, "payload too large"):
		return failure.ErrorSizeLimit
	case strings.Contains(msg, "507") || strings.Contains(msg, "insufficient storage") || strings.Contains(msg, "quota"):
		return failure.ErrorQuotaExceeded
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "permission"):
		return failure.ErrorPermissionDenied
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return failure.ErrorNotFound
	case strings.Contains(msg, "409") || strings.Contains(msg, "conflict") || strings.Contains(msg, "423") || strings.Contains(msg, "locked"):
		return failure.ErrorConflict
	case strings.Contains(msg, "405") || strings.Contains(msg, "not implemented") || strings.Contains(msg, "not supported"):
		return failure.ErrorUnsupportedOperation
	case strings.Contains(msg, "xml") || strings.Contains(msg, "parse") || strings.Contains(msg, "malformed"):
		return failure.ErrorXMLParse
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504") || strings.Contains(msg, "server error"):
		return failure.ErrorServer
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "dns") || strings.Contains(msg, "refused"):
		return failure.ErrorNetwork
	default:
		return failure.ErrorUnknown
	}
}

func (w *WebDAV) severity(et failure.ErrorType) failure.Severity {
	switch et {
	// Structural problems no retry will fix.
	case failure.ErrorPathTooLong, failure.ErrorInvalidCharacters, failure.ErrorNotFound:
		return failure.SeverityCritical
	case failure.ErrorPermissionDenied, failure.ErrorXMLParse, failure.ErrorTooManyItems,
		failure.ErrorDepthLimit, failure.ErrorSizeLimit, failure.ErrorQuotaExceeded,
		failure.ErrorUnsupportedOperation:
		return failure.SeverityHigh
	case failure.ErrorTimeout, failure.ErrorServer, failure.ErrorConflict, failure.ErrorRateLimited:
		return failure.SeverityMedium
	case failure.ErrorNetwork:
		return failure.SeverityLow
	default:
		return failure.SeverityMedium
	}
}

func (w *WebDAV) retryPolicy(et failure.ErrorType) (failure.RetryStrategy, int) {
	switch et {
	case failure.ErrorNetwork:
		return failure.RetryExponential, 60
	case failure.ErrorTimeout:
		return failure.RetryExponential, 900
	case failure.ErrorServer:
		return failure.RetryExponential, 300
	case failure.ErrorXMLParse:
		return failure.RetryLinear, 600
	case failure.ErrorRateLimited:
		return failure.RetryLinear, 600
	default:
		return failure.RetryExponential, 300
	}
}

func (w *WebDAV) maxRetries(sev failure.Severity) int {
	switch sev {
	case failure.SeverityCritical:
		return 1
	case failure.SeverityHigh:
		return 3
	case failure.SeverityMedium:
		return 5
	default:
		return 10
	}
}

func (w *WebDAV) Diagnostics(err error, ctx *failure.Context) map[string]any {
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
	if ctx != nil {
		if ctx.ResourcePath != "" {
			d["path_depth"] = PathDepth(ctx.ResourcePath)
			d["path_length"] = len(ctx.ResourcePath)
		}
		if ctx.ServerType != "" {
			d["server_type"] = ctx.ServerType
		}
		if ctx.ServerVersion != "" {
			d["server_version"] = ctx.ServerVersion
		}
		if ctx.ResponseTime > 0 {
			d["response_time_ms"] = ctx.ResponseTime.Milliseconds()
		}
	}
	return d
}

func (w *WebDAV) UserMessage(f *failure.ScanFailure) string {
	return w.messageFor(f.ErrorType, f.ResourcePath)
}

func (w *WebDAV) messageFor(et failure.ErrorType, path string) string {
	suffix := ""
	if path != "" {
		suffix = fmt.Sprintf(" (%s)", path)
	}
	switch et {
	case failure.ErrorPathTooLong:
		return "The path is too long for the server to handle" + suffix
	case failure.ErrorInvalidCharacters:
		return "The path contains characters the server rejects" + suffix
	case failure.ErrorXMLParse:
		return "The server returned a malformed directory listing" + suffix
	case failure.ErrorTooManyItems:
		return "The directory has too many entries to list in one request" + suffix
	case failure.ErrorDepthLimit:
		return "The server refused the requested listing depth" + suffix
	case failure.ErrorSizeLimit:
		return "The server rejected the request as too large" + suffix
	case failure.ErrorQuotaExceeded:
		return "The server reports its storage quota is exceeded" + suffix
	case failure.ErrorConflict:
		return "The resource is locked or in a conflicting state" + suffix
	case failure.ErrorUnsupportedOperation:
		return "The server does not support this operation" + suffix
	case failure.ErrorPermissionDenied:
		return "The server denied access to this resource" + suffix
	case failure.ErrorNotFound:
		return "The resource no longer exists on the server" + suffix
	case failure.ErrorTimeout:
		return "The server took too long to answer" + suffix
	case failure.ErrorServer:
		return "The server reported an internal error" + suffix
	case failure.ErrorRateLimited:
		return "The server is rate-limiting requests" + suffix
	case failure.ErrorNetwork:
		return "Could not reach the server" + suffix
	default:
		return "An unexpected error occurred while talking to the server" + suffix
	}
}

func (w *WebDAV) action(et failure.ErrorType) string {
	switch et {
	case failure.ErrorPathTooLong, failure.ErrorInvalidCharacters:
		return "Rename the resource on the server, then retry"
	case failure.ErrorPermissionDenied:
		return "Check the account's share permissions on the server"
	case failure.ErrorTooManyItems, failure.ErrorDepthLimit:
		return "Split the directory into smaller ones, or exclude it"
	case failure.ErrorQuotaExceeded:
		return "Free up space on the server"
	case failure.ErrorXMLParse:
		return "Check the server version; retrying may help for transient corruption"
	case failure.ErrorNetwork, failure.ErrorTimeout, failure.ErrorServer, failure.ErrorRateLimited:
		return "Will retry automatically; no action needed"
	default:
		return "Retry later; exclude the resource if the error persists"
	}
}

func (w *WebDAV) ShouldRetry(f *failure.ScanFailure) bool {
	return retryBySeverity(f, map[failure.Severity]int{
		failure.SeverityCritical: 1,
		failure.SeverityHigh:     3,
		failure.SeverityMedium:   5,
		failure.SeverityLow:      10,
	})
}

func pathOf(ctx *failure.Context) string {
	if ctx == nil {
		return ""
	}
	return ctx.ResourcePath
}
