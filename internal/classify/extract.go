package classify

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	httpStatusRe = regexp.MustCompile(`\b([4-5]\d{2})\b`)
	errorCodeRe  = regexp.MustCompile(`error[:\s]+([A-Z0-9_]+)`)
	osErrorRe    = regexp.MustCompile(`os error (\d+)`)
	itemCountRe  = regexp.MustCompile(`(\d+)\s*(?:items?|files?|entries|objects?|directories)`)
)

// ExtractHTTPStatus pulls an HTTP status code out of an error string.
// Common statuses are matched directly before falling back to a regex
// scan for any 4xx/5xx number. Returns 0 when nothing matches.
func ExtractHTTPStatus(msg string) int {
	for _, code := range []int{401, 403, 404, 408, 409, 423, 429, 500, 502, 503, 504, 507} {
		if strings.Contains(msg, strconv.Itoa(code)) {
			return code
		}
	}
	if m := httpStatusRe.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

// ExtractErrorCode pulls a protocol error code out of an error string:
// either an "error: CODE" token or an "os error N" number rendered as
// OS_N. Returns "" when nothing matches.
func ExtractErrorCode(msg string) string {
	// "os error N" must win: errorCodeRe would otherwise capture the
	// bare number.
	if m := osErrorRe.FindStringSubmatch(msg); m != nil {
		return "OS_" + m[1]
	}
	if m := errorCodeRe.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return ""
}

// osErrorCode returns the errno of an "os error N" message, 0 when
// absent.
func osErrorCode(msg string) int {
	if m := osErrorRe.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

// EstimateItemCount pulls an item count mentioned in an error message,
// e.g. "directory contains 150000 items". Returns 0 when absent.
func EstimateItemCount(msg string) int {
	if m := itemCountRe.FindStringSubmatch(strings.ToLower(msg)); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

// PathDepth counts the path components of a slash-separated resource path.
func PathDepth(path string) int {
	depth := 0
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			depth++
		}
	}
	return depth
}
