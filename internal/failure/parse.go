package failure

import "fmt"

// ParseSourceType validates a user-supplied source type string.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceWebDAV, SourceS3, SourceLocal:
		return SourceType(s), nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// ParseSeverity validates a user-supplied severity string.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// ParseErrorType validates a user-supplied error type string.
func ParseErrorType(s string) (ErrorType, error) {
	switch ErrorType(s) {
	case ErrorTimeout, ErrorPermissionDenied, ErrorNotFound, ErrorNetwork,
		ErrorServer, ErrorPathTooLong, ErrorInvalidCharacters, ErrorTooManyItems,
		ErrorDepthLimit, ErrorSizeLimit, ErrorXMLParse, ErrorJSONParse,
		ErrorQuotaExceeded, ErrorRateLimited, ErrorConflict,
		ErrorUnsupportedOperation, ErrorUnknown:
		return ErrorType(s), nil
	}
	return "", fmt.Errorf("unknown error type %q", s)
}
