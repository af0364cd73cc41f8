package classify

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"syncwatch/internal/failure"
)

// systemPrefixes are directory trees where permission errors are a
// property of the OS, not something a retry or credential fix resolves.
var systemPrefixes = []string{"/proc", "/sys", "/etc", "/dev", "/boot", "/run"}

// Local classifies errors from locally mounted filesystems. Local
// errors resolve fast (mount comes back, file reappears) or never, so
// retry windows are short and flat.
type Local struct{}

// NewLocal returns the local-filesystem classifier.
func NewLocal() *Local { return &Local{} }

func (l *Local) SourceType() failure.SourceType { return failure.SourceLocal }

func (l *Local) Classify(err error, ctx *failure.Context) failure.Classification {
	et := l.errorType(err)
	sev := l.severity(et, pathOf(ctx))
	return failure.Classification{
		ErrorType:         et,
		Severity:          sev,
		RetryStrategy:     failure.RetryFixed,
		RetryDelaySeconds: l.retryDelay(et),
		MaxRetries:        maxRetriesFor(sev),
		UserMessage:       l.messageFor(et, pathOf(ctx)),
		RecommendedAction: l.action(et, sev),
		Diagnostics:       l.Diagnostics(err, ctx),
	}
}

func (l *Local) errorType(err error) failure.ErrorType {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return failure.ErrorNotFound
	case errors.Is(err, fs.ErrPermission):
		return failure.ErrorPermissionDenied
	}
	msg := strings.ToLower(err.Error())
	// Substring checks cannot distinguish errno 2 from 24 or 28, so the
	// numeric code is parsed out first.
	switch osErrorCode(msg) {
	case 2:
		return failure.ErrorNotFound
	case 13:
		return failure.ErrorPermissionDenied
	case 24:
		return failure.ErrorTooManyItems
	case 28:
		return failure.ErrorQuotaExceeded
	case 36:
		return failure.ErrorPathTooLong
	}
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "operation not permitted"):
		return failure.ErrorPermissionDenied
	case strings.Contains(msg, "no such file"):
		return failure.ErrorNotFound
	case strings.Contains(msg, "file name too long"):
		return failure.ErrorPathTooLong
	case strings.Contains(msg, "too many open files"):
		return failure.ErrorTooManyItems
	case strings.Contains(msg, "no space left"):
		return failure.ErrorQuotaExceeded
	case strings.Contains(msg, "stale") || strings.Contains(msg, "not connected") || strings.Contains(msg, "host is down"):
		return failure.ErrorNetwork
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return failure.ErrorTimeout
	case strings.Contains(msg, "invalid argument") || strings.Contains(msg, "invalid utf-8"):
		return failure.ErrorInvalidCharacters
	case strings.Contains(msg, "is a directory") || strings.Contains(msg, "not a directory"):
		return failure.ErrorConflict
	case strings.Contains(msg, "read-only") || strings.Contains(msg, "not supported"):
		return failure.ErrorUnsupportedOperation
	default:
		return failure.ErrorUnknown
	}
}

func (l *Local) severity(et failure.ErrorType, path string) failure.Severity {
	if et == failure.ErrorPermissionDenied && underSystemPath(path) {
		return failure.SeverityCritical
	}
	switch et {
	case failure.ErrorPathTooLong, failure.ErrorInvalidCharacters:
		return failure.SeverityCritical
	case failure.ErrorPermissionDenied, failure.ErrorQuotaExceeded, failure.ErrorUnsupportedOperation:
		return failure.SeverityHigh
	case failure.ErrorNotFound, failure.ErrorConflict, failure.ErrorTooManyItems, failure.ErrorTimeout:
		return failure.SeverityMedium
	case failure.ErrorNetwork:
		return failure.SeverityLow
	default:
		return failure.SeverityMedium
	}
}

func (l *Local) retryDelay(et failure.ErrorType) int {
	switch et {
	case failure.ErrorTooManyItems:
		return 5 // fd pressure clears quickly
	case failure.ErrorTimeout:
		return 10
	case failure.ErrorNotFound, failure.ErrorConflict:
		return 30
	case failure.ErrorNetwork:
		return 60 // remote mount may come back
	case failure.ErrorPermissionDenied, failure.ErrorQuotaExceeded:
		return 300
	default:
		return 30
	}
}

func underSystemPath(path string) bool {
	for _, p := range systemPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func (l *Local) Diagnostics(err error, ctx *failure.Context) map[string]any {
	msg := err.Error()
	d := map[string]any{}
	if code := ExtractErrorCode(msg); code != "" {
		d["error_code"] = code
	}
	if fsType := detectFilesystemHint(msg); fsType != "" {
		d["filesystem_hint"] = fsType
	}
	if ctx != nil && ctx.ResourcePath != "" {
		d["path_depth"] = PathDepth(ctx.ResourcePath)
		d["path_length"] = len(ctx.ResourcePath)
		d["system_path"] = underSystemPath(ctx.ResourcePath)
	}
	return d
}

// detectFilesystemHint spots remote or userspace filesystem mentions in
// an error message; those failure modes differ from plain local disks.
func detectFilesystemHint(msg string) string {
	lower := strings.ToLower(msg)
	for _, fsType := range []string{"nfs", "cifs", "smb", "fuse", "sshfs", "overlay"} {
		if strings.Contains(lower, fsType) {
			return fsType
		}
	}
	return ""
}

func (l *Local) UserMessage(f *failure.ScanFailure) string {
	return l.messageFor(f.ErrorType, f.ResourcePath)
}

func (l *Local) messageFor(et failure.ErrorType, path string) string {
	suffix := ""
	if path != "" {
		suffix = fmt.Sprintf(" (%s)", path)
	}
	switch et {
	case failure.ErrorPermissionDenied:
		if underSystemPath(path) {
			return "This is a protected system directory and cannot be scanned" + suffix
		}
		return "The scanning process lacks permission to read this path" + suffix
	case failure.ErrorNotFound:
		return "The file or directory no longer exists" + suffix
	case failure.ErrorPathTooLong:
		return "The path exceeds the filesystem's length limit" + suffix
	case failure.ErrorTooManyItems:
		return "The process ran out of file descriptors while scanning" + suffix
	case failure.ErrorQuotaExceeded:
		return "The filesystem is out of space" + suffix
	case failure.ErrorNetwork:
		return "A remote mount backing this path is unreachable" + suffix
	case failure.ErrorInvalidCharacters:
		return "The file name is not valid UTF-8" + suffix
	case failure.ErrorConflict:
		return "The path changed type between directory and file" + suffix
	default:
		return "An unexpected filesystem error occurred" + suffix
	}
}

func (l *Local) action(et failure.ErrorType, sev failure.Severity) string {
	switch {
	case et == failure.ErrorPermissionDenied && sev == failure.SeverityCritical:
		return "Exclude this system directory from scanning"
	case et == failure.ErrorPermissionDenied:
		return "Grant the scanning process read access, or exclude the path"
	case et == failure.ErrorNetwork:
		return "Check that the remote mount is connected"
	case et == failure.ErrorQuotaExceeded:
		return "Free up disk space"
	case et == failure.ErrorPathTooLong || et == failure.ErrorInvalidCharacters:
		return "Rename the offending file or directory"
	default:
		return "Will retry automatically; no action needed"
	}
}

func (l *Local) ShouldRetry(f *failure.ScanFailure) bool {
	return retryBySeverity(f, map[failure.Severity]int{
		failure.SeverityHigh:   3,
		failure.SeverityMedium: 5,
		failure.SeverityLow:    10,
	})
}
