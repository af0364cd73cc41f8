// Package failure defines the domain model for per-resource scan failure
// tracking: source and error taxonomies, the durable failure record, and
// the classifier contract implemented per source type.
package failure

import "time"

// SourceType identifies the kind of origin a resource was scanned from.
type SourceType string

const (
	// SourceWebDAV is a remote WebDAV-style protocol server.
	SourceWebDAV SourceType = "webdav"
	// SourceS3 is an S3-compatible object store.
	SourceS3 SourceType = "s3"
	// SourceLocal is a locally mounted filesystem directory.
	SourceLocal SourceType = "local"
)

// ErrorType is the generic classification of a scan error, shared by all
// source types.
type ErrorType string

const (
	ErrorTimeout              ErrorType = "timeout"
	ErrorPermissionDenied     ErrorType = "permission_denied"
	ErrorNotFound             ErrorType = "not_found"
	ErrorNetwork              ErrorType = "network_error"
	ErrorServer               ErrorType = "server_error"
	ErrorPathTooLong          ErrorType = "path_too_long"
	ErrorInvalidCharacters    ErrorType = "invalid_characters"
	ErrorTooManyItems         ErrorType = "too_many_items"
	ErrorDepthLimit           ErrorType = "depth_limit"
	ErrorSizeLimit            ErrorType = "size_limit"
	ErrorXMLParse             ErrorType = "xml_parse_error"
	ErrorJSONParse            ErrorType = "json_parse_error"
	ErrorQuotaExceeded        ErrorType = "quota_exceeded"
	ErrorRateLimited          ErrorType = "rate_limited"
	ErrorConflict             ErrorType = "conflict"
	ErrorUnsupportedOperation ErrorType = "unsupported_operation"
	ErrorUnknown              ErrorType = "unknown"
)

// Severity ranks how serious a failure is, driving retry policy and skip
// decisions.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the numeric ordering of a severity, lowest first.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// RetryStrategy controls how the retry cooldown grows with consecutive
// failures.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// ScanFailure is the durable per-resource failure record. One row exists
// per (user, source type, source id, resource path); repeat errors
// increment it in place.
type ScanFailure struct {
	ID           string
	UserID       string
	SourceType   SourceType
	SourceID     string // empty when the failure is not tied to a configured source
	ResourcePath string

	ErrorType           ErrorType
	Severity            Severity
	FailureCount        int
	ConsecutiveFailures int

	// Unix seconds; zero means unset.
	FirstFailureAt int64
	LastFailureAt  int64
	LastRetryAt    int64
	NextRetryAt    int64

	ErrorMessage   string
	ErrorCode      string
	HTTPStatusCode int

	ResponseTimeMs     int
	ResponseSizeBytes  int64
	ResourceSizeBytes  int64
	ResourceDepth      int
	EstimatedItemCount int

	// DiagnosticData is an opaque classifier-specific payload, stored as JSON.
	DiagnosticData map[string]any

	UserExcluded bool
	UserNotes    string

	RetryStrategy     RetryStrategy
	MaxRetries        int
	RetryDelaySeconds int

	Resolved         bool
	ResolvedAt       int64
	ResolutionMethod string
	ResolutionNotes  string

	CreatedAt int64
	UpdatedAt int64
}

// Active reports whether the failure still blocks or schedules work:
// neither resolved nor excluded by the user.
func (f *ScanFailure) Active() bool {
	return !f.Resolved && !f.UserExcluded
}

// Context carries the circumstances of a single failed operation into a
// classifier. It is ephemeral and never persisted.
type Context struct {
	ResourcePath  string
	SourceID      string
	Operation     string // e.g. "list_directory", "read_file", "evaluate_sync_need"
	ResponseTime  time.Duration
	ResponseSize  int64
	ServerType    string
	ServerVersion string
	Extra         map[string]any
}

// Classification is a classifier's verdict for one error occurrence.
type Classification struct {
	ErrorType         ErrorType
	Severity          Severity
	RetryStrategy     RetryStrategy
	RetryDelaySeconds int
	MaxRetries        int
	UserMessage       string
	RecommendedAction string
	Diagnostics       map[string]any
}

// Classifier turns raw errors from one source type into structured
// classifications. Implementations must be deterministic, side-effect
// free, and cheap enough to run synchronously on the error path.
type Classifier interface {
	// Classify maps a raw error plus its context to a classification.
	Classify(err error, ctx *Context) Classification

	// Diagnostics extracts source-specific diagnostic fields for an error.
	Diagnostics(err error, ctx *Context) map[string]any

	// UserMessage builds a human-readable explanation for a stored failure.
	UserMessage(f *ScanFailure) string

	// ShouldRetry reports whether automatic retry is still worthwhile.
	ShouldRetry(f *ScanFailure) bool

	// SourceType names the source type this classifier handles.
	SourceType() SourceType
}

// Incident is the insert/increment payload handed to the failure store:
// one classified error occurrence for one resource.
type Incident struct {
	UserID       string
	SourceType   SourceType
	SourceID     string
	ResourcePath string

	ErrorType         ErrorType
	Severity          Severity
	RetryStrategy     RetryStrategy
	RetryDelaySeconds int
	MaxRetries        int

	ErrorMessage   string
	ErrorCode      string
	HTTPStatusCode int

	ResponseTimeMs     int
	ResponseSizeBytes  int64
	ResourceSizeBytes  int64
	ResourceDepth      int
	EstimatedItemCount int

	DiagnosticData map[string]any
}

// SkipDecision explains whether and why a resource should be skipped on
// the current cycle.
type SkipDecision struct {
	Skip              bool
	Reason            string
	FailureCount      int
	CooldownRemaining time.Duration
}

// ListQuery filters failure listings. Zero values mean "no filter";
// Limit defaults to 50 when unset.
type ListQuery struct {
	SourceType      SourceType
	SourceID        string
	ErrorType       ErrorType
	Severity        Severity
	IncludeResolved bool
	IncludeExcluded bool
	ReadyForRetry   bool
	Limit           int
	Offset          int
}

// DiagnosticSummary is the derived, user-facing view of a failure's
// diagnostics.
type DiagnosticSummary struct {
	UserMessage        string
	ResourceDepth      int
	EstimatedItemCount int
	ResponseTimeMs     int
	ResponseSizeMB     float64
	ResourceSizeMB     float64
	RecommendedAction  string
	CanRetry           bool
	UserActionRequired bool
	SourceSpecific     map[string]any
}

// Details pairs a stored failure with its derived diagnostic summary.
type Details struct {
	ScanFailure
	Diagnostics DiagnosticSummary
}

// Stats aggregates a user's failures for reporting.
type Stats struct {
	ActiveFailures    int64
	ResolvedFailures  int64
	ExcludedResources int64
	CriticalFailures  int64
	HighFailures      int64
	MediumFailures    int64
	LowFailures       int64
	ReadyForRetry     int64
	BySourceType      map[string]int64
	ByErrorType       map[string]int64
}
