package classify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"syncwatch/internal/failure"
)

// S3 classifies errors from S3-compatible object stores. Typed SDK
// errors are inspected first; message patterns are only a fallback for
// errors that reach us as plain strings.
type S3 struct{}

// NewS3 returns the S3 classifier.
func NewS3() *S3 { return &S3{} }

func (s *S3) SourceType() failure.SourceType { return failure.SourceS3 }

func (s *S3) Classify(err error, ctx *failure.Context) failure.Classification {
	et, sev := s.typeAndSeverity(err)
	strategy, delay := s.retryPolicy(et)
	return failure.Classification{
		ErrorType:         et,
		Severity:          sev,
		RetryStrategy:     strategy,
		RetryDelaySeconds: delay,
		MaxRetries:        s.maxRetries(sev),
		UserMessage:       s.messageFor(et, pathOf(ctx)),
		RecommendedAction: s.action(et),
		Diagnostics:       s.Diagnostics(err, ctx),
	}
}

func (s *S3) typeAndSeverity(err error) (failure.ErrorType, failure.Severity) {
	// A missing bucket dooms every future scan of this source; a missing
	// object is routine churn.
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return failure.ErrorNotFound, failure.SeverityCritical
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return failure.ErrorNotFound, failure.SeverityMedium
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "PermanentRedirect", "BucketRegionError":
			return failure.ErrorNotFound, failure.SeverityCritical
		case "NoSuchKey", "NotFound":
			return failure.ErrorNotFound, failure.SeverityMedium
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
			return failure.ErrorPermissionDenied, failure.SeverityHigh
		case "SlowDown", "TooManyRequests", "RequestLimitExceeded", "Throttling", "ThrottlingException":
			return failure.ErrorRateLimited, failure.SeverityMedium
		case "RequestTimeout", "RequestTimeoutException":
			return failure.ErrorTimeout, failure.SeverityMedium
		case "InternalError", "ServiceUnavailable", "503 SlowDown":
			return failure.ErrorServer, failure.SeverityMedium
		case "KeyTooLongError":
			return failure.ErrorPathTooLong, failure.SeverityCritical
		case "InvalidObjectState":
			return failure.ErrorUnsupportedOperation, failure.SeverityHigh
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 403:
			return failure.ErrorPermissionDenied, failure.SeverityHigh
		case code == 404:
			return failure.ErrorNotFound, failure.SeverityMedium
		case code == 429:
			return failure.ErrorRateLimited, failure.SeverityMedium
		case code >= 500:
			return failure.ErrorServer, failure.SeverityMedium
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return failure.ErrorTimeout, failure.SeverityMedium
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "forbidden"):
		return failure.ErrorPermissionDenied, failure.SeverityHigh
	case strings.Contains(msg, "no such bucket"):
		return failure.ErrorNotFound, failure.SeverityCritical
	case strings.Contains(msg, "no such key") || strings.Contains(msg, "not found"):
		return failure.ErrorNotFound, failure.SeverityMedium
	case strings.Contains(msg, "slow down") || strings.Contains(msg, "rate"):
		return failure.ErrorRateLimited, failure.SeverityMedium
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "dns"):
		return failure.ErrorNetwork, failure.SeverityLow
	default:
		return failure.ErrorUnknown, failure.SeverityMedium
	}
}

func (s *S3) retryPolicy(et failure.ErrorType) (failure.RetryStrategy, int) {
	switch et {
	// Throttling on an object store clears on the provider's schedule,
	// not ours; back off for a long, flat window.
	case failure.ErrorRateLimited:
		return failure.RetryFixed, 1200
	case failure.ErrorNetwork:
		return failure.RetryExponential, 60
	case failure.ErrorTimeout:
		return failure.RetryExponential, 300
	default:
		return failure.RetryExponential, 300
	}
}

func (s *S3) maxRetries(sev failure.Severity) int {
	switch sev {
	case failure.SeverityCritical:
		return 1
	case failure.SeverityHigh:
		return 2
	case failure.SeverityMedium:
		return 5
	default:
		return 10
	}
}

func (s *S3) Diagnostics(err error, ctx *failure.Context) map[string]any {
	d := map[string]any{}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		d["error_code"] = apiErr.ErrorCode()
		d["error_fault"] = apiErr.ErrorFault().String()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		d["http_status"] = respErr.HTTPStatusCode()
	}
	if _, ok := d["error_code"]; !ok {
		if code := ExtractErrorCode(err.Error()); code != "" {
			d["error_code"] = code
		}
	}
	if ctx != nil && ctx.ResourcePath != "" {
		d["key_length"] = len(ctx.ResourcePath)
		d["path_depth"] = PathDepth(ctx.ResourcePath)
	}
	return d
}

func (s *S3) UserMessage(f *failure.ScanFailure) string {
	return s.messageFor(f.ErrorType, f.ResourcePath)
}

func (s *S3) messageFor(et failure.ErrorType, path string) string {
	suffix := ""
	if path != "" {
		suffix = fmt.Sprintf(" (%s)", path)
	}
	switch et {
	case failure.ErrorNotFound:
		return "The bucket or object does not exist" + suffix
	case failure.ErrorPermissionDenied:
		return "The credentials do not allow access to this bucket or object" + suffix
	case failure.ErrorRateLimited:
		return "The object store is throttling requests" + suffix
	case failure.ErrorPathTooLong:
		return "The object key exceeds the store's length limit" + suffix
	case failure.ErrorTimeout:
		return "The object store took too long to respond" + suffix
	case failure.ErrorServer:
		return "The object store reported an internal error" + suffix
	case failure.ErrorNetwork:
		return "Could not reach the object store endpoint" + suffix
	default:
		return "An unexpected object store error occurred" + suffix
	}
}

func (s *S3) action(et failure.ErrorType) string {
	switch et {
	case failure.ErrorNotFound:
		return "Verify the bucket name and region in the source configuration"
	case failure.ErrorPermissionDenied:
		return "Check the access key's bucket policy and IAM permissions"
	case failure.ErrorRateLimited:
		return "Will retry after a long cooldown; consider reducing scan concurrency"
	case failure.ErrorPathTooLong:
		return "Rename the object to a shorter key"
	default:
		return "Will retry automatically; no action needed"
	}
}

func (s *S3) ShouldRetry(f *failure.ScanFailure) bool {
	return retryBySeverity(f, map[failure.Severity]int{
		failure.SeverityCritical: 1,
		failure.SeverityHigh:     2,
		failure.SeverityMedium:   5,
		failure.SeverityLow:      10,
	})
}
