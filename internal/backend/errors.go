package backend

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable discriminant every engine error carries.
// Callers should compare kinds with KindOf against the sentinel values
// below, not by inspecting messages.
type ErrorKind string

const (
	KindNotFound             ErrorKind = "not_found"
	KindAlreadyExists        ErrorKind = "already_exists"
	KindGone                 ErrorKind = "gone"
	KindVersionConflict      ErrorKind = "version_conflict"
	KindOptimisticLockFail   ErrorKind = "optimistic_lock_failure"
	KindInvalidResource      ErrorKind = "invalid_resource"
	KindInvalidParameter     ErrorKind = "invalid_parameter"
	KindInvalidCursor        ErrorKind = "invalid_cursor"
	KindUnsupportedFeature   ErrorKind = "unsupported_feature"
	KindConnectionFailed     ErrorKind = "connection_failed"
	KindQueryError           ErrorKind = "query_error"
	KindSerializationError   ErrorKind = "serialization_error"
	KindInternal             ErrorKind = "internal"
	KindUnavailable          ErrorKind = "unavailable"
	KindJobNotFound          ErrorKind = "job_not_found"
	KindInvalidJobState      ErrorKind = "invalid_job_state"
	KindTooManyConcurrent    ErrorKind = "too_many_concurrent_exports"
	KindUnsupportedFormat    ErrorKind = "unsupported_format"
	KindGroupNotFound        ErrorKind = "group_not_found"
	KindDuplicateSubmission  ErrorKind = "duplicate_submission"
	KindSubmissionNotFound   ErrorKind = "submission_not_found"
	KindManifestNotFound     ErrorKind = "manifest_not_found"
	KindInvalidState         ErrorKind = "invalid_state"
	KindAlreadyComplete      ErrorKind = "already_complete"
	KindAborted              ErrorKind = "aborted"
	KindMaxErrorsExceeded    ErrorKind = "max_errors_exceeded"
	KindParseError           ErrorKind = "parse_error"
	KindBundleError          ErrorKind = "bundle_error"
	KindInvalidTenant        ErrorKind = "invalid_tenant"
)

// Error is the engine-wide error type: a stable Kind discriminant, a
// human-readable message, and an optional wrapped cause for diagnostics.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error

	// Context fields populated by specific error kinds; callers type-switch
	// on Kind before reading these, they are not mutually exclusive by type.
	ResourceType string
	ResourceID   string
	Expected     string
	Actual       string
	Param        string
	Feature      string
	EntryIndex   *int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, backend.New(kind, "")) style comparisons by kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New constructs a bare engine error of the given kind.
func New(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap annotates cause with an engine error kind, preserving the original
// error for diagnostics via errors.Unwrap.
func Wrap(kind ErrorKind, backendName string, cause error) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf("backend %q failed", backendName), Cause: cause}
}

// NotFound builds a KindNotFound error for the given resource identity.
func NotFound(resourceType, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s/%s not found", resourceType, id), ResourceType: resourceType, ResourceID: id}
}

// AlreadyExists builds a KindAlreadyExists error.
func AlreadyExists(resourceType, id string) *Error {
	return &Error{Kind: KindAlreadyExists, Message: fmt.Sprintf("%s/%s already exists", resourceType, id), ResourceType: resourceType, ResourceID: id}
}

// Gone builds a KindGone error for a tombstoned resource.
func Gone(resourceType, id string) *Error {
	return &Error{Kind: KindGone, Message: fmt.Sprintf("%s/%s is gone", resourceType, id), ResourceType: resourceType, ResourceID: id}
}

// VersionConflict builds a KindVersionConflict error reporting the expected
// vs. actual stored version.
func VersionConflict(expected, actual string) *Error {
	return &Error{Kind: KindVersionConflict, Message: fmt.Sprintf("expected version %q, stored version is %q", expected, actual), Expected: expected, Actual: actual}
}

// UnsupportedFeature builds a KindUnsupportedFeature error.
func UnsupportedFeature(feature string) *Error {
	return &Error{Kind: KindUnsupportedFeature, Message: fmt.Sprintf("feature %q is not supported by this backend", feature), Feature: feature}
}

// InvalidParameter builds a KindInvalidParameter error.
func InvalidParameter(param, message string) *Error {
	return &Error{Kind: KindInvalidParameter, Message: message, Param: param}
}

// BundleError builds a KindBundleError, optionally pointing at the failing
// entry index. When msg contains "rollback failed" it signals a
// transaction compensation failure.
func BundleError(msg string, entryIndex *int) *Error {
	return &Error{Kind: KindBundleError, Message: msg, EntryIndex: entryIndex}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) an *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
