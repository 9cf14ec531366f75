package camera

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// ErrorKind classifies camera acquisition failures into a closed taxonomy.
type ErrorKind int

const (
	KindUnknown                ErrorKind = iota
	KindPermissionDenied                 // User or OS refused camera access
	KindDeviceNotFound                   // No camera matches the request
	KindNotReadable                      // Device exists but cannot start (busy, hardware fault)
	KindOverconstrained                  // Constraints cannot be satisfied by any device
	KindAborted                          // Acquisition aborted (timeout, cancellation)
	KindSecurityError                    // Insecure or sandboxed execution context
	KindConstraintNotSatisfied           // A required constraint was rejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindDeviceNotFound:
		return "DeviceNotFound"
	case KindNotReadable:
		return "NotReadable"
	case KindOverconstrained:
		return "Overconstrained"
	case KindAborted:
		return "Aborted"
	case KindSecurityError:
		return "SecurityError"
	case KindConstraintNotSatisfied:
		return "ConstraintNotSatisfied"
	default:
		return "Unknown"
	}
}

// Sentinel errors for platform adapters. Classify maps each to its kind, so
// adapters can return wrapped sentinels instead of constructing CameraErrors.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceInUse      = errors.New("device in use")
	ErrOverconstrained  = errors.New("constraints cannot be satisfied")
	ErrAcquireTimeout   = errors.New("acquisition timed out")
	ErrInsecureContext  = errors.New("insecure context")
	ErrManagerDisposed  = errors.New("manager disposed")
	ErrNoPlatform       = errors.New("no platform available")
)

// CameraError is a classified acquisition failure.
type CameraError struct {
	Kind    ErrorKind // Taxonomy bucket
	Message string    // Human-readable description
	Cause   error     // Underlying platform error, if any
	Timeout bool      // True when the failure was a deadline expiry
}

func (e *CameraError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *CameraError) Unwrap() error { return e.Cause }

// Recoverable reports whether a retry with adjusted constraints may succeed.
// Aborted failures are only worth retrying when they were timeouts; the
// once-only rule for PermissionDenied is enforced by the Consumer, not here.
func (e *CameraError) Recoverable() bool {
	if e.Kind == KindAborted {
		return e.Timeout
	}
	return IsRecoverable(e.Kind)
}

// IsRecoverable is the kind-level retry policy table. DeviceNotFound,
// NotReadable and Overconstrained commonly clear up after a device settles or
// constraints are relaxed. PermissionDenied is listed recoverable because a
// first refusal is retried exactly once (some platforms refuse the first
// prompt spuriously); callers own that counter.
func IsRecoverable(kind ErrorKind) bool {
	switch kind {
	case KindDeviceNotFound, KindNotReadable, KindOverconstrained, KindAborted, KindPermissionDenied:
		return true
	default:
		return false
	}
}

// Classify maps any platform failure onto the closed taxonomy. It is total:
// unmapped causes become KindUnknown, nil stays nil, and an error that is
// already a *CameraError passes through unchanged.
func Classify(err error) *CameraError {
	if err == nil {
		return nil
	}

	var cerr *CameraError
	if errors.As(err, &cerr) {
		return cerr
	}

	kind := KindUnknown
	timeout := false

	switch {
	case errors.Is(err, ErrPermissionDenied) || errors.Is(err, os.ErrPermission):
		kind = KindPermissionDenied
	case errors.Is(err, ErrDeviceNotFound) || errors.Is(err, os.ErrNotExist):
		kind = KindDeviceNotFound
	case errors.Is(err, ErrDeviceInUse):
		kind = KindNotReadable
	case errors.Is(err, ErrOverconstrained):
		kind = KindOverconstrained
	case errors.Is(err, ErrAcquireTimeout) || errors.Is(err, context.DeadlineExceeded):
		kind = KindAborted
		timeout = true
	case errors.Is(err, context.Canceled):
		kind = KindAborted
	case errors.Is(err, ErrInsecureContext):
		kind = KindSecurityError
	default:
		kind, timeout = classifyByMessage(err)
	}

	return &CameraError{
		Kind:    kind,
		Message: err.Error(),
		Cause:   err,
		Timeout: timeout,
	}
}

// classifyByMessage falls back to message heuristics for errors that arrive
// as bare strings from FFI shims or remote peers. Ordered most specific
// first so "constraint not satisfied" is not swallowed by broader buckets.
func classifyByMessage(err error) (ErrorKind, bool) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindAborted, true
	}

	msg := strings.ToLower(err.Error())

	if containsAny(msg, permissionKeywords) {
		return KindPermissionDenied, false
	}
	if containsAny(msg, securityKeywords) {
		return KindSecurityError, false
	}
	if containsAny(msg, constraintNotSatisfiedKeywords) {
		return KindConstraintNotSatisfied, false
	}
	if containsAny(msg, overconstrainedKeywords) {
		return KindOverconstrained, false
	}
	if containsAny(msg, notFoundKeywords) {
		return KindDeviceNotFound, false
	}
	if containsAny(msg, notReadableKeywords) {
		return KindNotReadable, false
	}
	if containsAny(msg, timeoutKeywords) {
		return KindAborted, true
	}
	if containsAny(msg, abortKeywords) {
		return KindAborted, false
	}
	return KindUnknown, false
}

var (
	permissionKeywords = []string{
		"permission denied",
		"permission dismissed",
		"not allowed",
		"notallowederror",
		"access denied",
		"denied by user",
		"denied by system",
		"authorization",
	}
	securityKeywords = []string{
		"secure context",
		"securityerror",
		"insecure",
		"https required",
		"sandboxed",
	}
	constraintNotSatisfiedKeywords = []string{
		"constraintnotsatisfied",
		"constraint not satisfied",
	}
	overconstrainedKeywords = []string{
		"overconstrained",
		"constraint",
		"no suitable device",
	}
	notFoundKeywords = []string{
		"notfounderror",
		"not found",
		"no such device",
		"no camera",
		"no video device",
		"disconnected",
	}
	notReadableKeywords = []string{
		"notreadableerror",
		"not readable",
		"could not start",
		"in use",
		"busy",
		"trackstarterror",
		"hardware",
		"failed to allocate",
		"i/o error",
	}
	timeoutKeywords = []string{
		"timed out",
		"timeout",
		"deadline",
	}
	abortKeywords = []string{
		"abort",
		"cancelled",
		"canceled",
		"interrupted",
	}
)

func containsAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
