package replicax

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Domain Errors - use errors.Is for checking
var (
	// ErrInvalidRegion indicates a region identifier cannot be parsed for its backend kind
	ErrInvalidRegion = errors.New("replicax: invalid region")

	// ErrUnsupportedBackendKind indicates no factory is registered for a region's kind
	ErrUnsupportedBackendKind = errors.New("replicax: unsupported backend kind")

	// ErrBackendOperationFailed indicates a single backend task failed
	ErrBackendOperationFailed = errors.New("replicax: backend operation failed")

	// ErrQuorumUnreachable indicates fewer live backends than the requested quorum
	ErrQuorumUnreachable = errors.New("replicax: quorum unreachable")

	// ErrQuorumTimeout indicates the quorum gate did not open in time
	ErrQuorumTimeout = errors.New("replicax: quorum timeout")

	// ErrDownloadMismatch indicates backends returned divergent payloads under the verify policy
	ErrDownloadMismatch = errors.New("replicax: download mismatch")

	// ErrNotFound indicates the requested bucket or object does not exist on a backend
	ErrNotFound = errors.New("replicax: not found")

	// ErrConflict indicates a bucket exists but is not usable by the caller
	// (owned by someone else, or non-empty where the backend cannot cascade)
	ErrConflict = errors.New("replicax: conflict")

	// ErrInvalidConfig indicates the configuration is invalid
	ErrInvalidConfig = errors.New("replicax: invalid configuration")

	// ErrClosed indicates the client was closed
	ErrClosed = errors.New("replicax: client closed")
)

// RegionError describes why a raw region identifier was rejected
type RegionError struct {
	Kind   BackendKind
	ID     string
	Reason string
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("replicax: invalid %s region %q: %s", e.Kind, e.ID, e.Reason)
}

func (e *RegionError) Unwrap() error {
	return ErrInvalidRegion
}

// BackendError wraps a failure of one backend with the operation context.
// errors.Is(err, ErrBackendOperationFailed) holds for every BackendError.
type BackendError struct {
	Op      string     // operation that failed
	Backend BackendKey // backend that failed
	Bucket  string     // bucket (if applicable)
	Key     string     // object key (if applicable)
	Err     error      // underlying error
}

func (e *BackendError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("replicax %s %s %s/%s: %v", e.Op, e.Backend, e.Bucket, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("replicax %s %s %s: %v", e.Op, e.Backend, e.Bucket, e.Err)
	default:
		return fmt.Sprintf("replicax %s %s: %v", e.Op, e.Backend, e.Err)
	}
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is reports every BackendError as a backend operation failure
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendOperationFailed
}

// FanoutError aggregates the per-backend failures of a non-gated operation.
// All backends were asked; Failures lists the ones that did not succeed.
type FanoutError struct {
	Op       string
	Total    int
	Failures []*BackendError
}

func (e *FanoutError) Error() string {
	return fmt.Sprintf("replicax %s: %d of %d backends failed: %s",
		e.Op, len(e.Failures), e.Total, joinFailures(e.Failures))
}

// Unwrap exposes each backend failure to errors.Is and errors.As
func (e *FanoutError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// QuorumError reports a gated operation that did not reach its threshold
type QuorumError struct {
	Op        string
	Required  int
	Completed int
	Total     int
	Failures  []*BackendError
	Err       error // ErrQuorumUnreachable or ErrQuorumTimeout, possibly joined with a context error
}

func (e *QuorumError) Error() string {
	msg := fmt.Sprintf("replicax %s: %v (completed %d of required %d, %d backends)",
		e.Op, e.Err, e.Completed, e.Required, e.Total)
	if len(e.Failures) > 0 {
		msg += ": " + joinFailures(e.Failures)
	}
	return msg
}

func (e *QuorumError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, e.Err)
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// MismatchError reports divergent payloads detected by the verify read policy.
// Digests maps each backend to a short SHA-256 of what it returned.
type MismatchError struct {
	Digests map[BackendKey]string
}

func (e *MismatchError) Error() string {
	keys := make([]BackendKey, 0, len(e.Digests))
	for k := range e.Digests {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, e.Digests[k])
	}
	return fmt.Sprintf("%v: %s", ErrDownloadMismatch, strings.Join(parts, ", "))
}

func (e *MismatchError) Unwrap() error {
	return ErrDownloadMismatch
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsQuorumFailure checks if an error reports an unreachable or timed-out quorum
func IsQuorumFailure(err error) bool {
	return errors.Is(err, ErrQuorumUnreachable) || errors.Is(err, ErrQuorumTimeout)
}

func joinFailures(failures []*BackendError) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Backend, f.Err)
	}
	return strings.Join(parts, "; ")
}
