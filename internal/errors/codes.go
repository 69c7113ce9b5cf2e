package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for engine operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Transient conditions, retryable by the caller
	ErrCodeWouldBlock ErrorCode = 1000
	ErrCodeNoMem      ErrorCode = 1001
	ErrCodeItemLocked ErrorCode = 1002
	ErrCodeTmpFail    ErrorCode = 1003

	// Client-semantic outcomes
	ErrCodeKeyNotFound     ErrorCode = 2000
	ErrCodeKeyExists       ErrorCode = 2001
	ErrCodeNotStored       ErrorCode = 2002
	ErrCodePredicateFailed ErrorCode = 2003
	ErrCodeInvalidArgument ErrorCode = 2004
	ErrCodeNotMyVBucket    ErrorCode = 2005

	// Structural failures
	ErrCodeDurabilityImpossible ErrorCode = 3000
	ErrCodeDurabilityAmbiguous  ErrorCode = 3001
	ErrCodeInternal             ErrorCode = 3002
)

// String returns the code name used in logs and metric labels.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeWouldBlock:
		return "would_block"
	case ErrCodeNoMem:
		return "no_mem"
	case ErrCodeItemLocked:
		return "item_locked"
	case ErrCodeTmpFail:
		return "tmp_fail"
	case ErrCodeKeyNotFound:
		return "key_not_found"
	case ErrCodeKeyExists:
		return "key_exists"
	case ErrCodeNotStored:
		return "not_stored"
	case ErrCodePredicateFailed:
		return "predicate_failed"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotMyVBucket:
		return "not_my_vbucket"
	case ErrCodeDurabilityImpossible:
		return "durability_impossible"
	case ErrCodeDurabilityAmbiguous:
		return "durability_ambiguous"
	default:
		return "internal"
	}
}

// EngineError represents a structured error with code and context
type EngineError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches by code so callers can use errors.Is against a sentinel
// constructed with the same code.
func (e *EngineError) Is(target error) bool {
	var ee *EngineError
	if errors.As(target, &ee) {
		return e.Code == ee.Code
	}
	return false
}

// IsCode reports whether err is an EngineError carrying code.
func IsCode(err error, code ErrorCode) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Code == code
}

// CodeOf extracts the code from err; unknown errors map to internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeInternal
}

// ToGRPCStatus converts EngineError to gRPC status for the protocol front end
func (e *EngineError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *EngineError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeWouldBlock, ErrCodeTmpFail:
		return codes.Unavailable
	case ErrCodeNoMem:
		return codes.ResourceExhausted
	case ErrCodeItemLocked:
		return codes.Aborted
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodeKeyExists, ErrCodeNotStored:
		return codes.AlreadyExists
	case ErrCodePredicateFailed, ErrCodeNotMyVBucket, ErrCodeDurabilityImpossible:
		return codes.FailedPrecondition
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeDurabilityAmbiguous:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// NewEngineError creates a new EngineError
func NewEngineError(code ErrorCode, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common outcomes

func WouldBlock(key string) *EngineError {
	return NewEngineError(ErrCodeWouldBlock, "background fetch pending, retry after notification", nil).
		WithDetail("key", key)
}

func NoMem(used, limit uint64) *EngineError {
	return NewEngineError(ErrCodeNoMem, fmt.Sprintf("memory used %d exceeds mutation threshold %d", used, limit), nil).
		WithDetail("mem_used", used).
		WithDetail("mem_limit", limit)
}

func ItemLocked(key string) *EngineError {
	return NewEngineError(ErrCodeItemLocked, fmt.Sprintf("key locked: %s", key), nil).
		WithDetail("key", key)
}

func TmpFail(message string) *EngineError {
	return NewEngineError(ErrCodeTmpFail, message, nil)
}

func KeyNotFound(key string) *EngineError {
	return NewEngineError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func KeyExists(key string, cas uint64) *EngineError {
	return NewEngineError(ErrCodeKeyExists, fmt.Sprintf("cas mismatch for key: %s", key), nil).
		WithDetail("key", key).
		WithDetail("cas", cas)
}

func NotStored(key string) *EngineError {
	return NewEngineError(ErrCodeNotStored, fmt.Sprintf("precondition not met for key: %s", key), nil).
		WithDetail("key", key)
}

func PredicateFailed(key string) *EngineError {
	return NewEngineError(ErrCodePredicateFailed, fmt.Sprintf("store predicate rejected write for key: %s", key), nil).
		WithDetail("key", key)
}

func InvalidArgument(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInvalidArgument, message, cause)
}

func NotMyVBucket(vb uint16, state string) *EngineError {
	return NewEngineError(ErrCodeNotMyVBucket, fmt.Sprintf("vbucket %d is %s", vb, state), nil).
		WithDetail("vbucket", vb).
		WithDetail("state", state)
}

func DurabilityImpossible(message string) *EngineError {
	return NewEngineError(ErrCodeDurabilityImpossible, message, nil)
}

func DurabilityAmbiguous(key string, seqno uint64) *EngineError {
	return NewEngineError(ErrCodeDurabilityAmbiguous, fmt.Sprintf("sync write timed out, outcome ambiguous: %s", key), nil).
		WithDetail("key", key).
		WithDetail("seqno", seqno)
}

func Internal(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInternal, message, cause)
}
