package validation

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/kestreldb/kestrel/internal/errors"
)

const (
	// Size limits
	MaxKeySize   = 250              // memcached-compatible key bound
	MaxValueSize = 20 * 1024 * 1024 // 20 MB

	// Lock limits
	MaxLockTime = 30 * time.Second
)

// Validator validates document operation arguments before they reach a
// partition.
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateKey checks length and encoding of a document key.
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("key must not be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return errors.InvalidArgument(
			fmt.Sprintf("key size %d exceeds maximum %d", len(key), v.maxKeySize), nil)
	}
	if !utf8.ValidString(key) {
		return errors.InvalidArgument("key is not valid UTF-8", nil)
	}
	return nil
}

// ValidateValue checks a value size bound.
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.InvalidArgument(
			fmt.Sprintf("value size %d exceeds maximum %d", len(value), v.maxValueSize), nil)
	}
	return nil
}

// ValidateMutation checks the common key/value arguments of a write.
func (v *Validator) ValidateMutation(key string, value []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateValue(value)
}

// ValidateLockTime bounds a getl lock duration; zero means "use default".
func (v *Validator) ValidateLockTime(d time.Duration) error {
	if d < 0 || d > MaxLockTime {
		return errors.InvalidArgument(
			fmt.Sprintf("lock time %v outside [0, %v]", d, MaxLockTime), nil)
	}
	return nil
}
