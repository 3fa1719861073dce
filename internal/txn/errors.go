package txn

import (
	"errors"
	"fmt"
)

// ErrRejected is wrapped by signers when the user declines to sign.
// A rejection is an expected outcome, not a fault.
var ErrRejected = errors.New("transaction rejected by signer")

// ErrClosed is returned when an executor has been torn down
var ErrClosed = errors.New("executor closed")

// Kind classifies where an attempt failed
type Kind string

const (
	KindBuild         Kind = "build"
	KindSigning       Kind = "signing"
	KindBroadcast     Kind = "broadcast"
	KindFeeEstimation Kind = "fee_estimation"
)

// ErrorInfo is the structured failure surfaced in executor state
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func newErrorInfo(kind Kind, err error) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: err.Error(), Cause: err}
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Kind, e.Message)
}

func (e *ErrorInfo) Unwrap() error {
	return e.Cause
}

// Rejected reports whether the failure was a user rejection at the signer
func (e *ErrorInfo) Rejected() bool {
	return e != nil && errors.Is(e.Cause, ErrRejected)
}

// guard runs fn and converts a panic into an error
func guard[R any](fn func() (R, error)) (r R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
