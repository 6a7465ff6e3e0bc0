package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry policy and for callers.
type Kind string

const (
	KindTransport     Kind = "transport"
	KindWorkerTimeout Kind = "worker_timeout"
	KindWorkerCrash   Kind = "worker_crash"
	KindModelMismatch Kind = "model_mismatch"
	KindSynthesis     Kind = "synthesis"
	KindFormat        Kind = "format"
	KindConfig        Kind = "config"
	KindClosed        Kind = "closed"
	KindUnknown       Kind = "unknown"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap attaches a kind to err. An err that already carries a kind keeps it.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: kind, Op: op, Message: message, Cause: err}
}

func New(kind Kind, op, message string) error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// KindOf returns the kind of the first typed error in the chain.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a worker restart could plausibly clear err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindWorkerTimeout, KindWorkerCrash:
		return true
	default:
		return false
	}
}
