package model

import (
	"errors"
	"fmt"
)

// CriticalError is an unrecoverable precondition or environment failure.
// It aborts the remaining actions of a job.
type CriticalError struct {
	Msg string
	Err error
}

func (e *CriticalError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *CriticalError) Unwrap() error { return e.Err }

// GeneralError is an expected failure such as a failed test command. The
// action is recorded as failed and the job continues.
type GeneralError struct {
	Msg string
	Err error
}

func (e *GeneralError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *GeneralError) Unwrap() error { return e.Err }

// Criticalf builds a CriticalError from a format string
func Criticalf(format string, args ...interface{}) error {
	return &CriticalError{Msg: fmt.Sprintf(format, args...)}
}

// Critical wraps err as a CriticalError with context msg.
func Critical(msg string, err error) error {
	return &CriticalError{Msg: msg, Err: err}
}

// Generalf builds a GeneralError from a format string
func Generalf(format string, args ...interface{}) error {
	return &GeneralError{Msg: fmt.Sprintf(format, args...)}
}

// IsCritical reports whether err or anything it wraps is a CriticalError.
func IsCritical(err error) bool {
	var critical *CriticalError
	return errors.As(err, &critical)
}

// IsGeneral reports whether err or anything it wraps is a GeneralError.
func IsGeneral(err error) bool {
	var general *GeneralError
	return errors.As(err, &general)
}
