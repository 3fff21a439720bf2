package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorSeverity defines the severity level of stage errors
type ErrorSeverity string

const (
	// SeverityWarning marks an interrupted stage that is safe to resume
	SeverityWarning ErrorSeverity = "WARNING"

	// SeverityError marks a failed stage; a re-run for the same dates is safe
	SeverityError ErrorSeverity = "ERROR"
)

// StageError tags a failure with the pipeline stage that produced it
type StageError struct {
	Stage     string
	Severity  ErrorSeverity
	Err       error
	Timestamp time.Time
}

// Error implements the error interface
func (e *StageError) Error() string {
	return fmt.Sprintf("[%s] %s stage failed: %v", e.Severity, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err for stage, deriving the severity from the cause
func NewStageError(stage string, err error) *StageError {
	severity := SeverityError
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		severity = SeverityWarning
	}
	return &StageError{
		Stage:     stage,
		Severity:  severity,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// FailedStage returns the stage named by the first StageError in err's chain
func FailedStage(err error) (string, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
