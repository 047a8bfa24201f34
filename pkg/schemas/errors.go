package schemas

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a stage, or the run itself, failed.
type FailureKind string

const (
	FailureKindNone                 FailureKind = ""
	FailureKindConfiguration        FailureKind = "ConfigurationError"
	FailureKindBestEffort           FailureKind = "BestEffortFailure"
	FailureKindCommand              FailureKind = "CommandFailure"
	FailureKindGate                 FailureKind = "GateFailure"
	FailureKindGateTimeout          FailureKind = "GateTimeout"
	FailureKindBuild                FailureKind = "BuildFailure"
	FailureKindTag                  FailureKind = "TagFailure"
	FailureKindScan                 FailureKind = "ScanFailure"
	FailureKindPush                 FailureKind = "PushFailure"
	FailureKindPartialPublish       FailureKind = "PartialPublishFailure"
	FailureKindConnectivity         FailureKind = "ConnectivityFailure"
	FailureKindRemoteCommand        FailureKind = "RemoteCommandFailure"
	FailureKindHealthCheckExhausted FailureKind = "HealthCheckExhausted"
	FailureKindStageFault           FailureKind = "StageFault"
	FailureKindCancelled            FailureKind = "Cancelled"
)

// StageError is an error tagged with a FailureKind.
type StageError struct {
	Kind FailureKind
	Err  error
}

// NewStageError wraps err with the given kind.
func NewStageError(kind FailureKind, err error) *StageError {
	return &StageError{Kind: kind, Err: err}
}

// Failf builds a StageError from a format string.
func Failf(kind FailureKind, format string, args ...interface{}) *StageError {
	return NewStageError(kind, fmt.Errorf(format, args...))
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// KindOf extracts the FailureKind carried by err.
// Untagged context errors map to Cancelled, anything else untagged to CommandFailure.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureKindNone
	}

	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureKindCancelled
	}

	return FailureKindCommand
}

// IsKind returns true if err carries the given kind.
func IsKind(err error, kind FailureKind) bool {
	return err != nil && KindOf(err) == kind
}
