// Package errs defines the error taxonomy shared by every lexgate component.
//
// Callers classify errors with errors.Is against the sentinels below, or
// errors.As for the typed TransitionError and StaleSourceError. Conflict and
// governance errors are surfaced verbatim and never retried.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrConflict            = errors.New("conflict")
	ErrGovernance          = errors.New("governance violation")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyDecided      = errors.New("already decided")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrTransition          = errors.New("transition precondition failed")
	ErrAlreadyTerminal     = errors.New("workflow already at terminal stage")
	ErrStaleSource         = errors.New("stale source")
	ErrMaxRetries          = errors.New("max retries reached")
	ErrInvalid             = errors.New("invalid argument")
)

// Conflict wraps ErrConflict with a formatted detail.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Governance wraps ErrGovernance with a formatted detail.
func Governance(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGovernance, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound for the given entity kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

// Invalid wraps ErrInvalid with a formatted detail.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Precondition names a stage-exit check.
type Precondition string

const (
	PreconditionAlreadyTerminal       Precondition = "already_terminal"
	PreconditionUnknownStage          Precondition = "unknown_stage"
	PreconditionNotSuccessor          Precondition = "not_successor"
	PreconditionReviewPending         Precondition = "review_pending"
	PreconditionDependencyUnsatisfied Precondition = "dependency_unsatisfied"
	PreconditionConfirmationRequired  Precondition = "confirmation_required"
)

// TransitionError names the first unmet stage-exit precondition.
type TransitionError struct {
	Precondition Precondition `json:"precondition"`
	From         string       `json:"from,omitempty"`
	To           string       `json:"to,omitempty"`
	Gate         string       `json:"gate,omitempty"`
	Artifact     string       `json:"artifact,omitempty"`
	Dependency   string       `json:"dependency,omitempty"`
	Detail       string       `json:"detail,omitempty"`
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot advance %s -> %s: %s", e.From, e.To, e.Precondition)
	if e.Gate != "" {
		msg += fmt.Sprintf(" (gate %s)", e.Gate)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap lets errors.Is match ErrAlreadyTerminal or ErrTransition.
func (e *TransitionError) Unwrap() error {
	if e.Precondition == PreconditionAlreadyTerminal {
		return ErrAlreadyTerminal
	}
	return ErrTransition
}

// StaleSourceError reports an upstream polling source that could not be read.
type StaleSourceError struct {
	Source string
	Err    error
}

func (e *StaleSourceError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

// Is matches ErrStaleSource.
func (e *StaleSourceError) Is(target error) bool {
	return target == ErrStaleSource
}

func (e *StaleSourceError) Unwrap() error {
	return e.Err
}
