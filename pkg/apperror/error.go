// Package apperror defines the error taxonomy shared by the inference engine
// and the validator.
//
// Four typed errors cover every failure a caller can observe:
//   - QueryError: a store query failed or timed out while evaluating a rule
//   - MaterializationError: creating one inferred fact failed
//   - ValidationError: a rule, axiom or constraint definition is malformed
//   - NotFoundError: an unknown rule, axiom or constraint id was requested
//
// Each type matches its sentinel through errors.Is, so callers can branch on
// the class without a type switch:
//
//	if errors.Is(err, apperror.ErrNotFound) {
//		// unknown id
//	}
//
// Use errors.As to reach the subject id and the wrapped cause.
package apperror

import (
	"context"
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below.
var (
	ErrQuery           = errors.New("query error")
	ErrMaterialization = errors.New("materialization error")
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
)

// Codes used in structured results.
const (
	CodeQuery           = "query_error"
	CodeMaterialization = "materialization_error"
	CodeValidation      = "validation_error"
	CodeNotFound        = "not_found"
	CodeInternal        = "internal_error"
)

// QueryError reports a failed store query during rule evaluation.
// No candidates accompany a QueryError.
type QueryError struct {
	RuleID  string
	Stage   string
	Timeout bool
	Err     error
}

// NewQueryError wraps err for ruleID and stage, marking deadline failures.
func NewQueryError(ruleID, stage string, err error) *QueryError {
	return &QueryError{
		RuleID:  ruleID,
		Stage:   stage,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

func (e *QueryError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("rule %s: query timed out during %s: %v", e.RuleID, e.Stage, e.Err)
	}
	return fmt.Sprintf("rule %s: query failed during %s: %v", e.RuleID, e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func (e *QueryError) Is(target error) bool { return target == ErrQuery }

// MaterializationError reports a failed create for one candidate.
type MaterializationError struct {
	RuleID       string
	CandidateKey string
	Item         string
	Err          error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("rule %s: materializing %s (candidate %s): %v", e.RuleID, e.Item, e.CandidateKey, e.Err)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

func (e *MaterializationError) Is(target error) bool { return target == ErrMaterialization }

// ValidationError reports a malformed definition detected at load time.
type ValidationError struct {
	Kind   string // "rule", "axiom", "constraint", "config"
	ID     string
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError.
func NewValidationError(kind, id, field, reason string) *ValidationError {
	return &ValidationError{Kind: kind, ID: id, Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.ID, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s: %s", e.Kind, e.ID, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an unknown id.
type NotFoundError struct {
	Kind string
	ID   string
}

// NewNotFound builds a NotFoundError for a kind ("rule", "axiom", "constraint") and id.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Code maps err to one of the Code constants.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuery):
		return CodeQuery
	case errors.Is(err, ErrMaterialization):
		return CodeMaterialization
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// Public renders err as a human-readable cause suitable for structured
// results. Store internals below the typed error are reduced to their
// top-level message.
func Public(err error) string {
	var qe *QueryError
	if errors.As(err, &qe) {
		if qe.Timeout {
			return fmt.Sprintf("rule %s: store query timed out during %s", qe.RuleID, qe.Stage)
		}
		return fmt.Sprintf("rule %s: store query failed during %s", qe.RuleID, qe.Stage)
	}
	var me *MaterializationError
	if errors.As(err, &me) {
		return fmt.Sprintf("rule %s: could not create %s", me.RuleID, me.Item)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
