package models

import (
	"fmt"
	"strings"
)

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s (value %q)", e.Field, e.Message, e.Value)
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}

// MissingColumnError is returned when a required input field is absent.
type MissingColumnError struct {
	Stage  string
	Column string
}

func (e *MissingColumnError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("missing required column %q", e.Column)
	}
	return fmt.Sprintf("%s: missing required column %q", e.Stage, e.Column)
}

// IsTransient returns false; the input has to be fixed.
func (e *MissingColumnError) IsTransient() bool { return false }

// DegenerateReferenceError is returned when a reference window has zero variance
// or too few values to define a standard deviation.
type DegenerateReferenceError struct {
	Column string
	Start  int
	End    int
	Count  int
}

func (e *DegenerateReferenceError) Error() string {
	return fmt.Sprintf("degenerate reference for %q over %d-%d (%d finite values): standard deviation is zero or undefined",
		e.Column, e.Start, e.End, e.Count)
}

// IsTransient returns false as the reference data itself is unusable
func (e *DegenerateReferenceError) IsTransient() bool { return false }

// InsufficientTrainingDataError marks a fold whose training set is below the minimum size.
type InsufficientTrainingDataError struct {
	Protocol   string
	HeldOut    []int
	TrainYears int
	Minimum    int
}

func (e *InsufficientTrainingDataError) Error() string {
	return fmt.Sprintf("%s fold %v: %d training years, need at least %d",
		e.Protocol, e.HeldOut, e.TrainYears, e.Minimum)
}

// IsTransient returns false
func (e *InsufficientTrainingDataError) IsTransient() bool { return false }

// FeatureColumnMismatchError signals training/serving skew in feature columns.
type FeatureColumnMismatchError struct {
	Expected []string
	Got      []string
}

func (e *FeatureColumnMismatchError) Error() string {
	return fmt.Sprintf("feature columns mismatch: estimator expects [%s], got [%s]",
		strings.Join(e.Expected, ", "), strings.Join(e.Got, ", "))
}

// IsTransient returns false
func (e *FeatureColumnMismatchError) IsTransient() bool { return false }

// StageError attributes a failure to a pipeline stage and, where known, a year.
type StageError struct {
	Stage string
	Year  int
	Err   error
}

func (e *StageError) Error() string {
	if e.Year != 0 {
		return fmt.Sprintf("stage %s failed for year %d: %v", e.Stage, e.Year, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsTransient delegates to the wrapped error when it classifies itself.
func (e *StageError) IsTransient() bool {
	if t, ok := e.Err.(interface{ IsTransient() bool }); ok {
		return t.IsTransient()
	}
	return false
}

// NotFoundError represents a missing resource
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IsTransient returns false as not found errors are permanent
func (e *NotFoundError) IsTransient() bool {
	return false
}
