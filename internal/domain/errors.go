package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrValidation       = errors.New("validation failed")
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrDuplicateAlert   = errors.New("alert already exists")
	ErrTraversalBudget  = errors.New("traversal budget exhausted")
)

// ValidationError describes a record rejected before analysis.
type ValidationError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("record %s: %s", e.RecordID, e.Reason)
	}
	return fmt.Sprintf("record %s: %s: %s", e.RecordID, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Diagnostic is a non-fatal problem recorded during a detection run.
type Diagnostic struct {
	RecordID string `json:"recordId,omitempty"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
	Err      error  `json:"-"`
}

// NewDiagnostic builds a diagnostic from an error.
func NewDiagnostic(stage, recordID string, err error) Diagnostic {
	return Diagnostic{
		RecordID: recordID,
		Stage:    stage,
		Message:  err.Error(),
		Err:      err,
	}
}
