package engine

import (
	"errors"
	"fmt"

	"milestoneline/internal/repo"
)

// ErrInvalidType is returned for initiative type filters other than Project or CR.
var ErrInvalidType = errors.New("invalid initiative type")

// StoreUnavailableError wraps any persistence failure. It is fatal for the
// operation in progress so callers can tell "no data" from "computation failed".
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// NotFoundError reports an initiative id that does not resolve. It matches
// repo.ErrNotFound with errors.Is.
type NotFoundError struct {
	InitiativeID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("initiative %s not found", e.InitiativeID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// MalformedDataError describes an initiative whose dates could not be used.
// It is recovered locally: reconstruction falls back to today.
type MalformedDataError struct {
	InitiativeID string
	Field        string
	Value        string
}

func (e *MalformedDataError) Error() string {
	return fmt.Sprintf("initiative %s has malformed %s %q", e.InitiativeID, e.Field, e.Value)
}

// PartialCaptureError reports a capture whose stored row count for the day
// differs from the number of initiatives it meant to snapshot.
type PartialCaptureError struct {
	Date     string
	Expected int
	Stored   int
}

func (e *PartialCaptureError) Error() string {
	return fmt.Sprintf("partial capture for %s: stored %d of %d snapshots", e.Date, e.Stored, e.Expected)
}
