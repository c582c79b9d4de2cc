package dagrun

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("dagrun: no store configured")
	ErrStoreClosed = errors.New("dagrun: store closed")

	// Not found errors.
	ErrDAGNotFound        = errors.New("dagrun: dag not registered")
	ErrRunNotFound        = errors.New("dagrun: run not found")
	ErrStepNotFound       = errors.New("dagrun: step not found")
	ErrCheckpointNotFound = errors.New("dagrun: checkpoint not found")

	// Conflict errors.
	ErrDuplicateDAG  = errors.New("dagrun: dag already registered")
	ErrDuplicateRun  = errors.New("dagrun: run already exists")
	ErrDuplicateStep = errors.New("dagrun: step already exists")

	// State errors.
	ErrInvalidTransition  = errors.New("dagrun: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("dagrun: max retries exceeded")
	ErrRunInFlight        = errors.New("dagrun: execute already in flight for run")
	ErrExecutorNotBound   = errors.New("dagrun: no executor bound for step")
)
