package bed

import "errors"

var (
	// Submission errors. Nothing is persisted when these are returned.
	ErrEmptyTaskID         = errors.New("bed: empty task id")
	ErrHandlerNotFound     = errors.New("bed: handler not found")
	ErrFirstAttemptRefused = errors.New("bed: handler refused its first attempt")

	// Store errors.
	ErrNoStore         = errors.New("bed: no store configured")
	ErrStoreClosed     = errors.New("bed: store closed")
	ErrMigrationFailed = errors.New("bed: migration failed")

	ErrTaskNotFound      = errors.New("bed: task not found")
	ErrTaskAlreadyExists = errors.New("bed: task already exists")
	ErrClaimLost         = errors.New("bed: task no longer claimed by this owner")

	// State errors.
	ErrInvalidState = errors.New("bed: invalid state transition")

	ErrSerialization = errors.New("bed: serialization failed")

	// Runtime errors.
	ErrPoolFull      = errors.New("bed: worker pool queue full")
	ErrStopped       = errors.New("bed: engine stopped")
	ErrInvalidConfig = errors.New("bed: invalid configuration")
)
