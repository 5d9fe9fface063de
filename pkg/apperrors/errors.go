package apperrors

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrAdapterUnreachable   = errors.New("source adapter unreachable")
	ErrRecordValidation     = errors.New("record validation failed")
	ErrCorrelationAmbiguous = errors.New("correlation ambiguous")
	ErrCycleRunning         = errors.New("sync cycle already running")
	ErrNotApproved          = errors.New("change is not approved")
	ErrAlreadyApplied       = errors.New("change already applied")
	ErrWriteBackRejected    = errors.New("write-back rejected by external system")
	ErrRollbackCapture      = errors.New("rollback capture failed")
)
