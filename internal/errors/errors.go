package errors

import "fmt"

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigNotFound = &AppError{Code: "CONFIG_001", Message: "configuration not found"}
	ErrConfigInvalid  = &AppError{Code: "CONFIG_002", Message: "invalid configuration"}

	ErrMalformedSchedule = &AppError{Code: "SCHED_001", Message: "malformed schedule time"}
	ErrDuplicateSchedule = &AppError{Code: "SCHED_002", Message: "duplicate schedule entry"}

	ErrRecordNotFound   = &AppError{Code: "STORE_001", Message: "record not found"}
	ErrStoreUnavailable = &AppError{Code: "STORE_002", Message: "record store unavailable"}

	ErrSyncApply    = &AppError{Code: "SYNC_001", Message: "sync apply failed"}
	ErrSyncRejected = &AppError{Code: "SYNC_002", Message: "sync payload rejected"}
	ErrDrainBusy    = &AppError{Code: "SYNC_003", Message: "drain already in progress"}
	ErrQueueCorrupt = &AppError{Code: "SYNC_004", Message: "sync queue item corrupted"}

	ErrReminderSchedule = &AppError{Code: "REMIND_001", Message: "failed to schedule reminder"}

	ErrNotFound   = &AppError{Code: "GEN_001", Message: "resource not found"}
	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}
