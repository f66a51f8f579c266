package download

import "errors"

var (
	// ErrPermissionDenied means storage permission was not granted; no task is created
	ErrPermissionDenied = errors.New("storage permission denied")
	// ErrEngineStart means the engine refused to start a transfer
	ErrEngineStart = errors.New("failed to start transfer")
	// ErrEngineRuntime wraps errors reported by a running engine
	ErrEngineRuntime = errors.New("transfer failed")
	// ErrCleanup wraps errors removing partial files; logged and swallowed
	ErrCleanup = errors.New("cleanup failed")
	// ErrTaskNotFound means no live task has the given file name
	ErrTaskNotFound = errors.New("download task not found")
	// ErrInvalidRequest means a required request field is missing
	ErrInvalidRequest = errors.New("invalid download request")
)
