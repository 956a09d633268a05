package sandbox

import "errors"

var (
	// ErrSandboxViolation is returned when a path escapes its root
	ErrSandboxViolation = errors.New("sandbox violation")

	// ErrUserRequired is returned when the user namespace is requested without a user id
	ErrUserRequired = errors.New("user namespace requires a user id")

	// ErrInvalidNamespace is returned for namespaces other than user and workspace
	ErrInvalidNamespace = errors.New("invalid sandbox namespace")

	// ErrNoRoot is returned when no root can be derived
	ErrNoRoot = errors.New("no sandbox root configured")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrExecutionAborted is returned when the caller cancels execution
	ErrExecutionAborted = errors.New("execution aborted")

	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("invalid timeout (must be >= 0)")
)
