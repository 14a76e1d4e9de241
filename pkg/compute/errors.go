package compute

import "errors"

// Sentinel errors returned by the compute layer and reused by the operator
// packages built on top of it.
var (
	// ErrNoBackend is returned when no compute backend is registered.
	ErrNoBackend = errors.New("compute: no backend registered")

	// ErrBackendUnavailable is returned when the registered backend cannot run
	// on the current system.
	ErrBackendUnavailable = errors.New("compute: backend unavailable")

	// ErrKernelNotFound is returned when a named kernel is missing from the catalog.
	ErrKernelNotFound = errors.New("compute: kernel not found")

	// ErrKernelReleased is returned when a released kernel handle is enqueued.
	ErrKernelReleased = errors.New("compute: kernel handle released")

	// ErrKernelFailed is returned by Finish when a kernel panicked while running.
	ErrKernelFailed = errors.New("compute: kernel failed")

	// ErrQueueClosed is returned when work is submitted to a closed queue.
	ErrQueueClosed = errors.New("compute: queue closed")

	// ErrDimensionMismatch is returned when operand shapes disagree.
	// It signals a programmer error and is never retried.
	ErrDimensionMismatch = errors.New("compute: dimension mismatch")

	// ErrConfiguration is returned when a required collaborator or parameter
	// is missing at setup time.
	ErrConfiguration = errors.New("compute: configuration error")
)
