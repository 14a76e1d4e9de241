// Package compute models the device side of a reconstruction: a backend hands
// out contexts, a context owns named kernel handles and FIFO queues, and
// operators submit kernel launches over Buffers to a queue.
//
// The only backend shipped is the host backend, which runs kernels from the
// in-process catalog on goroutines. Other backends plug in through Backend.
package compute

import (
	"runtime"
	"sync"
)

// Backend is implemented by compute backends.
type Backend interface {
	Info() BackendInfo
	Available() bool
	NewContext(opts ContextOptions) (Context, error)
}

// Context is a backend context bound to one device.
type Context interface {
	// NewQueue creates a FIFO command queue
	NewQueue() (*Queue, error)

	// Kernel returns a handle to the named kernel of module
	Kernel(module, name string) (*Kernel, error)

	// NewBuffer allocates a zeroed buffer
	NewBuffer(shape ...int) *Buffer

	// Close releases the context and every queue created from it
	Close() error
}

// BackendInfo describes a backend implementation.
type BackendInfo struct {
	Name        string
	Description string
}

// ContextOptions controls context creation.
type ContextOptions struct {
	// Workers is the number of goroutines a kernel launch is split over.
	// Zero means runtime.NumCPU().
	Workers int
}

var (
	backendMu sync.RWMutex
	backend   Backend
)

// RegisterBackend registers the active backend. Passing nil clears it.
func RegisterBackend(b Backend) {
	backendMu.Lock()
	backend = b
	backendMu.Unlock()
}

// CurrentBackend returns the registered backend, or ErrNoBackend
func CurrentBackend() (Backend, error) {
	backendMu.RLock()
	b := backend
	backendMu.RUnlock()

	if b == nil {
		return nil, ErrNoBackend
	}
	if !b.Available() {
		return nil, ErrBackendUnavailable
	}
	return b, nil
}

// NewContext creates a context on the registered backend
func NewContext(opts ContextOptions) (Context, error) {
	b, err := CurrentBackend()
	if err != nil {
		return nil, err
	}
	return b.NewContext(opts)
}

func defaultWorkers(n int) int {
	if n > 0 {
		return n
	}
	return runtime.NumCPU()
}
