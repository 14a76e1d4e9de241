package compute

import (
	"fmt"
	"sync"
)

// HostBackend runs kernels from the in-process catalog on the CPU.
type HostBackend struct{}

// NewHostBackend returns the CPU backend
func NewHostBackend() *HostBackend {
	return &HostBackend{}
}

// RegisterHostBackend registers the CPU backend as the active backend
func RegisterHostBackend() {
	RegisterBackend(NewHostBackend())
}

func (b *HostBackend) Info() BackendInfo {
	return BackendInfo{
		Name:        "host",
		Description: "CPU backend running catalog kernels on goroutines",
	}
}

func (b *HostBackend) Available() bool {
	return true
}

func (b *HostBackend) NewContext(opts ContextOptions) (Context, error) {
	return &hostContext{workers: defaultWorkers(opts.Workers)}, nil
}

type hostContext struct {
	workers int

	mu     sync.Mutex
	queues []*Queue
	closed bool
}

func (c *hostContext) NewQueue() (*Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrQueueClosed
	}
	q := newQueue(c.workers)
	c.queues = append(c.queues, q)
	return q, nil
}

func (c *hostContext) Kernel(module, name string) (*Kernel, error) {
	fn, ok := lookupKernel(module, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrKernelNotFound, module, name)
	}
	return &Kernel{module: module, name: name, fn: fn}, nil
}

func (c *hostContext) NewBuffer(shape ...int) *Buffer {
	return NewBuffer(shape...)
}

func (c *hostContext) Close() error {
	c.mu.Lock()
	queues := c.queues
	c.queues = nil
	c.closed = true
	c.mu.Unlock()

	var first error
	for _, q := range queues {
		if err := q.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
