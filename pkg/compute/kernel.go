package compute

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Args carries the arguments of one kernel launch.
type Args struct {
	Buffers []*Buffer
	Floats  []float64
	Ints    []int
}

// KernelFunc runs work items [lo, hi) of a launch. Distinct work items must
// write disjoint memory so that ranges can run concurrently.
type KernelFunc func(a *Args, lo, hi int)

// catalog maps module -> kernel name -> implementation
var (
	catalogMu sync.RWMutex
	catalog   = map[string]map[string]KernelFunc{}
)

// RegisterKernel adds a kernel implementation to the host catalog.
// Packages register their kernels from init. Registering the same name twice panics.
func RegisterKernel(module, name string, fn KernelFunc) {
	catalogMu.Lock()
	defer catalogMu.Unlock()

	if fn == nil {
		panic("compute: RegisterKernel with nil function")
	}
	m, ok := catalog[module]
	if !ok {
		m = map[string]KernelFunc{}
		catalog[module] = m
	}
	if _, dup := m[name]; dup {
		panic(fmt.Sprintf("compute: kernel %s/%s registered twice", module, name))
	}
	m[name] = fn
}

// Kernels lists the registered kernel names of a module in sorted order
func Kernels(module string) []string {
	catalogMu.RLock()
	defer catalogMu.RUnlock()

	names := make([]string, 0, len(catalog[module]))
	for name := range catalog[module] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupKernel(module, name string) (KernelFunc, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	fn, ok := catalog[module][name]
	return fn, ok
}

// Kernel is a handle to a named kernel acquired from a Context.
// Operators acquire their handles once during setup and release them on Close.
type Kernel struct {
	module   string
	name     string
	fn       KernelFunc
	released atomic.Bool
}

// Name returns "module/name"
func (k *Kernel) Name() string {
	return k.module + "/" + k.name
}

// Release invalidates the handle. Releasing twice is harmless.
func (k *Kernel) Release() {
	k.released.Store(true)
}

// Released reports whether Release has been called
func (k *Kernel) Released() bool {
	return k.released.Load()
}

// KernelTable caches the kernel handles one operator instance needs.
type KernelTable map[string]*Kernel

// AcquireKernels looks up every named kernel of module in ctx.
// On failure the handles acquired so far are released.
func AcquireKernels(ctx Context, module string, names ...string) (KernelTable, error) {
	table := make(KernelTable, len(names))
	for _, name := range names {
		k, err := ctx.Kernel(module, name)
		if err != nil {
			table.Release()
			return nil, err
		}
		table[name] = k
	}
	return table, nil
}

// Release releases every handle in the table
func (t KernelTable) Release() {
	for _, k := range t {
		k.Release()
	}
}
