package compute

import (
	"fmt"
)

// Buffer is an N-d float64 array with axis 0 varying fastest.
//
// A volume has shape (nx, ny[, nz]) and a sinogram (detectors, angles[, slices]).
// A "row" is one index along axis 1 inside one plane of the higher axes, so for
// a sinogram a row holds one projection of one slice.
//
// Buffers are plain host memory for the host backend. Kernels access them with
// Data while they run; everyone else must go through HostArray, which first
// waits for the queue.
type Buffer struct {
	shape []int
	data  []float64
}

// NewBuffer allocates a zeroed buffer of the given shape
func NewBuffer(shape ...int) *Buffer {
	s := append([]int(nil), shape...)
	return &Buffer{shape: s, data: make([]float64, shapeLen(s))}
}

// NewBufferFrom wraps data in a buffer of the given shape
func NewBufferFrom(data []float64, shape ...int) (*Buffer, error) {
	s := append([]int(nil), shape...)
	if shapeLen(s) != len(data) {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrDimensionMismatch, len(data), s)
	}
	return &Buffer{shape: s, data: data}, nil
}

func shapeLen(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("compute: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// Shape returns a copy of the buffer shape
func (b *Buffer) Shape() []int {
	return append([]int(nil), b.shape...)
}

// Dim returns the extent of axis i, or 1 for axes beyond the buffer rank
func (b *Buffer) Dim(i int) int {
	if i < len(b.shape) {
		return b.shape[i]
	}
	return 1
}

// Len returns the number of elements
func (b *Buffer) Len() int {
	return len(b.data)
}

// RowLen returns the number of elements in one row (the extent of axis 0)
func (b *Buffer) RowLen() int {
	return b.Dim(0)
}

// Rows returns the number of rows per plane (the extent of axis 1)
func (b *Buffer) Rows() int {
	return b.Dim(1)
}

// Planes returns the number of planes, the product of every axis above 1
func (b *Buffer) Planes() int {
	n := 1
	for i := 2; i < len(b.shape); i++ {
		n *= b.shape[i]
	}
	return n
}

// Duplicate returns a new zeroed buffer with the same shape
func (b *Buffer) Duplicate() *Buffer {
	return NewBuffer(b.shape...)
}

// Resize changes the shape, reallocating the storage when the length changes.
// The contents are undefined afterwards.
func (b *Buffer) Resize(shape ...int) {
	s := append([]int(nil), shape...)
	n := shapeLen(s)
	if n != len(b.data) {
		b.data = make([]float64, n)
	}
	b.shape = s
}

// Data returns the raw storage. Only kernels and code that has already
// synchronized the owning queue may touch it.
func (b *Buffer) Data() []float64 {
	return b.data
}

// HostArray waits for every operation queued on q and returns the storage
func (b *Buffer) HostArray(q *Queue) ([]float64, error) {
	if err := q.Finish(); err != nil {
		return nil, err
	}
	return b.data, nil
}

// SameShape reports whether b and other have identical shapes
func (b *Buffer) SameShape(other *Buffer) bool {
	if len(b.shape) != len(other.shape) {
		return false
	}
	for i := range b.shape {
		if b.shape[i] != other.shape[i] {
			return false
		}
	}
	return true
}

// CopyInto enqueues a copy of b into dst on q
func (b *Buffer) CopyInto(q *Queue, dst *Buffer) error {
	if err := CheckShapes(b, dst); err != nil {
		return err
	}
	return q.EnqueueFunc(func() error {
		copy(dst.data, b.data)
		return nil
	})
}

// CheckShapes returns ErrDimensionMismatch unless every buffer has the shape
// of the first one
func CheckShapes(bufs ...*Buffer) error {
	for i := 1; i < len(bufs); i++ {
		if !bufs[0].SameShape(bufs[i]) {
			return fmt.Errorf("%w: %v vs %v", ErrDimensionMismatch, bufs[0].shape, bufs[i].shape)
		}
	}
	return nil
}
