package ops

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"tomorecon/pkg/compute"
)

// MatrixOperator is a LinearOperator backed by a dense gonum matrix.
// Buffers are read as flat vectors, so any shape with the right element
// count is accepted.
type MatrixOperator struct {
	q *compute.Queue
	a mat.Matrix
}

var _ LinearOperator = (*MatrixOperator)(nil)

// NewMatrixOperator runs products with a on q
func NewMatrixOperator(q *compute.Queue, a mat.Matrix) *MatrixOperator {
	return &MatrixOperator{q: q, a: a}
}

// Forward sets y = A·x
func (m *MatrixOperator) Forward(x, y *compute.Buffer) error {
	r, c := m.a.Dims()
	if x.Len() != c || y.Len() != r {
		return fmt.Errorf("%w: %dx%d matrix with x of %d and y of %d elements",
			compute.ErrDimensionMismatch, r, c, x.Len(), y.Len())
	}
	return m.q.EnqueueFunc(func() error {
		out := mat.NewVecDense(r, nil)
		out.MulVec(m.a, mat.NewVecDense(c, x.Data()))
		copy(y.Data(), out.RawVector().Data)
		return nil
	})
}

// Adjoint sets x = Aᵗ·y
func (m *MatrixOperator) Adjoint(y, x *compute.Buffer) error {
	r, c := m.a.Dims()
	if x.Len() != c || y.Len() != r {
		return fmt.Errorf("%w: %dx%d matrix with x of %d and y of %d elements",
			compute.ErrDimensionMismatch, r, c, x.Len(), y.Len())
	}
	return m.q.EnqueueFunc(func() error {
		out := mat.NewVecDense(c, nil)
		out.MulVec(m.a.T(), mat.NewVecDense(r, y.Data()))
		copy(x.Data(), out.RawVector().Data)
		return nil
	})
}
