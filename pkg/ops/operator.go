package ops

import "tomorecon/pkg/compute"

// LinearOperator is a linear map A together with its adjoint.
//
// Unlike the accumulating projector calls, both methods overwrite their
// destination: Forward sets y = A·x and Adjoint sets x = Aᵗ·y. Solvers that
// only need A and Aᵗ depend on this interface, so tests can substitute small
// dense or identity operators.
type LinearOperator interface {
	Forward(x, y *compute.Buffer) error
	Adjoint(y, x *compute.Buffer) error
}
