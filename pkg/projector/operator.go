package projector

import (
	"tomorecon/pkg/compute"
	"tomorecon/pkg/ops"
)

// Operator presents a projector as an ops.LinearOperator over the full
// volume and all angles. Forward overwrites the sinogram and Adjoint
// overwrites the volume.
type Operator struct {
	p   *Projector
	ops *ops.Ops
}

var _ ops.LinearOperator = (*Operator)(nil)

// NewOperator wraps p. p and o must run on the same queue.
func NewOperator(p *Projector, o *ops.Ops) *Operator {
	return &Operator{p: p, ops: o}
}

// Forward sets sinogram = A·volume
func (op *Operator) Forward(volume, sinogram *compute.Buffer) error {
	if err := op.ops.Set(sinogram, 0); err != nil {
		return err
	}
	return op.p.ForwardAll(volume, sinogram, 1)
}

// Adjoint sets volume = Aᵗ·sinogram
func (op *Operator) Adjoint(sinogram, volume *compute.Buffer) error {
	if err := op.ops.Set(volume, 0); err != nil {
		return err
	}
	return op.p.BackwardAll(volume, sinogram, 1)
}
