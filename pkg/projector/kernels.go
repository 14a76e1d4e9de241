package projector

import (
	"math"

	"tomorecon/pkg/compute"
)

// Module is the kernel catalog module of the projector
const Module = "projector"

// Kernel argument layout shared by all four kernels:
//
//	Buffers: volume, sinogram, sin table, cos table
//	Floats:  scale (FP) or relaxation (BP), axis position, detector scale
//	Ints:    roi x, roi y, roi width, roi height, subset offset, subset count
//
// Forward kernels take one work item per (plane, angle, detector) and write one
// sinogram element. Backward kernels take one work item per (plane, roi row)
// and write the roi voxels of that row. The backward kernels gather exactly the
// hat weights the forward kernels scatter, so BP is the transpose of FP.
const (
	argScale = iota
	argAxis
	argDetectorScale
)

const (
	argRoiX = iota
	argRoiY
	argRoiWidth
	argRoiHeight
	argOffset
	argCount
)

var kernelNames = []string{"fp_vertical", "fp_horizontal", "bp_vertical", "bp_horizontal"}

func init() {
	compute.RegisterKernel(Module, "fp_vertical", forwardVertical)
	compute.RegisterKernel(Module, "fp_horizontal", forwardHorizontal)
	compute.RegisterKernel(Module, "bp_vertical", backwardVertical)
	compute.RegisterKernel(Module, "bp_horizontal", backwardHorizontal)
}

// hat is the linear interpolation weight of a sample at distance v from a pixel centre
func hat(v float64) float64 {
	v = math.Abs(v)
	if v >= 1 {
		return 0
	}
	return 1 - v
}

// launch unpacks the common arguments
type launch struct {
	vol, sino      []float64
	sin, cos       []float64
	nx, ny         int
	nd, na         int
	factor         float64
	axis, detScale float64
	x0, y0, x1, y1 int
	offset, count  int
}

func unpack(a *compute.Args) launch {
	vol, sino := a.Buffers[0], a.Buffers[1]
	return launch{
		vol:      vol.Data(),
		sino:     sino.Data(),
		sin:      a.Buffers[2].Data(),
		cos:      a.Buffers[3].Data(),
		nx:       vol.RowLen(),
		ny:       vol.Rows(),
		nd:       sino.RowLen(),
		na:       sino.Rows(),
		factor:   a.Floats[argScale],
		axis:     a.Floats[argAxis],
		detScale: a.Floats[argDetectorScale],
		x0:       a.Ints[argRoiX],
		y0:       a.Ints[argRoiY],
		x1:       a.Ints[argRoiX] + a.Ints[argRoiWidth],
		y1:       a.Ints[argRoiY] + a.Ints[argRoiHeight],
		offset:   a.Ints[argOffset],
		count:    a.Ints[argCount],
	}
}

// detector returns the signed distance of detector d from the rotation axis
func (l *launch) detector(d int) float64 {
	return (float64(d) + 0.5 - l.axis) * l.detScale
}

// column returns the fractional column index where the ray (angle, d) crosses row iy
func (l *launch) column(angle, d, iy int) float64 {
	y := float64(iy) + 0.5 - float64(l.ny)/2
	x := (l.detector(d) - y*l.sin[angle]) / l.cos[angle]
	return x + float64(l.nx)/2 - 0.5
}

// row returns the fractional row index where the ray (angle, d) crosses column ix
func (l *launch) row(angle, d, ix int) float64 {
	x := float64(ix) + 0.5 - float64(l.nx)/2
	y := (l.detector(d) - x*l.cos[angle]) / l.sin[angle]
	return y + float64(l.ny)/2 - 0.5
}

// detectorRange returns the detectors whose fractional coordinate
// a*d + b lies within one pixel of target
func (l *launch) detectorRange(a, b float64, target int) (lo, hi int) {
	t0 := (float64(target) - 1 - b) / a
	t1 := (float64(target) + 1 - b) / a
	if t0 > t1 {
		t0, t1 = t1, t0
	}
	lo = int(math.Floor(t0)) - 1
	hi = int(math.Ceil(t1)) + 1
	if lo < 0 {
		lo = 0
	}
	if hi > l.nd-1 {
		hi = l.nd - 1
	}
	return lo, hi
}

func forwardVertical(a *compute.Args, lo, hi int) {
	l := unpack(a)
	perPlane := l.count * l.nd
	for item := lo; item < hi; item++ {
		plane := item / perPlane
		angle := l.offset + (item%perPlane)/l.nd
		d := item % l.nd
		vol := l.vol[plane*l.nx*l.ny:]

		var sum float64
		for iy := l.y0; iy < l.y1; iy++ {
			fx := l.column(angle, d, iy)
			i0 := int(math.Floor(fx))
			for ix := i0; ix <= i0+1; ix++ {
				if ix < l.x0 || ix >= l.x1 {
					continue
				}
				sum += hat(fx-float64(ix)) * vol[iy*l.nx+ix]
			}
		}
		l.sino[(plane*l.na+angle)*l.nd+d] += l.factor * sum / math.Abs(l.cos[angle])
	}
}

func forwardHorizontal(a *compute.Args, lo, hi int) {
	l := unpack(a)
	perPlane := l.count * l.nd
	for item := lo; item < hi; item++ {
		plane := item / perPlane
		angle := l.offset + (item%perPlane)/l.nd
		d := item % l.nd
		vol := l.vol[plane*l.nx*l.ny:]

		var sum float64
		for ix := l.x0; ix < l.x1; ix++ {
			fy := l.row(angle, d, ix)
			i0 := int(math.Floor(fy))
			for iy := i0; iy <= i0+1; iy++ {
				if iy < l.y0 || iy >= l.y1 {
					continue
				}
				sum += hat(fy-float64(iy)) * vol[iy*l.nx+ix]
			}
		}
		l.sino[(plane*l.na+angle)*l.nd+d] += l.factor * sum / math.Abs(l.sin[angle])
	}
}

func backwardVertical(a *compute.Args, lo, hi int) {
	l := unpack(a)
	rows := l.y1 - l.y0
	for item := lo; item < hi; item++ {
		plane := item / rows
		iy := l.y0 + item%rows
		y := float64(iy) + 0.5 - float64(l.ny)/2
		vol := l.vol[plane*l.nx*l.ny+iy*l.nx:]
		sino := l.sino[plane*l.na*l.nd:]

		for ix := l.x0; ix < l.x1; ix++ {
			var sum float64
			for angle := l.offset; angle < l.offset+l.count; angle++ {
				c := l.cos[angle]
				// column(angle, d, iy) as a*d + b
				slope := l.detScale / c
				intercept := ((0.5-l.axis)*l.detScale-y*l.sin[angle])/c + float64(l.nx)/2 - 0.5
				dlo, dhi := l.detectorRange(slope, intercept, ix)

				var ray float64
				for d := dlo; d <= dhi; d++ {
					if w := hat(l.column(angle, d, iy) - float64(ix)); w > 0 {
						ray += w * sino[angle*l.nd+d]
					}
				}
				sum += ray / math.Abs(c)
			}
			vol[ix] += l.factor * sum
		}
	}
}

func backwardHorizontal(a *compute.Args, lo, hi int) {
	l := unpack(a)
	rows := l.y1 - l.y0
	for item := lo; item < hi; item++ {
		plane := item / rows
		iy := l.y0 + item%rows
		vol := l.vol[plane*l.nx*l.ny+iy*l.nx:]
		sino := l.sino[plane*l.na*l.nd:]

		for ix := l.x0; ix < l.x1; ix++ {
			x := float64(ix) + 0.5 - float64(l.nx)/2
			var sum float64
			for angle := l.offset; angle < l.offset+l.count; angle++ {
				s := l.sin[angle]
				slope := l.detScale / s
				intercept := ((0.5-l.axis)*l.detScale-x*l.cos[angle])/s + float64(l.ny)/2 - 0.5
				dlo, dhi := l.detectorRange(slope, intercept, iy)

				var ray float64
				for d := dlo; d <= dhi; d++ {
					if w := hat(l.row(angle, d, ix) - float64(iy)); w > 0 {
						ray += w * sino[angle*l.nd+d]
					}
				}
				sum += ray / math.Abs(s)
			}
			vol[ix] += l.factor * sum
		}
	}
}
