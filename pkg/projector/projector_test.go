package projector

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"tomorecon/internal/models"
	"tomorecon/pkg/compute"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/ops"
)

type fixture struct {
	res  *compute.Resources
	ops  *ops.Ops
	proj *Projector
}

func newFixture(t *testing.T, geom *geometry.Model) *fixture {
	t.Helper()
	ctx, err := compute.NewHostBackend().NewContext(compute.ContextOptions{Workers: 3})
	if err != nil {
		t.Fatalf("Failed to create context: %v", err)
	}
	q, err := ctx.NewQueue()
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	o, err := ops.New(ctx, q)
	if err != nil {
		t.Fatalf("Failed to create ops: %v", err)
	}
	res := &compute.Resources{Context: ctx, Queue: q, Logger: zerolog.Nop()}
	p := New(geom)
	if err := p.Setup(res); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	t.Cleanup(func() {
		p.Close()
		o.Close()
		ctx.Close()
	})
	return &fixture{res: res, ops: o, proj: p}
}

func mustGeometry(t *testing.T, spec models.GeometrySpec) *geometry.Model {
	t.Helper()
	g, err := geometry.New(spec)
	if err != nil {
		t.Fatalf("Failed to build geometry: %v", err)
	}
	return g
}

func randomBuffer(rng *rand.Rand, shape ...int) *compute.Buffer {
	b := compute.NewBuffer(shape...)
	for i := range b.Data() {
		b.Data()[i] = rng.Float64()
	}
	return b
}

// TestAdjointIdentity checks <FP u, v> == <u, BP v> for several geometries
func TestAdjointIdentity(t *testing.T) {
	tests := []struct {
		name   string
		spec   models.GeometrySpec
		roi    *models.Region
		slices int
	}{
		{
			name: "half circle",
			spec: models.GeometrySpec{NumAngles: 12, AngleStep: math.Pi / 12, DetectorCount: 9, AxisPosition: -1},
		},
		{
			name: "offset axis and scaled detector",
			spec: models.GeometrySpec{NumAngles: 7, AngleStep: 0.41, AngleOffset: 0.2, DetectorCount: 11, AxisPosition: 4.3, DetectorScale: 0.8, VolumeWidth: 8, VolumeHeight: 6},
		},
		{
			name: "region of interest",
			spec: models.GeometrySpec{NumAngles: 9, AngleStep: math.Pi / 9, DetectorCount: 10, AxisPosition: -1},
			roi:  &models.Region{X: 2, Y: 3, Width: 5, Height: 4},
		},
		{
			name:   "three slices",
			spec:   models.GeometrySpec{NumAngles: 6, AngleStep: math.Pi / 6, DetectorCount: 8, AxisPosition: -1},
			slices: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			geom := mustGeometry(t, tt.spec)
			f := newFixture(t, geom)
			rng := rand.New(rand.NewSource(11))

			u := randomBuffer(rng, geom.VolumeShape(tt.slices)...)
			v := randomBuffer(rng, geom.SinogramShape(tt.slices)...)
			fu := v.Duplicate()
			bv := u.Duplicate()

			roi := geom.FullRegion()
			if tt.roi != nil {
				roi = *tt.roi
			}
			for _, s := range f.proj.Subsets() {
				if err := f.proj.FP(u, roi, fu, s, 1); err != nil {
					t.Fatalf("FP failed: %v", err)
				}
				if err := f.proj.BP(bv, roi, v, s, 1); err != nil {
					t.Fatalf("BP failed: %v", err)
				}
			}

			lhs, err := f.ops.Dot(fu, v)
			if err != nil {
				t.Fatalf("Dot failed: %v", err)
			}
			rhs, err := f.ops.Dot(u, bv)
			if err != nil {
				t.Fatalf("Dot failed: %v", err)
			}
			if lhs == 0 {
				t.Fatalf("Forward projection is identically zero")
			}
			if !scalar.EqualWithinRel(lhs, rhs, 1e-10) {
				t.Errorf("<FP u, v>=%.15g but <u, BP v>=%.15g", lhs, rhs)
			}
		})
	}
}

// TestForwardKnownValues projects a uniform image at 0 and 90 degrees
func TestForwardKnownValues(t *testing.T) {
	geom, err := geometry.NewFromAngles(models.GeometrySpec{DetectorCount: 4, AxisPosition: -1}, []float64{0, math.Pi / 2})
	if err != nil {
		t.Fatalf("Failed to build geometry: %v", err)
	}
	f := newFixture(t, geom)

	vol := compute.NewBuffer(4, 4)
	if err := f.ops.Set(vol, 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	sino := compute.NewBuffer(4, 2)
	if err := f.proj.ForwardAll(vol, sino, 1); err != nil {
		t.Fatalf("ForwardAll failed: %v", err)
	}
	data, err := sino.HostArray(f.res.Queue)
	if err != nil {
		t.Fatalf("HostArray failed: %v", err)
	}
	for i, v := range data {
		if math.Abs(v-4) > 1e-9 {
			t.Errorf("sinogram[%d] = %g, expected 4", i, v)
		}
	}
}

// TestAccumulates checks FP and BP add to their destination
func TestAccumulates(t *testing.T) {
	geom := mustGeometry(t, models.GeometrySpec{NumAngles: 5, AngleStep: math.Pi / 5, DetectorCount: 6, AxisPosition: -1})
	f := newFixture(t, geom)
	rng := rand.New(rand.NewSource(5))

	vol := randomBuffer(rng, 6, 6)
	once := compute.NewBuffer(6, 5)
	twice := compute.NewBuffer(6, 5)
	if err := f.proj.ForwardAll(vol, once, 1); err != nil {
		t.Fatalf("ForwardAll failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.proj.ForwardAll(vol, twice, 1); err != nil {
			t.Fatalf("ForwardAll failed: %v", err)
		}
	}
	halfScale := compute.NewBuffer(6, 5)
	if err := f.proj.ForwardAll(vol, halfScale, 0.5); err != nil {
		t.Fatalf("ForwardAll failed: %v", err)
	}
	if err := f.res.Queue.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	for i := range once.Data() {
		if math.Abs(twice.Data()[i]-2*once.Data()[i]) > 1e-12 {
			t.Fatalf("element %d: twice %g, once %g", i, twice.Data()[i], once.Data()[i])
		}
		if math.Abs(halfScale.Data()[i]-0.5*once.Data()[i]) > 1e-12 {
			t.Fatalf("element %d: half %g, once %g", i, halfScale.Data()[i], once.Data()[i])
		}
	}

	back := compute.NewBuffer(6, 6)
	if err := f.ops.Set(back, 3); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := f.proj.BackwardAll(back, compute.NewBuffer(6, 5), 1); err != nil {
		t.Fatalf("BackwardAll failed: %v", err)
	}
	data, err := back.HostArray(f.res.Queue)
	if err != nil {
		t.Fatalf("HostArray failed: %v", err)
	}
	for i, v := range data {
		if v != 3 {
			t.Fatalf("voxel %d changed to %g by backprojecting zeros", i, v)
		}
	}
}

// TestZeroScaleIsNoop checks a zero scale leaves the sinogram alone
func TestZeroScaleIsNoop(t *testing.T) {
	geom := mustGeometry(t, models.GeometrySpec{NumAngles: 3, AngleStep: 0.5, DetectorCount: 4, AxisPosition: -1})
	f := newFixture(t, geom)

	vol := compute.NewBuffer(4, 4)
	if err := f.ops.Set(vol, 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	sino := compute.NewBuffer(4, 3)
	if err := f.proj.FP(vol, geom.FullRegion(), sino, f.proj.Subsets()[0], 0); err != nil {
		t.Fatalf("FP failed: %v", err)
	}
	l1, err := f.ops.L1Norm(sino)
	if err != nil {
		t.Fatalf("L1Norm failed: %v", err)
	}
	if l1 != 0 {
		t.Errorf("Expected untouched sinogram, got L1 %g", l1)
	}
}

// TestRejectsBadOperands covers setup and shape validation
func TestRejectsBadOperands(t *testing.T) {
	if err := New(nil).Setup(&compute.Resources{}); !errors.Is(err, compute.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for missing geometry, got %v", err)
	}

	geom := mustGeometry(t, models.GeometrySpec{NumAngles: 4, AngleStep: 0.3, DetectorCount: 6, AxisPosition: -1})
	if err := New(geom).Setup(nil); !errors.Is(err, compute.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for missing resources, got %v", err)
	}

	f := newFixture(t, geom)
	vol := compute.NewBuffer(6, 6)
	sino := compute.NewBuffer(6, 4)
	subset := f.proj.Subsets()[0]

	tests := []struct {
		name   string
		vol    *compute.Buffer
		roi    models.Region
		sino   *compute.Buffer
		subset models.Subset
	}{
		{"wrong angle count", vol, geom.FullRegion(), compute.NewBuffer(6, 5), subset},
		{"wrong detector count", vol, geom.FullRegion(), compute.NewBuffer(7, 4), subset},
		{"wrong volume", compute.NewBuffer(5, 6), geom.FullRegion(), sino, subset},
		{"slice mismatch", compute.NewBuffer(6, 6, 2), geom.FullRegion(), sino, subset},
		{"region outside", vol, models.Region{X: 3, Width: 4, Height: 6}, sino, subset},
		{"subset outside", vol, geom.FullRegion(), sino, models.Subset{Offset: 3, Count: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.proj.FP(tt.vol, tt.roi, tt.sino, tt.subset, 1); !errors.Is(err, compute.ErrDimensionMismatch) {
				t.Errorf("FP: expected ErrDimensionMismatch, got %v", err)
			}
			if err := f.proj.BP(tt.vol, tt.roi, tt.sino, tt.subset, 1); !errors.Is(err, compute.ErrDimensionMismatch) {
				t.Errorf("BP: expected ErrDimensionMismatch, got %v", err)
			}
		})
	}
}

// TestOperatorOverwrites checks the LinearOperator adapter replaces its output
func TestOperatorOverwrites(t *testing.T) {
	geom := mustGeometry(t, models.GeometrySpec{NumAngles: 4, AngleStep: math.Pi / 4, DetectorCount: 5, AxisPosition: -1})
	f := newFixture(t, geom)
	op := NewOperator(f.proj, f.ops)
	rng := rand.New(rand.NewSource(9))

	vol := randomBuffer(rng, 5, 5)
	expected := compute.NewBuffer(5, 4)
	if err := f.proj.ForwardAll(vol, expected, 1); err != nil {
		t.Fatalf("ForwardAll failed: %v", err)
	}
	got := randomBuffer(rng, 5, 4)
	if err := op.Forward(vol, got); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := f.res.Queue.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if !floats.EqualApprox(got.Data(), expected.Data(), 1e-12) {
		t.Errorf("Forward did not overwrite: %v vs %v", got.Data(), expected.Data())
	}
}
