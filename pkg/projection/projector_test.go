package projection

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"

	"emrefine/pkg/fft"
	"emrefine/pkg/geom"
	"emrefine/pkg/grid"
)

// zProjection sums vol along z into a real-space image.
func zProjection(vol *grid.Volume) *grid.Image {
	n := vol.NColRL()
	img := grid.NewImage(n, n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				img.SetRL(img.GetRL(x, y)+vol.GetRL(x, y, z), x, y)
			}
		}
	}
	return img
}

func randomVolume(n int, seed int64) *grid.Volume {
	rng := rand.New(rand.NewSource(seed))
	vol := grid.NewCube(n)
	for i := range vol.RL() {
		vol.RL()[i] = rng.Float64()
	}
	return vol
}

// TestCentralSlice checks the projection theorem at the identity pose,
// where every sample falls on a grid point of the padded volume.
func TestCentralSlice(t *testing.T) {
	const n = 12
	f := fft.New()
	vol := randomVolume(n, 1)

	want := zProjection(vol)
	f.FwImageCentred(want)

	ref := vol.Clone()
	f.FwVolumeCentred(ref)

	p := New(n, 2)
	require.True(t, p.IsEmpty())
	p.SetProjectee(ref)
	require.False(t, p.IsEmpty())

	got := grid.NewImage(n, n)
	require.NoError(t, p.Project(got, geom.Identity.Matrix(), r2.Point{}))

	require.NotEmpty(t, p.Pixels())
	for _, px := range p.Pixels() {
		w, g := want.FT()[px.Index], got.FT()[px.Index]
		require.InDelta(t, real(w), real(g), 1e-8, "(%d, %d)", px.I, px.J)
		require.InDelta(t, imag(w), imag(g), 1e-8, "(%d, %d)", px.I, px.J)
	}
}

// TestTranslationIsCircularShift compares a shifted projection with the
// transform of the circularly shifted image.
func TestTranslationIsCircularShift(t *testing.T) {
	const n = 10
	f := fft.New()
	vol := randomVolume(n, 2)

	proj := zProjection(vol)
	shifted := grid.NewImage(n, n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			shifted.SetRL(proj.GetRL(x, y), (x+2)%n, (y+n-1)%n)
		}
	}
	f.FwImageCentred(shifted)

	ref := vol.Clone()
	f.FwVolumeCentred(ref)
	p := New(n, 2)
	p.SetProjectee(ref)

	got := grid.NewImage(n, n)
	require.NoError(t, p.Project(got, geom.Identity.Matrix(), r2.Point{X: 2, Y: -1}))
	for _, px := range p.Pixels() {
		w, g := shifted.FT()[px.Index], got.FT()[px.Index]
		require.InDelta(t, real(w), real(g), 1e-8)
		require.InDelta(t, imag(w), imag(g), 1e-8)
	}
}

// TestSphereProjectionIsRotationInvariant projects a centred ball at two
// poses; the slices must agree up to interpolation error.
func TestSphereProjectionIsRotationInvariant(t *testing.T) {
	const n = 24
	ref := grid.Sphere(n, 6, 2)
	fft.New().FwVolumeCentred(ref)

	p := New(n, 2)
	p.SetProjectee(ref)
	p.SetMaxRadius(6)

	a := grid.NewImage(n, n)
	b := grid.NewImage(n, n)
	require.NoError(t, p.Project(a, geom.Identity.Matrix(), r2.Point{}))
	rot := geom.FromAxisAngle(r3.Vector{X: 1, Y: 2, Z: -1}, 1.1)
	require.NoError(t, p.Project(b, rot.Matrix(), r2.Point{}))

	dc := real(a.GetFT(0, 0))
	require.Greater(t, dc, 0.0)
	for _, px := range p.Pixels() {
		require.InDelta(t, real(a.FT()[px.Index]), real(b.FT()[px.Index]), 0.1*dc)
	}
}

func TestProjectWithoutProjectee(t *testing.T) {
	p := New(8, 2)
	err := p.Project(grid.NewImage(8, 8), geom.Identity.Matrix(), r2.Point{})
	require.ErrorIs(t, err, ErrNoProjectee)
}

func TestPixelsWithinRadius(t *testing.T) {
	px := Pixels(16, 16, 5)
	for _, q := range px {
		require.Less(t, math.Hypot(float64(q.I), float64(q.J)), 5.0)
		require.LessOrEqual(t, q.Shell, 5)
	}
	require.Len(t, New(16, 1).Pixels(), len(Pixels(16, 16, 7)))
}
