package particle

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"emrefine/pkg/geom"
	"emrefine/pkg/symmetry"
)

func TestNormW(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	p := New(200, 5, 5, nil, 1)

	for trial := 0; trial < 20; trial++ {
		for i := 0; i < p.N(); i++ {
			p.SetW(rng.ExpFloat64()*math.Pow(10, float64(rng.Intn(6)-3)), i)
		}
		require.NoError(t, p.NormW())

		sum := 0.0
		for i := 0; i < p.N(); i++ {
			sum += p.W(i)
		}
		require.InDelta(t, 1, sum, 1e-12)

		neff := p.Neff()
		require.GreaterOrEqual(t, neff, 1-1e-9)
		require.LessOrEqual(t, neff, float64(p.N())+1e-9)
	}
}

func TestNormWRejectsDegenerate(t *testing.T) {
	p := New(4, 1, 1, nil, 1)
	for i := 0; i < 4; i++ {
		p.SetW(0, i)
	}
	require.ErrorIs(t, p.NormW(), ErrDegenerateWeights)

	p.SetW(math.NaN(), 2)
	require.ErrorIs(t, p.NormW(), ErrDegenerateWeights)

	p.Reset()
	require.NoError(t, p.NormW())
	require.InDelta(t, 4, p.Neff(), 1e-12)
}

func TestNeffBounds(t *testing.T) {
	p := New(10, 1, 1, nil, 2)
	require.InDelta(t, 10, p.Neff(), 1e-12)

	for i := 0; i < p.N(); i++ {
		p.SetW(0, i)
	}
	p.SetW(1, 3)
	require.NoError(t, p.NormW())
	require.InDelta(t, 1, p.Neff(), 1e-12)
}

// TestResamplePreservesMean resamples a uniform-weight set many times and
// checks that the translation mean of the resampled set matches the
// original within statistical tolerance.
func TestResamplePreservesMean(t *testing.T) {
	const n = 100
	base := New(n, 10, 10, nil, 5)

	want := 0.0
	for i := 0; i < n; i++ {
		want += base.T(i).X
	}
	want /= n

	got := 0.0
	const trials = 400
	for trial := 0; trial < trials; trial++ {
		p := New(n, 10, 10, nil, 5)
		p.rng.Seed(uint64(trial + 100))
		p.Resample()
		for i := 0; i < n; i++ {
			got += p.T(i).X
		}
	}
	got /= n * trials

	assert.InDelta(t, want, got, 0.2)
}

func TestResampleNFollowsWeights(t *testing.T) {
	p := New(4, 1, 1, nil, 9)
	ws := []float64{0, 0.75, 0, 0.25}
	for i, w := range ws {
		p.SetW(w, i)
	}
	heavy := p.T(1)
	light := p.T(3)

	p.ResampleN(8)
	require.Equal(t, 8, p.N())

	counts := map[r2.Point]int{}
	for i := 0; i < p.N(); i++ {
		counts[p.T(i)]++
		require.InDelta(t, 1.0/8, p.W(i), 1e-15)
	}
	require.Equal(t, 6, counts[heavy])
	require.Equal(t, 2, counts[light])
}

func TestISortDescending(t *testing.T) {
	p := New(5, 1, 1, nil, 4)
	for i, w := range []float64{0.1, 0.4, 0.05, 0.3, 0.15} {
		p.SetW(w, i)
	}
	require.Equal(t, []int{1, 3, 4, 0, 2}, p.ISort())
}

// TestCalVariTracksConcentration checks that a tight cloud around one pose
// yields a small k1/k0 and translation spread, and a uniform one does not.
func TestCalVariTracksConcentration(t *testing.T) {
	p := New(500, 4, 4, nil, 12)
	require.NoError(t, p.CalVari())
	wide := p.Vari()
	assert.Greater(t, wide.K1/wide.K0, 0.5)
	assert.InDelta(t, 4/math.Sqrt(3), wide.S0, 0.4)

	centre := geom.FromAxisAngle(r3.Vector{X: 1, Y: 2, Z: 3}, 1)
	for i := 0; i < p.N(); i++ {
		p.r[i] = centre
		p.t[i] = r2.Point{X: 1, Y: -1}
	}
	p.SetVari(Vari{K0: 1, K1: 0.01, S0: 0.5, S1: 0.5})
	require.NoError(t, p.Perturb(1))
	require.NoError(t, p.CalVari())
	tight := p.Vari()

	assert.Less(t, tight.K1/tight.K0, 0.05)
	assert.InDelta(t, 0.5, tight.S0, 0.1)
	assert.GreaterOrEqual(t, tight.Rho, -1.0)
	assert.LessOrEqual(t, tight.Rho, 1.0)
}

func TestPerturbStaysWithinBounds(t *testing.T) {
	p := New(300, 2, 3, nil, 8)
	p.SetVari(Vari{K0: 1, K1: 1, S0: 10, S1: 10, Rho: 0.5})
	require.NoError(t, p.Perturb(1))

	for i := 0; i < p.N(); i++ {
		tr := p.T(i)
		require.LessOrEqual(t, math.Abs(tr.X), 2.0)
		require.LessOrEqual(t, math.Abs(tr.Y), 3.0)
		require.InDelta(t, 1, p.Quaternion(i).Norm(), 1e-12)
	}

	require.ErrorIs(t, p.Perturb(0), ErrDegenerateVari)
}

func TestPerturbSingleAxis(t *testing.T) {
	p := New(100, 2, 0, nil, 9)
	p.SetVari(Vari{K0: 1, K1: 1, K2: 1, S0: 1, S1: 0})

	before := make([]r2.Point, p.N())
	for i := range before {
		before[i] = p.T(i)
	}
	require.NoError(t, p.Perturb(4))

	moved := 0
	for i := range before {
		tr := p.T(i)
		require.Equal(t, 0.0, tr.Y)
		require.LessOrEqual(t, math.Abs(tr.X), 2.0)
		if tr.X != before[i].X {
			moved++
		}
	}
	assert.Greater(t, moved, p.N()/2)
}

func TestSymmetriseFoldsEquivalentPoses(t *testing.T) {
	sym, err := symmetry.New("C4")
	require.NoError(t, err)

	p := New(50, 1, 1, sym, 21)
	for i := 0; i < p.N(); i++ {
		q := p.Quaternion(i)
		require.InDelta(t, 0, geom.Distance(q, sym.Fold(q)), 1e-9)
	}

	weights := make([]float64, p.N())
	for i := range weights {
		weights[i] = p.W(i)
	}
	require.InDelta(t, 1, floats.Sum(weights), 1e-12)
	require.Contains(t, p.String(), "n = 50")
}
