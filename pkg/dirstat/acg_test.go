package dirstat

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func TestPdfIsScaleInvariant(t *testing.T) {
	x := []float64{0.5, 0.5, 0.5, 0.5}

	g1, err := NewDiagonal(1, 1)
	require.NoError(t, err)
	g2, err := NewDiagonal(2, 2)
	require.NoError(t, err)

	assert.InDelta(t, 1, g1.Pdf(x), 1e-12)
	assert.InDelta(t, 1, g2.Pdf(x), 1e-12)

	g3, err := NewDiagonal(1, 0.01)
	require.NoError(t, err)
	assert.Greater(t, g3.Pdf([]float64{1, 0, 0, 0}), g3.Pdf([]float64{0, 1, 0, 0}))
}

func TestSampleIsUnit(t *testing.T) {
	g, err := NewDiagonal(1, 0.1)
	require.NoError(t, err)

	x := mat.NewDense(100, Dim, nil)
	require.NoError(t, g.Sample(x, rand.NewSource(1)))
	for i := 0; i < 100; i++ {
		require.InDelta(t, 1, mat.Norm(x.RowView(i), 2), 1e-12)
	}

	require.Error(t, g.Sample(mat.NewDense(2, 3, nil), rand.NewSource(1)))
}

// TestInferRecoversConcentration samples a concentrated ACG and checks that
// the fitted eigenvalue ratio and mode match the generating parameters.
func TestInferRecoversConcentration(t *testing.T) {
	const k = 0.02
	g, err := NewDiagonal(1, k)
	require.NoError(t, err)

	x := mat.NewDense(4000, Dim, nil)
	require.NoError(t, g.Sample(x, rand.NewSource(5)))

	fit, err := Infer(x, nil)
	require.NoError(t, err)

	k0, k1, k2, err := fit.K()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, k0, k2)
	assert.GreaterOrEqual(t, k2, k1)
	assert.InEpsilon(t, k, k1/k0, 0.25)

	_, mode, err := fit.Eigen()
	require.NoError(t, err)
	assert.InDelta(t, 1, math.Abs(mode[0]), 1e-2)
}

func TestInferWeightsSelectSamples(t *testing.T) {
	x := mat.NewDense(3, Dim, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	})

	fit, err := Infer(x, []float64{0, 1, 0})
	require.NoError(t, err)
	_, mode, err := fit.Eigen()
	require.NoError(t, err)
	assert.InDelta(t, 1, math.Abs(mode[1]), 1e-6)
}

func TestInferDegenerate(t *testing.T) {
	x := mat.NewDense(2, Dim, []float64{1, 0, 0, 0, 0, 1, 0, 0})

	_, err := Infer(x, []float64{0, 0})
	require.ErrorIs(t, err, ErrDegenerate)

	_, err = Infer(x, []float64{math.NaN(), 1})
	require.ErrorIs(t, err, ErrDegenerate)

	_, err = NewDiagonal(1, 0)
	require.ErrorIs(t, err, ErrDegenerate)
}
