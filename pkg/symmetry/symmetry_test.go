package symmetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"emrefine/pkg/geom"
)

func TestGroupOrders(t *testing.T) {
	tests := []struct {
		name  string
		order int
	}{
		{"C1", 1},
		{"c2", 2},
		{"C7", 7},
		{"D2", 4},
		{"D5", 10},
		{"T", 12},
		{"O", 24},
		{"I", 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sym, err := New(tt.name)
			require.NoError(t, err)
			require.Equal(t, tt.order, sym.Order())
			require.Equal(t, tt.order-1, sym.NSymmetryElement())
		})
	}
}

func TestUnknownSymmetry(t *testing.T) {
	for _, name := range []string{"", "X3", "C0", "Cx", "TT", "C2V"} {
		_, err := New(name)
		require.ErrorIs(t, err, ErrUnknownSymmetry, "%q", name)
	}
}

func TestGetPairIsInverse(t *testing.T) {
	sym, err := New("O")
	require.NoError(t, err)

	for i := 0; i < sym.NSymmetryElement(); i++ {
		L, R := sym.Get(i)
		var p mat.Dense
		p.Mul(L, R)
		require.True(t, mat.EqualApprox(&p, mat.NewDiagDense(3, []float64{1, 1, 1}), 1e-12), "element %d", i)
	}
}

// TestFoldIsInvariant checks that every symmetry-equivalent pose folds to
// the same representative.
func TestFoldIsInvariant(t *testing.T) {
	sym, err := New("D3")
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(11))

	for n := 0; n < 20; n++ {
		q := geom.Random(rng)
		want := sym.Fold(q)
		for i := 0; i < sym.NSymmetryElement(); i++ {
			got := sym.Fold(geom.Mul(q, sym.Quaternion(i)))
			assert.InDelta(t, 0, geom.Distance(want, got), 1e-6)
		}
	}

	var none *Symmetry
	q := geom.Random(rng)
	require.Equal(t, q, none.Fold(q))
}
