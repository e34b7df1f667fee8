// Package dirstat implements the angular central Gaussian (ACG) distribution
// on the unit sphere S^3, the rotation part of the pose proposal kernel.
//
// x ~ ACG(A) is drawn by normalising y ~ N(0, A). The density with respect
// to the uniform measure is |A|^(-1/2) (x^T A^-1 x)^(-2), and A is only
// defined up to scale.
package dirstat

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Dim is the dimension of the embedding space of unit quaternions.
const Dim = 4

// ErrDegenerate reports a sample or parameter matrix from which no proper
// ACG can be formed.
var ErrDegenerate = errors.New("dirstat: degenerate distribution")

const (
	maxIter   = 100
	tolerance = 1e-9
	// ridge keeps the estimate positive definite when the sample has
	// collapsed onto fewer than Dim directions.
	ridge = 1e-8
)

// ACG is an angular central Gaussian with parameter matrix A.
type ACG struct {
	a    *mat.SymDense
	chol mat.Cholesky
}

// New returns the ACG with parameter matrix a.
func New(a mat.Symmetric) (*ACG, error) {
	if a.SymmetricDim() != Dim {
		return nil, fmt.Errorf("%w: %d x %d parameter matrix", ErrDegenerate, a.SymmetricDim(), a.SymmetricDim())
	}
	g := &ACG{a: mat.NewSymDense(Dim, nil)}
	g.a.CopySym(a)
	if ok := g.chol.Factorize(g.a); !ok {
		return nil, fmt.Errorf("%w: parameter matrix is not positive definite", ErrDegenerate)
	}
	return g, nil
}

// NewDiagonal returns ACG(diag(k0, k1, k1, k1)), concentrated around the
// first axis when k1 < k0.
func NewDiagonal(k0, k1 float64) (*ACG, error) {
	if !(k0 > 0) || !(k1 > 0) {
		return nil, fmt.Errorf("%w: k0 = %v, k1 = %v", ErrDegenerate, k0, k1)
	}
	return New(mat.NewDiagDense(Dim, []float64{k0, k1, k1, k1}))
}

// A returns a copy of the parameter matrix.
func (g *ACG) A() *mat.SymDense {
	return mat.NewSymDense(Dim, append([]float64(nil), g.a.RawSymmetric().Data...))
}

// Pdf returns the density at the unit vector x.
func (g *ACG) Pdf(x []float64) float64 {
	v := mat.NewVecDense(Dim, x)
	var sol mat.VecDense
	if err := g.chol.SolveVecTo(&sol, v); err != nil {
		return math.NaN()
	}
	u := mat.Dot(v, &sol)
	return math.Exp(-0.5*g.chol.LogDet()) / (u * u)
}

// Sample fills each row of dst with an independent draw.
func (g *ACG) Sample(dst *mat.Dense, src rand.Source) error {
	n, c := dst.Dims()
	if c != Dim {
		return fmt.Errorf("dirstat: sample matrix has %d columns, want %d", c, Dim)
	}
	normal, ok := distmv.NewNormal(make([]float64, Dim), g.a, src)
	if !ok {
		return fmt.Errorf("%w: parameter matrix is not positive definite", ErrDegenerate)
	}

	y := make([]float64, Dim)
	for i := 0; i < n; i++ {
		for {
			normal.Rand(y)
			if nrm := floats.Norm(y, 2); nrm > 0 {
				floats.Scale(1/nrm, y)
				break
			}
		}
		dst.SetRow(i, y)
	}
	return nil
}

// Infer fits an ACG to the rows of x, weighted by w (nil for equal
// weights), with the fixed-point iteration
//
//	A <- Dim / sum(w) * sum_i w_i x_i x_i^T / (x_i^T A^-1 x_i).
//
// The result is normalised to unit trace.
func Infer(x mat.Matrix, w []float64) (*ACG, error) {
	n, c := x.Dims()
	if c != Dim || n == 0 {
		return nil, fmt.Errorf("%w: %d x %d sample", ErrDegenerate, n, c)
	}
	if w == nil {
		w = make([]float64, n)
		for i := range w {
			w[i] = 1
		}
	}
	if len(w) != n {
		return nil, fmt.Errorf("dirstat: %d weights for %d samples", len(w), n)
	}
	total := floats.Sum(w)
	if !(total > 0) || math.IsInf(total, 0) {
		return nil, fmt.Errorf("%w: weight sum %v", ErrDegenerate, total)
	}

	a := mat.NewSymDense(Dim, nil)
	for i := 0; i < Dim; i++ {
		a.SetSym(i, i, 1.0/Dim)
	}
	next := mat.NewSymDense(Dim, nil)
	row := mat.NewVecDense(Dim, nil)
	var chol mat.Cholesky
	var sol mat.VecDense

	for iter := 0; iter < maxIter; iter++ {
		if ok := chol.Factorize(a); !ok {
			return nil, fmt.Errorf("%w: estimate lost positive definiteness", ErrDegenerate)
		}

		next.Zero()
		for i := 0; i < n; i++ {
			if w[i] == 0 {
				continue
			}
			for j := 0; j < Dim; j++ {
				row.SetVec(j, x.At(i, j))
			}
			if err := chol.SolveVecTo(&sol, row); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDegenerate, err)
			}
			u := mat.Dot(row, &sol)
			if !(u > 0) {
				return nil, fmt.Errorf("%w: sample %d has zero norm", ErrDegenerate, i)
			}
			next.SymRankOne(next, w[i]/u, row)
		}

		tr := mat.Trace(next)
		if !(tr > 0) || math.IsNaN(tr) {
			return nil, fmt.Errorf("%w: trace %v", ErrDegenerate, tr)
		}
		next.ScaleSym(1/tr, next)
		for j := 0; j < Dim; j++ {
			next.SetSym(j, j, next.At(j, j)+ridge)
		}

		var diff mat.Dense
		diff.Sub(next, a)
		a.CopySym(next)
		if mat.Norm(&diff, 2) < tolerance {
			break
		}
	}

	return New(a)
}

// Eigen returns the eigenvalues of A in descending order and the unit
// eigenvector of the largest one, the modal direction.
func (g *ACG) Eigen() (values, mode []float64, err error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(g.a, true); !ok {
		return nil, nil, fmt.Errorf("%w: eigendecomposition failed", ErrDegenerate)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// EigenSym reports values in ascending order.
	values = make([]float64, Dim)
	for i := range values {
		values[i] = vals[Dim-1-i]
	}
	mode = mat.Col(nil, Dim-1, &vecs)
	return values, mode, nil
}

// K returns the largest (k0), smallest (k1) and second largest (k2)
// eigenvalues of A. The ratio k1/k0 measures the angular spread.
func (g *ACG) K() (k0, k1, k2 float64, err error) {
	values, _, err := g.Eigen()
	if err != nil {
		return 0, 0, 0, err
	}
	return values[0], values[Dim-1], values[1], nil
}
