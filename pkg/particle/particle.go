// Package particle implements the per-image pose posterior: a weighted set
// of hypotheses over rotation (unit quaternion) and in-plane translation,
// refined by importance sampling.
package particle

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r2"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"emrefine/pkg/dirstat"
	"emrefine/pkg/geom"
	"emrefine/pkg/symmetry"
)

var (
	// ErrDegenerateWeights reports a weight vector that cannot be
	// normalised: zero sum, NaN or infinite entries.
	ErrDegenerateWeights = errors.New("particle: degenerate weights")

	// ErrDegenerateVari reports spread parameters that could not be inferred
	// from the weighted sample.
	ErrDegenerateVari = errors.New("particle: degenerate spread")
)

// Vari is the spread of the pose posterior: rotational concentration k0
// (largest eigenvalue of the ACG parameter matrix), k1 (smallest) and k2
// (second largest), translation standard deviations s0 and s1 in pixels and
// their correlation rho.
type Vari struct {
	K0, K1, K2 float64
	S0, S1     float64
	Rho        float64
}

// Particle is the pose posterior of one image.
type Particle struct {
	n    int
	r    []geom.Quaternion
	t    []r2.Point
	w    *mat.VecDense
	vari Vari

	maxX, maxY float64
	sym        *symmetry.Symmetry

	src rand.Source
	rng *rand.Rand
}

// New returns a particle filter of n hypotheses drawn from the uniform prior
// over rotations and over translations within ±maxX, ±maxY pixels. sym may
// be nil for an asymmetric object.
func New(n int, maxX, maxY float64, sym *symmetry.Symmetry, seed uint64) *Particle {
	src := rand.NewSource(seed)
	p := &Particle{
		maxX: maxX,
		maxY: maxY,
		sym:  sym,
		src:  src,
		rng:  rand.New(src),
	}
	p.ResetN(n)
	return p
}

// Reset redraws every hypothesis from the uniform prior and sets uniform
// weights.
func (p *Particle) Reset() { p.ResetN(p.n) }

// ResetN is Reset with a new number of hypotheses.
func (p *Particle) ResetN(n int) {
	p.n = n
	p.r = make([]geom.Quaternion, n)
	p.t = make([]r2.Point, n)
	p.w = mat.NewVecDense(n, nil)

	for i := 0; i < n; i++ {
		p.r[i] = geom.Random(p.rng)
		p.t[i] = r2.Point{
			X: (2*p.rng.Float64() - 1) * p.maxX,
			Y: (2*p.rng.Float64() - 1) * p.maxY,
		}
		p.w.SetVec(i, 1/float64(n))
	}

	p.vari = Vari{K0: 1, K1: 1, K2: 1, S0: p.maxX, S1: p.maxY}
	p.symmetrise()
}

func (p *Particle) N() int { return p.n }

func (p *Particle) W(i int) float64 { return p.w.AtVec(i) }

func (p *Particle) SetW(w float64, i int) { p.w.SetVec(i, w) }

func (p *Particle) MulW(w float64, i int) { p.w.SetVec(i, p.w.AtVec(i)*w) }

// Weights returns the weight vector. It aliases the particle.
func (p *Particle) Weights() mat.Vector { return p.w }

// NormW scales the weights to sum to one.
func (p *Particle) NormW() error {
	w := p.w.RawVector().Data
	sum := floats.Sum(w)
	if !(sum > 0) || math.IsInf(sum, 0) {
		return fmt.Errorf("%w: sum %v over %d hypotheses", ErrDegenerateWeights, sum, p.n)
	}
	for _, v := range w {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: weight %v", ErrDegenerateWeights, v)
		}
	}
	floats.Scale(1/sum, w)
	return nil
}

// Coord returns hypothesis i.
func (p *Particle) Coord(i int) (geom.Quaternion, r2.Point) { return p.r[i], p.t[i] }

// Rot returns the rotation matrix of hypothesis i.
func (p *Particle) Rot(i int) *mat.Dense { return p.r[i].Matrix() }

// T returns the translation of hypothesis i in pixels.
func (p *Particle) T(i int) r2.Point { return p.t[i] }

// Quaternion returns the rotation of hypothesis i.
func (p *Particle) Quaternion(i int) geom.Quaternion { return p.r[i] }

// SetSymmetry changes the point group and refolds every hypothesis.
func (p *Particle) SetSymmetry(sym *symmetry.Symmetry) {
	p.sym = sym
	p.symmetrise()
}

// Vari returns the current spread parameters.
func (p *Particle) Vari() Vari { return p.vari }

// SetVari replaces the spread parameters, typically by the hemisphere-wide
// kernel before Perturb.
func (p *Particle) SetVari(v Vari) { p.vari = v }

// CalVari infers the spread of the weighted sample. The rotation part is an
// angular central Gaussian fit of the quaternions; the translation part is
// the weighted standard deviations and correlation.
func (p *Particle) CalVari() error {
	w := p.w.RawVector().Data

	q := mat.NewDense(p.n, dirstat.Dim, nil)
	for i, r := range p.r {
		q.SetRow(i, r[:])
	}
	acg, err := dirstat.Infer(q, w)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDegenerateVari, err)
	}
	k0, k1, k2, err := acg.K()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDegenerateVari, err)
	}

	tx := make([]float64, p.n)
	ty := make([]float64, p.n)
	for i, t := range p.t {
		tx[i], ty[i] = t.X, t.Y
	}
	_, s0 := stat.MeanStdDev(tx, w)
	_, s1 := stat.MeanStdDev(ty, w)
	rho := 0.0
	if s0 > 0 && s1 > 0 {
		rho = stat.Correlation(tx, ty, w)
	}

	v := Vari{K0: k0, K1: k1, K2: k2, S0: s0, S1: s1, Rho: rho}
	for _, f := range []float64{v.K0, v.K1, v.K2, v.S0, v.S1, v.Rho} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %+v", ErrDegenerateVari, v)
		}
	}
	if v.Rho > 1 {
		v.Rho = 1
	} else if v.Rho < -1 {
		v.Rho = -1
	}
	p.vari = v
	return nil
}

// Perturb jitters every hypothesis with a kernel factor times tighter than
// the current spread: the rotation is composed with a draw from
// ACG(diag(1, k, k, k)), k = k1/(k0·factor), and the translation moves by a
// bivariate Gaussian with covariance Σ/factor, clamped to the search bound.
// An axis without spread is left in place while the other still moves.
func (p *Particle) Perturb(factor float64) error {
	v := p.vari
	if !(factor > 0) || !(v.K0 > 0) || !(v.K1 > 0) {
		return fmt.Errorf("%w: perturb with factor %v and %+v", ErrDegenerateVari, factor, v)
	}

	acg, err := dirstat.NewDiagonal(1, v.K1/(v.K0*factor))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDegenerateVari, err)
	}
	d := mat.NewDense(p.n, dirstat.Dim, nil)
	if err := acg.Sample(d, p.src); err != nil {
		return fmt.Errorf("%w: %v", ErrDegenerateVari, err)
	}
	for i := range p.r {
		var dq geom.Quaternion
		copy(dq[:], d.RawRowView(i))
		p.r[i] = geom.Mul(p.r[i], dq).Normalize()
	}

	switch {
	case v.S0 > 0 && v.S1 > 0:
		cov := mat.NewSymDense(2, []float64{
			v.S0 * v.S0 / factor, v.Rho * v.S0 * v.S1 / factor,
			v.Rho * v.S0 * v.S1 / factor, v.S1 * v.S1 / factor,
		})
		normal, ok := distmv.NewNormal([]float64{0, 0}, cov, p.src)
		if !ok {
			// Perfectly correlated translations; jitter the axes independently.
			cov.SetSym(0, 1, 0)
			if normal, ok = distmv.NewNormal([]float64{0, 0}, cov, p.src); !ok {
				return fmt.Errorf("%w: translation covariance %+v", ErrDegenerateVari, v)
			}
		}
		dt := make([]float64, 2)
		for i := range p.t {
			normal.Rand(dt)
			p.t[i] = p.clamp(r2.Point{X: p.t[i].X + dt[0], Y: p.t[i].Y + dt[1]})
		}
	case v.S0 > 0 || v.S1 > 0:
		// One axis has no spread, typically a zero search bound; jitter
		// the other on its own.
		x := distuv.Normal{Sigma: math.Max(v.S0, 0) / math.Sqrt(factor), Src: p.src}
		y := distuv.Normal{Sigma: math.Max(v.S1, 0) / math.Sqrt(factor), Src: p.src}
		for i := range p.t {
			d := r2.Point{}
			if x.Sigma > 0 {
				d.X = x.Rand()
			}
			if y.Sigma > 0 {
				d.Y = y.Rand()
			}
			p.t[i] = p.clamp(p.t[i].Add(d))
		}
	}

	p.symmetrise()
	return nil
}

// Resample draws n hypotheses by systematic resampling and resets the
// weights to uniform.
func (p *Particle) Resample() { p.ResampleN(p.n) }

// ResampleN is Resample with a new number of hypotheses.
func (p *Particle) ResampleN(n int) {
	w := p.w.RawVector().Data
	cdf := make([]float64, p.n)
	floats.CumSum(cdf, w)
	total := cdf[p.n-1]

	r := make([]geom.Quaternion, n)
	t := make([]r2.Point, n)
	u := p.rng.Float64() / float64(n)
	j := 0
	for i := 0; i < n; i++ {
		target := (u + float64(i)/float64(n)) * total
		for j < p.n-1 && cdf[j] < target {
			j++
		}
		r[i] = p.r[j]
		t[i] = p.t[j]
	}

	p.n = n
	p.r = r
	p.t = t
	p.w = mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		p.w.SetVec(i, 1/float64(n))
	}
}

// Neff returns the effective sample size 1/Σw² of normalised weights.
func (p *Particle) Neff() float64 {
	return 1 / mat.Dot(p.w, p.w)
}

// ISort returns the hypothesis indices by descending weight.
func (p *Particle) ISort() []int {
	w := append([]float64(nil), p.w.RawVector().Data...)
	inds := make([]int, p.n)
	floats.Argsort(w, inds)
	for i, j := 0, len(inds)-1; i < j; i, j = i+1, j-1 {
		inds[i], inds[j] = inds[j], inds[i]
	}
	return inds
}

// symmetrise folds every rotation into the fundamental domain of the point
// group so that equivalent poses share one representative.
func (p *Particle) symmetrise() {
	for i, q := range p.r {
		p.r[i] = p.sym.Fold(q)
	}
}

func (p *Particle) clamp(t r2.Point) r2.Point {
	t.X = math.Max(-p.maxX, math.Min(p.maxX, t.X))
	t.Y = math.Max(-p.maxY, math.Min(p.maxY, t.Y))
	return t
}

// String lists the hypotheses by descending weight.
func (p *Particle) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "particle: n = %d, neff = %.2f, k0 = %.4g, k1 = %.4g, s0 = %.3f, s1 = %.3f, rho = %.3f\n",
		p.n, p.Neff(), p.vari.K0, p.vari.K1, p.vari.S0, p.vari.S1, p.vari.Rho)
	for _, i := range p.ISort() {
		fmt.Fprintf(&b, "%s %8.3f %8.3f %12.6g\n", p.r[i], p.t[i].X, p.t[i].Y, p.W(i))
	}
	return b.String()
}
