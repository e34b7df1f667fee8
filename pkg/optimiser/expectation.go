package optimiser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"emrefine/pkg/geom"
	"emrefine/pkg/grid"
	"emrefine/pkg/model"
	"emrefine/pkg/parallel"
	"emrefine/pkg/particle"
	"emrefine/pkg/projection"
)

// resampleThres is the fraction of the hypothesis count below which the
// effective sample size triggers resampling.
const resampleThres = 0.5

// DataVSPrior returns the log-likelihood, up to a constant, of observing
// image a when the model predicts the projection b: the squared residual
// between a and the CTF-modulated b, weighted by the inverse noise power of
// each shell and summed over frequencies below r. ctf may be nil.
func DataVSPrior(a, b, ctf *grid.Image, sig []float64, r int) float64 {
	return dataVSPrior(a, b, ctf, sig, projection.Pixels(a.NColRL(), a.NRowRL(), r))
}

func dataVSPrior(a, b, ctf *grid.Image, sig []float64, px []projection.Pixel) float64 {
	fa, fb := a.FT(), b.FT()
	var fc []complex128
	if ctf != nil {
		fc = ctf.FT()
	}

	ll := 0.0
	for _, q := range px {
		if q.Shell >= len(sig) || !(sig[q.Shell] > 0) {
			continue
		}
		pred := fb[q.Index]
		if fc != nil {
			pred *= fc[q.Index]
		}
		d := fa[q.Index] - pred
		// Columns i > 0 stand for a Hermitian pair.
		w := 1.0
		if q.I > 0 {
			w = 2
		}
		ll -= w * real(d*cmplx.Conj(d)) / sig[q.Shell]
	}
	return ll
}

// Expectation updates the pose posterior of every local image. Global
// search scores fresh hypotheses drawn from the uniform prior; local
// search perturbs the current hypotheses with the hemisphere kernel. It is
// collective over the world. Hypotheses are resampled at the start of a
// local round, never at the end, so the weights survive until the next
// expectation.
func (o *Optimiser) Expectation(ctx context.Context) error {
	searchType := o.model.SearchType()
	kernel := o.model.Vari()
	img := grid.NewImage(o.size(), o.size())

	// Rotation change of the best hypothesis: sum, sum of squares, count.
	change := make([]float64, 3)
	nReset := 0

	for l := range o.ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		p := o.prts[l]
		prev, _ := p.Coord(bestPose(p))

		if searchType == model.SearchGlobal {
			p.ResetN(o.para.MGlobal)
		} else {
			o.resample(p)
			p.SetVari(kernel)
			if err := p.Perturb(o.para.PerturbFactor); err != nil {
				o.log.WithError(err).WithField("image", o.ids[l]).Warn("Perturbation failed, resetting particle")
				p.ResetN(o.para.M)
				nReset++
			}
		}

		if err := o.weigh(l, img); err != nil {
			o.log.WithError(err).WithField("image", o.ids[l]).Warn("Degenerate posterior, resetting particle")
			p.ResetN(o.para.M)
			nReset++
			continue
		}
		if err := p.CalVari(); err != nil {
			o.log.WithError(err).WithField("image", o.ids[l]).Warn("Degenerate spread, resetting particle")
			p.ResetN(o.para.M)
			nReset++
			continue
		}

		if o.scored {
			best, _ := p.Coord(bestPose(p))
			d := geom.Distance(prev, best)
			change[0] += d
			change[1] += d * d
			change[2]++
		}
	}
	o.scored = true
	if nReset > 0 {
		o.log.Warnf("Reset %d of %d particle filters", nReset, len(o.ids))
	}

	if err := o.model.AllReduceVari(o.prts, o.nHemi); err != nil {
		return err
	}
	if err := parallel.AllreduceLarge(o.world, change, change); err != nil {
		return fmt.Errorf("expectation: reduce rotation change: %w", err)
	}
	if change[2] > 0 {
		mean, std := meanStd(change[0], change[1], change[2])
		o.model.SetRChange(mean)
		o.model.SetStdRChange(std)
		o.log.WithFields(logrus.Fields{"mean": mean, "std": std}).Debug("Rotation change")
	}
	return nil
}

// resample draws the hypotheses of a local round from the posterior the
// previous round left: down to M after a global round, otherwise only once
// the effective sample size has collapsed. Weights stay untouched between
// rounds so that maximization and checkpoints see the posterior.
func (o *Optimiser) resample(p *particle.Particle) {
	switch {
	case p.N() != o.para.M:
		p.ResampleN(o.para.M)
	case p.Neff() < resampleThres*float64(p.N()):
		p.Resample()
	}
}

// bestPose returns the index of the most probable hypothesis.
func bestPose(p *particle.Particle) int { return p.ISort()[0] }

// weigh scores every hypothesis of local image l against every class,
// assigns the image to the class with the largest marginal likelihood and
// multiplies the hypothesis weights by their likelihood under it.
func (o *Optimiser) weigh(l int, buf *grid.Image) error {
	p := o.prts[l]
	sig := o.sig[o.group[l]]

	ll := make([][]float64, o.para.K)
	marginal := make([]float64, o.para.K)
	for c := range ll {
		proj := o.model.Proj(c)
		px := proj.Pixels()
		ll[c] = make([]float64, p.N())
		for i := range ll[c] {
			if err := proj.Project(buf, p.Rot(i), p.T(i)); err != nil {
				return err
			}
			ll[c][i] = dataVSPrior(o.img[l], buf, o.ctf[l], sig, px)
		}
		marginal[c] = floats.LogSumExp(ll[c])
	}

	best := o.cls[l]
	for c, m := range marginal {
		if m > marginal[best] {
			best = c
		}
	}
	o.cls[l] = best

	scores := ll[best]
	top := floats.Max(scores)
	if math.IsNaN(top) || math.IsInf(top, 0) {
		return fmt.Errorf("%w: log-likelihood %v", errDegenerateLikelihood, top)
	}
	for i, s := range scores {
		p.MulW(math.Exp(s-top), i)
	}
	return p.NormW()
}

var errDegenerateLikelihood = errors.New("optimiser: degenerate likelihood")
