package optimiser

import (
	"context"
	"errors"
	"fmt"
	"math/cmplx"

	"github.com/sirupsen/logrus"

	"emrefine/pkg/grid"
	"emrefine/pkg/parallel"
	"emrefine/pkg/particle"
	"emrefine/pkg/reconstruction"
)

const (
	// insertMass is the posterior mass of the hypotheses inserted per image.
	insertMass = 0.9

	// maxInsert bounds the hypotheses inserted per image.
	maxInsert = 20
)

// Maximization re-estimates the noise spectra from the residuals at the
// best poses, then back-projects every image at its most probable poses
// and reconstructs the references of each hemisphere. It is collective
// over the world.
func (o *Optimiser) Maximization(ctx context.Context) error {
	if err := o.updateSigma(); err != nil {
		return err
	}

	o.model.RefreshReco()
	if o.par.IsMaster() {
		return nil
	}

	for l := range o.ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := o.prts[l]
		reco := o.model.Reco(o.cls[l])
		for _, i := range insertionSet(p) {
			reco.Insert(o.img[l], o.ctf[l], p.Rot(i), p.T(i), p.W(i))
		}
	}
	return o.reconstructRef()
}

// insertionSet returns the most probable hypotheses of p, by descending
// weight, until they cover insertMass of the posterior or number maxInsert.
func insertionSet(p *particle.Particle) []int {
	var set []int
	mass := 0.0
	for _, i := range p.ISort() {
		if len(set) == maxInsert || mass >= insertMass {
			break
		}
		set = append(set, i)
		mass += p.W(i)
	}
	return set
}

// reconstructRef sums the back-projections of the hemisphere and replaces
// each reference by its reconstruction. A class no image was assigned to
// keeps its reference.
func (o *Optimiser) reconstructRef() error {
	for c := 0; c < o.para.K; c++ {
		reco := o.model.Reco(c)
		if err := reco.AllReduce(o.par.Hemi()); err != nil {
			return fmt.Errorf("reconstruct class %d: %w", c, err)
		}
		err := reco.Reconstruct(o.model.Ref(c))
		if errors.Is(err, reconstruction.ErrEmpty) {
			o.log.WithField("class", c).Warn("No images assigned, keeping reference")
			continue
		}
		if err != nil {
			return fmt.Errorf("reconstruct class %d: %w", c, err)
		}
		o.log.WithFields(logrus.Fields{"class": c, "images": reco.NInserted()}).Debug("Reconstructed reference")
	}
	return nil
}

// nShell is the number of noise shells kept per group.
func (o *Optimiser) nShell() int { return o.size()/2 + 1 }

// initSigma estimates the noise power of every group from the residual of
// each image against the mean image of its hemisphere.
func (o *Optimiser) initSigma() error {
	shells := o.nShell()
	sum := make([]float64, len(o.sig)*shells)
	cnt := make([]float64, len(o.sig)*shells)

	if !o.par.IsMaster() {
		mean := make([]complex128, len(grid.NewImage(o.size(), o.size()).FT()))
		for _, img := range o.img {
			grid.Zip(mean, mean, img.FT(), func(x, y complex128) complex128 { return x + y })
		}
		if err := parallel.AllreduceLarge(o.par.Hemi(), mean, mean); err != nil {
			return fmt.Errorf("initSigma: reduce mean image: %w", err)
		}
		scale := complex(1/float64(o.nHemi), 0)
		grid.Apply(mean, func(x complex128) complex128 { return x * scale })

		for l, img := range o.img {
			ft := img.FT()
			g := o.group[l] * shells
			img.ForEachFT(func(i, j, idx int) {
				s := grid.Shell(i, j, 0)
				if s >= shells {
					return
				}
				w := 1.0
				if i > 0 {
					w = 2
				}
				d := ft[idx] - mean[idx]
				sum[g+s] += w * real(d*cmplx.Conj(d))
				cnt[g+s] += w
			})
		}
	}
	return o.allReduceSigma(sum, cnt)
}

// updateSigma re-estimates the noise power below the current radius from
// the residual of every image at its best pose.
func (o *Optimiser) updateSigma() error {
	shells := o.nShell()
	sum := make([]float64, len(o.sig)*shells)
	cnt := make([]float64, len(o.sig)*shells)

	buf := grid.NewImage(o.size(), o.size())
	for l := range o.ids {
		p := o.prts[l]
		proj := o.model.Proj(o.cls[l])
		i := bestPose(p)
		if err := proj.Project(buf, p.Rot(i), p.T(i)); err != nil {
			return fmt.Errorf("updateSigma: %w", err)
		}

		fa, fb, fc := o.img[l].FT(), buf.FT(), o.ctf[l].FT()
		g := o.group[l] * shells
		for _, q := range proj.Pixels() {
			if q.Shell >= shells {
				continue
			}
			w := 1.0
			if q.I > 0 {
				w = 2
			}
			d := fa[q.Index] - fc[q.Index]*fb[q.Index]
			sum[g+q.Shell] += w * real(d*cmplx.Conj(d))
			cnt[g+q.Shell] += w
		}
	}
	return o.allReduceSigma(sum, cnt)
}

// allReduceSigma sums per-group, per-shell residual power and counts over
// the world and replaces every noise power that received data. The sums
// are folded in rank order, so every rank ends with identical spectra.
func (o *Optimiser) allReduceSigma(sum, cnt []float64) error {
	if err := parallel.AllreduceLarge(o.world, sum, sum); err != nil {
		return fmt.Errorf("allReduceSigma: %w", err)
	}
	if err := parallel.AllreduceLarge(o.world, cnt, cnt); err != nil {
		return fmt.Errorf("allReduceSigma: %w", err)
	}

	shells := o.nShell()
	for g := range o.sig {
		for s := 0; s < shells; s++ {
			if c := cnt[g*shells+s]; c > 0 {
				o.sig[g][s] = sum[g*shells+s] / c
			}
		}
	}
	return nil
}
