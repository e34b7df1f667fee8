package model

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"emrefine/pkg/grid"
	"emrefine/pkg/parallel"
)

// Transfer tags of the FSC exchange. Each class uses two consecutive tags.
const (
	tagRefUp   = 0
	tagRefDown = 1
)

// BcastFSC compares the references of the two hemispheres and gives every
// rank the resulting FSC. It is collective over the world:
//
//  1. the lead of each hemisphere sends every class reference to the master;
//  2. the master computes the FSC of each class, averages the two
//     references below ABAverageThres and returns the result to both leads;
//  3. each lead broadcasts its reference within its hemisphere;
//  4. the master broadcasts the FSC table to the world.
//
// Afterwards the master holds the average of the two references.
func (m *Model) BcastFSC() error {
	if len(m.refs) != m.k {
		return fmt.Errorf("BcastFSC: %w", ErrNoReference)
	}
	world := m.par.World()
	rAvg := m.averageRadius()

	for l := 0; l < m.k; l++ {
		up, down := 2*l+tagRefUp, 2*l+tagRefDown
		ft := m.refs[l].FT()

		if m.par.IsMaster() {
			a := make([]complex128, len(ft))
			b := make([]complex128, len(ft))
			if err := parallel.RecvLarge(world, a, parallel.HemiALead, up); err != nil {
				return fmt.Errorf("BcastFSC class %d: reference A: %w", l, err)
			}
			if err := parallel.RecvLarge(world, b, parallel.HemiBLead, up); err != nil {
				return fmt.Errorf("BcastFSC class %d: reference B: %w", l, err)
			}

			refA, refB := m.refs[l].Clone(), m.refs[l].Clone()
			copy(refA.FT(), a)
			copy(refB.FT(), b)
			m.fsc.SetCol(l, ShellFSC(refA, refB, m.rU))

			avg := m.refs[l]
			grid.Zip(avg.FT(), a, b, func(x, y complex128) complex128 { return (x + y) / 2 })
			avg.ForEachFT(func(i, j, k, idx int) {
				if grid.Norm(i, j, k) < rAvg {
					a[idx], b[idx] = ft[idx], ft[idx]
				}
			})

			if err := parallel.SendLarge(world, a, parallel.HemiALead, down); err != nil {
				return fmt.Errorf("BcastFSC class %d: return reference A: %w", l, err)
			}
			if err := parallel.SendLarge(world, b, parallel.HemiBLead, down); err != nil {
				return fmt.Errorf("BcastFSC class %d: return reference B: %w", l, err)
			}
			continue
		}

		if m.par.IsLead() {
			if err := parallel.SendLarge(world, ft, parallel.MasterRank, up); err != nil {
				return fmt.Errorf("BcastFSC class %d: send reference: %w", l, err)
			}
			if err := parallel.RecvLarge(world, ft, parallel.MasterRank, down); err != nil {
				return fmt.Errorf("BcastFSC class %d: receive reference: %w", l, err)
			}
		}
		if err := parallel.BcastLarge(m.par.Hemi(), ft, 0); err != nil {
			return fmt.Errorf("BcastFSC class %d: hemisphere broadcast: %w", l, err)
		}
	}

	if err := parallel.BcastLarge(world, m.fsc.RawMatrix().Data, parallel.MasterRank); err != nil {
		return fmt.Errorf("BcastFSC: broadcast FSC: %w", err)
	}
	return nil
}

// averageRadius is the Fourier radius of ABAverageThres.
func (m *Model) averageRadius() float64 {
	return float64(m.size) * m.pixelSize / ABAverageThres
}

// ShellFSC returns the Fourier shell correlation of two equally sized
// volumes for shells 0..rU. Shells without power correlate as zero.
func ShellFSC(a, b *grid.Volume, rU int) []float64 {
	num := make([]float64, rU+1)
	pa := make([]float64, rU+1)
	pb := make([]float64, rU+1)

	fa, fb := a.FT(), b.FT()
	a.ForEachFT(func(i, j, k, idx int) {
		s := grid.Shell(i, j, k)
		if s > rU {
			return
		}
		// Columns i > 0 stand for a Hermitian pair.
		w := 1.0
		if i > 0 {
			w = 2
		}
		x, y := fa[idx], fb[idx]
		num[s] += w * real(x*cmplx.Conj(y))
		pa[s] += w * real(x*cmplx.Conj(x))
		pb[s] += w * real(y*cmplx.Conj(y))
	})

	fsc := make([]float64, rU+1)
	for s := range fsc {
		if d := math.Sqrt(pa[s] * pb[s]); d > 0 {
			fsc[s] = math.Max(-1, math.Min(1, num[s]/d))
		}
	}
	return fsc
}

// FSC returns a copy of the FSC table, one column per class.
func (m *Model) FSC() *mat.Dense { return mat.DenseCopyOf(m.fsc) }

// SNR returns a copy of the SNR table, one column per class.
func (m *Model) SNR() *mat.Dense { return mat.DenseCopyOf(m.snr) }

// FSCOf returns the FSC of class i by shell.
func (m *Model) FSCOf(i int) []float64 { return mat.Col(nil, i, m.fsc) }

// SNROf returns the SNR of class i by shell.
func (m *Model) SNROf(i int) []float64 { return mat.Col(nil, i, m.snr) }

// maxFSC caps the FSC before conversion so the SNR stays finite.
const maxFSC = 0.999

// RefreshSNR derives SNR = FSC / (1 - FSC) with the FSC clamped to
// [0, maxFSC].
func (m *Model) RefreshSNR() {
	m.snr.Apply(func(_, _ int, f float64) float64 {
		f = math.Max(0, math.Min(maxFSC, f))
		return f / (1 - f)
	}, m.fsc)
}

// RefreshTau recomputes the power spectrum of every class on the padded
// grid the projectors sample.
func (m *Model) RefreshTau() error {
	rows, _ := m.tau.Dims()
	for l, p := range m.proj {
		vol := p.Projectee()
		if vol == nil {
			return fmt.Errorf("refresh tau class %d: %w", l, ErrNoReference)
		}
		sum := make([]float64, rows)
		cnt := make([]float64, rows)
		ft := vol.FT()
		vol.ForEachFT(func(i, j, k, idx int) {
			if s := grid.Shell(i, j, k); s < rows {
				sum[s] += real(ft[idx] * cmplx.Conj(ft[idx]))
				cnt[s]++
			}
		})
		for s := range sum {
			if cnt[s] > 0 {
				sum[s] /= cnt[s]
			}
		}
		m.tau.SetCol(l, sum)
	}
	return nil
}

// Tau returns the power spectrum of class i by padded shell.
func (m *Model) Tau(i int) []float64 { return mat.Col(nil, i, m.tau) }

// ResolutionP returns the last shell of class i before its FSC first drops
// below thres, in Fourier pixels.
func (m *Model) ResolutionP(i int, thres float64) int {
	rows, _ := m.fsc.Dims()
	for s := 1; s < rows; s++ {
		if m.fsc.At(s, i) < thres {
			return s - 1
		}
	}
	return rows - 1
}

// ResolutionPAll returns the best ResolutionP over all classes.
func (m *Model) ResolutionPAll(thres float64) int {
	best := 0
	for i := 0; i < m.k; i++ {
		best = max(best, m.ResolutionP(i, thres))
	}
	return best
}

// ResolutionA returns the resolution of class i in Å⁻¹.
func (m *Model) ResolutionA(i int, thres float64) float64 {
	return m.freqA(m.ResolutionP(i, thres))
}

// ResolutionAAll returns the best resolution over all classes in Å⁻¹.
func (m *Model) ResolutionAAll(thres float64) float64 {
	return m.freqA(m.ResolutionPAll(thres))
}

func (m *Model) freqA(r int) float64 {
	return float64(r) / (float64(m.size) * m.pixelSize)
}
