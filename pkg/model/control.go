package model

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"emrefine/pkg/parallel"
	"emrefine/pkg/particle"
)

// UpdateR advances the alignment radius by one shell when the rotation
// change has stalled at the current radius and the FSC of some class still
// reaches thres there. The radius never decreases and never exceeds MaxR.
//
// An attempt that is allowed but fails to reach a new top radius counts as
// no improvement. Global search ends once the radius passes RGlobal or
// stops improving; local search ends the whole refinement when it stops
// improving.
func (m *Model) UpdateR(thres float64) {
	m.rPrev = m.r

	if m.searchType != SearchStop {
		m.increaseR = m.determineIncreaseR()
		if m.increaseR {
			if m.r < m.MaxR() && m.fscAtR() >= thres {
				m.r++
				m.nRChangeNoDecrease = 0
			}
			if m.r > m.rT {
				m.rT = m.r
				m.nRNoImprove = 0
			} else {
				m.nRNoImprove++
			}
		}
	}

	switch m.searchType {
	case SearchGlobal:
		if m.r > m.rGlobal || m.nRNoImprove >= MaxIterRNoImprove {
			m.searchType = SearchLocal
			m.nRNoImprove = 0
			m.nRChangeNoDecrease = 0
		}
	case SearchLocal:
		if m.nRNoImprove >= MaxIterRNoImprove {
			m.searchType = SearchStop
		}
	}

	if m.r != m.rPrev {
		m.updateRU()
	}
	m.log.WithFields(logrus.Fields{
		"r":          m.r,
		"rU":         m.rU,
		"searchType": m.searchType,
		"noImprove":  m.nRNoImprove,
	}).Debug("Updated alignment radius")
}

// fscAtR is the best FSC over all classes at the current radius.
func (m *Model) fscAtR() float64 {
	best := -1.0
	for l := 0; l < m.k; l++ {
		best = max(best, m.fsc.At(m.r, l))
	}
	return best
}

// determineIncreaseR counts the iterations in which the rotation change
// did not decrease by more than a small fraction of its spread, and opens
// the gate once the count reaches the limit of the search phase.
func (m *Model) determineIncreaseR() bool {
	if m.rChange >= m.rChangePrev-rChangeDecreaseFactor*m.stdRChangePrev {
		m.nRChangeNoDecrease++
	} else {
		m.nRChangeNoDecrease = 0
	}

	switch m.searchType {
	case SearchGlobal:
		return m.nRChangeNoDecrease >= MaxIterRChangeNoDecreaseGlobal
	case SearchLocal:
		return m.nRChangeNoDecrease >= MaxIterRChangeNoDecreaseLocal
	default:
		return false
	}
}

// SearchType returns the suggested search phase.
func (m *Model) SearchType() SearchType { return m.searchType }

// IncreaseR reports whether the last UpdateR allowed the radius to grow.
func (m *Model) IncreaseR() bool { return m.increaseR }

// RVari returns the hemisphere mean of k1/k0 of the rotation posteriors.
func (m *Model) RVari() float64 { return m.rVari }

// TVariS0 returns the hemisphere mean translation spread in X.
func (m *Model) TVariS0() float64 { return m.tVariS0 }

// TVariS1 returns the hemisphere mean translation spread in Y.
func (m *Model) TVariS1() float64 { return m.tVariS1 }

// Vari returns the shared proposal kernel of the hemisphere.
func (m *Model) Vari() particle.Vari {
	return particle.Vari{K0: 1, K1: m.rVari, K2: m.rVari, S0: m.tVariS0, S1: m.tVariS1}
}

// AllReduceVari averages the spread of every particle of the hemisphere.
// par holds this rank's particles and n is the number of images in the
// hemisphere. It is collective over the hemisphere and a no-op on the
// master.
func (m *Model) AllReduceVari(par []*particle.Particle, n int) error {
	if m.par.IsMaster() {
		return nil
	}
	if n <= 0 {
		return fmt.Errorf("%w: %d images in hemisphere", ErrInvalidParams, n)
	}

	sum := make([]float64, 3)
	for _, p := range par {
		v := p.Vari()
		if v.K0 > 0 {
			sum[0] += v.K1 / v.K0
		}
		sum[1] += v.S0
		sum[2] += v.S1
	}
	if err := parallel.AllreduceLarge(m.par.Hemi(), sum, sum); err != nil {
		return fmt.Errorf("AllReduceVari: %w", err)
	}

	m.rVari = sum[0] / float64(n)
	m.tVariS0 = sum[1] / float64(n)
	m.tVariS1 = sum[2] / float64(n)
	return nil
}

func (m *Model) RChange() float64     { return m.rChange }
func (m *Model) RChangePrev() float64 { return m.rChangePrev }
func (m *Model) StdRChange() float64  { return m.stdRChange }

// SetRChange records the mean rotation change of the last iteration and
// keeps the previous value.
func (m *Model) SetRChange(rChange float64) {
	m.rChangePrev = m.rChange
	m.rChange = rChange
}

// SetStdRChange records the spread of the rotation change of the last
// iteration and keeps the previous value.
func (m *Model) SetStdRChange(std float64) {
	m.stdRChangePrev = m.stdRChange
	m.stdRChange = std
}

func (m *Model) NRChangeNoDecrease() int { return m.nRChangeNoDecrease }

func (m *Model) SetNRChangeNoDecrease(n int) { m.nRChangeNoDecrease = n }
