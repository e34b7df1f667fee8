package model

import (
	"context"
	"io"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emrefine/pkg/fft"
	"emrefine/pkg/grid"
	"emrefine/pkg/parallel"
	"emrefine/pkg/particle"
)

func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// soloContext is a hemisphere rank that never communicates.
func soloContext() *parallel.Context {
	return parallel.NewContext(parallel.NewLocalWorld(1).Comm(0), nil, parallel.HemiA)
}

func newTestModel(t *testing.T, params Params) *Model {
	t.Helper()
	m, err := New(soloContext(), params, quietLog())
	require.NoError(t, err)
	return m
}

func sphereFT(n int, radius float64) *grid.Volume {
	vol := grid.Sphere(n, radius, 2)
	fft.New().FwVolumeCentred(vol)
	return vol
}

// setFSC fills every shell of every class with f.
func setFSC(m *Model, f float64) {
	rows, cols := m.fsc.Dims()
	for s := 0; s < rows; s++ {
		for l := 0; l < cols; l++ {
			m.fsc.Set(s, l, f)
		}
	}
}

func TestNewRejectsInvalidParams(t *testing.T) {
	valid := Params{K: 1, Size: 16, R: 3, Pf: 2, PixelSize: 2}
	tests := []struct {
		name   string
		modify func(p *Params)
	}{
		{"no classes", func(p *Params) { p.K = 0 }},
		{"odd size", func(p *Params) { p.Size = 15 }},
		{"tiny size", func(p *Params) { p.Size = 4 }},
		{"no padding", func(p *Params) { p.Pf = 0 }},
		{"radius beyond maxR", func(p *Params) { p.R = 8 }},
		{"negative radius", func(p *Params) { p.R = -1 }},
		{"zero pixel size", func(p *Params) { p.PixelSize = 0 }},
		{"negative gap", func(p *Params) { p.SearchResGap = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.modify(&p)
			_, err := New(soloContext(), p, quietLog())
			require.ErrorIs(t, err, ErrInvalidParams)
		})
	}

	m, err := New(soloContext(), valid, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, m.MaxR())
	assert.Equal(t, 7, m.RGlobal())
	assert.Equal(t, 7, m.RU())
	assert.Equal(t, SearchGlobal, m.SearchType())
}

func TestKernelParamsAreReported(t *testing.T) {
	m := newTestModel(t, Params{K: 1, Size: 16, R: 3, Pf: 2, PixelSize: 2, A: 1.9, Alpha: 10})
	assert.Equal(t, 1.9, m.A())
	assert.Equal(t, 10.0, m.Alpha())
}

func TestAppendRefChecksShape(t *testing.T) {
	m := newTestModel(t, Params{K: 1, Size: 16, R: 3, Pf: 2, PixelSize: 2})
	require.ErrorIs(t, m.AppendRef(grid.NewCube(8)), grid.ErrShape)
	require.ErrorIs(t, m.InitProjReco(), ErrNoReference)

	require.NoError(t, m.AppendRef(grid.NewCube(16)))
	require.ErrorIs(t, m.AppendRef(grid.NewCube(16)), ErrInvalidParams)
}

// TestUpdateRIsMonotone drives the state machine with random FSC curves and
// rotation changes; the radius may only grow and never passes MaxR.
func TestUpdateRIsMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m := newTestModel(t, Params{K: 2, Size: 24, R: 2, Pf: 2, PixelSize: 2, SearchResGap: 3})

	prev := m.R()
	for iter := 0; iter < 300 && m.SearchType() != SearchStop; iter++ {
		rows, cols := m.fsc.Dims()
		for s := 0; s < rows; s++ {
			for l := 0; l < cols; l++ {
				m.fsc.Set(s, l, 2*rng.Float64()-1)
			}
		}
		m.SetRChange(rng.Float64())
		m.SetStdRChange(0.1 * rng.Float64())
		m.UpdateR(FSCThres)

		require.GreaterOrEqual(t, m.R(), prev, "iteration %d", iter)
		require.LessOrEqual(t, m.R(), m.MaxR(), "iteration %d", iter)
		require.GreaterOrEqual(t, m.RU(), m.R())
		prev = m.R()
	}
}

// TestUpdateRReachesRGlobalBeforeLocal runs a single class from radius 0
// with a perfect FSC and a stalled rotation change.
func TestUpdateRReachesRGlobalBeforeLocal(t *testing.T) {
	m := newTestModel(t, Params{K: 1, Size: 32, R: 0, Pf: 2, PixelSize: 2, SearchResGap: 4})
	require.Equal(t, 4, m.RGlobal())

	reached := false
	for iter := 0; iter < 100; iter++ {
		setFSC(m, 0.9)
		m.SetRChange(0.5)
		m.UpdateR(FSCThres)

		if m.SearchType() == SearchLocal {
			break
		}
		if m.R() == m.RGlobal() {
			reached = true
		}
	}
	require.Equal(t, SearchLocal, m.SearchType())
	assert.True(t, reached, "global search ended before reaching rGlobal")
	assert.Equal(t, m.RGlobal()+1, m.R())
}

// TestUpdateRStopsWithoutImprovement keeps the FSC below threshold: global
// search gives up after MaxIterRNoImprove failed attempts, local search
// then stops the refinement.
func TestUpdateRStopsWithoutImprovement(t *testing.T) {
	m := newTestModel(t, Params{K: 1, Size: 32, R: 5, Pf: 2, PixelSize: 2})

	var phases []SearchType
	for iter := 0; iter < 50 && m.SearchType() != SearchStop; iter++ {
		setFSC(m, 0.05)
		m.SetRChange(0.5)
		m.UpdateR(FSCThres)
		phases = append(phases, m.SearchType())
	}

	require.Equal(t, SearchStop, m.SearchType())
	assert.Equal(t, 5, m.R())
	assert.Contains(t, phases, SearchLocal)
}

func TestDetermineIncreaseRResetsOnDecrease(t *testing.T) {
	m := newTestModel(t, Params{K: 1, Size: 16, R: 2, Pf: 2, PixelSize: 2})

	m.SetRChange(0.5)
	m.SetRChange(0.5)
	require.False(t, m.determineIncreaseR())
	require.Equal(t, 1, m.NRChangeNoDecrease())

	m.SetRChange(0.1)
	require.False(t, m.determineIncreaseR())
	require.Equal(t, 0, m.NRChangeNoDecrease())

	m.SetNRChangeNoDecrease(1)
	m.SetRChange(0.1)
	require.True(t, m.determineIncreaseR())
}

func TestRefreshSNR(t *testing.T) {
	m := newTestModel(t, Params{K: 1, Size: 20, R: 4, Pf: 2, PixelSize: 2})
	values := []float64{1, 0.999999, 0.9, 0.5, 0.143, 0, -0.4, -1, 0.2, 0.1}
	require.Equal(t, len(values), m.RU()+1)
	m.fsc.SetCol(0, values)

	m.RefreshSNR()
	snr := m.SNROf(0)
	for s, v := range snr {
		assert.False(t, math.IsInf(v, 0) || math.IsNaN(v), "shell %d", s)
		assert.GreaterOrEqual(t, v, 0.0, "shell %d", s)
	}
	assert.InDelta(t, 1.0, snr[3], 1e-12)
	assert.Equal(t, snr[0], snr[1], "SNR saturates near FSC 1")
	assert.Equal(t, 0.0, snr[6])
	assert.Greater(t, snr[2], snr[3])
}

func TestShellFSC(t *testing.T) {
	const n = 16
	a := sphereFT(n, 4)

	same := ShellFSC(a, a.Clone(), 7)
	for s, f := range same {
		assert.InDelta(t, 1, f, 1e-9, "shell %d", s)
	}

	neg := a.Clone()
	grid.Apply(neg.FT(), func(c complex128) complex128 { return -c })
	for s, f := range ShellFSC(a, neg, 7) {
		assert.InDelta(t, -1, f, 1e-9, "shell %d", s)
	}

	rng := rand.New(rand.NewSource(9))
	noisy := a.Clone()
	grid.Apply(noisy.FT(), func(c complex128) complex128 {
		return c + complex(50*rng.NormFloat64(), 50*rng.NormFloat64())
	})
	for _, f := range ShellFSC(a, noisy, 7) {
		assert.True(t, f >= -1 && f <= 1)
	}

	assert.Equal(t, []float64{0, 0}, ShellFSC(grid.NewCube(n), grid.NewCube(n), 1))
}

func TestResolutionP(t *testing.T) {
	m := newTestModel(t, Params{K: 2, Size: 20, R: 4, Pf: 2, PixelSize: 2})
	m.fsc.SetCol(0, []float64{1, 0.9, 0.8, 0.1, 0.5, 0.3, 0, 0, 0, 0})
	m.fsc.SetCol(1, []float64{1, 0.9, 0.8, 0.7, 0.6, 0.1, 0, 0, 0, 0})

	assert.Equal(t, 2, m.ResolutionP(0, FSCThres))
	assert.Equal(t, 4, m.ResolutionP(1, FSCThres))
	assert.Equal(t, 4, m.ResolutionPAll(FSCThres))
	assert.InDelta(t, 4.0/40, m.ResolutionAAll(FSCThres), 1e-12)
	assert.InDelta(t, 2.0/40, m.ResolutionA(0, FSCThres), 1e-12)
}

func TestLowPassRef(t *testing.T) {
	const n = 16
	m := newTestModel(t, Params{K: 1, Size: n, R: 4, Pf: 2, PixelSize: 2})
	ref := sphereFT(n, 3)
	orig := ref.Clone()
	require.NoError(t, m.AppendRef(ref))

	m.LowPassRef(3, 2)
	ref.ForEachFT(func(i, j, k, idx int) {
		d := grid.Norm(i, j, k)
		switch {
		case d <= 3:
			require.Equal(t, orig.FT()[idx], ref.FT()[idx])
		case d >= 5:
			require.Equal(t, complex128(0), ref.FT()[idx])
		}
	})
}

func TestRefreshTau(t *testing.T) {
	m := newTestModel(t, Params{K: 1, Size: 16, R: 4, Pf: 2, PixelSize: 2})
	require.NoError(t, m.AppendRef(sphereFT(16, 4)))
	require.NoError(t, m.InitProjReco())
	require.NotNil(t, m.Reco(0))
	require.Equal(t, 4, m.Proj(0).MaxRadius())

	require.NoError(t, m.RefreshTau())
	tau := m.Tau(0)
	require.Len(t, tau, 15)
	for _, v := range tau {
		assert.GreaterOrEqual(t, v, 0.0)
	}
	assert.Greater(t, tau[0], tau[10])
}

func TestBcastFSC(t *testing.T) {
	const (
		size = 16
		n    = 5
	)
	w := parallel.NewLocalWorld(n, parallel.WithMaxCount(500))

	refA := sphereFT(size, 4)
	refB := refA.Clone()
	rng := rand.New(rand.NewSource(2))
	grid.Apply(refB.FT(), func(c complex128) complex128 {
		return c + complex(rng.NormFloat64(), rng.NormFloat64())
	})
	want := ShellFSC(refA, refB, 5)

	var mu sync.Mutex
	models := make([]*Model, n)
	err := w.Run(context.Background(), func(_ context.Context, comm parallel.Comm) error {
		par, err := parallel.SplitHemispheres(comm)
		if err != nil {
			return err
		}
		m, err := New(par, Params{K: 1, Size: size, R: 0, Pf: 2, PixelSize: 5}, quietLog())
		if err != nil {
			return err
		}

		// Only the leads hold real references; the rest must receive them.
		ref := grid.NewCube(size)
		switch comm.Rank() {
		case parallel.HemiALead:
			ref = refA.Clone()
		case parallel.HemiBLead:
			ref = refB.Clone()
		}
		if err := m.AppendRef(ref); err != nil {
			return err
		}
		if err := m.BcastFSC(); err != nil {
			return err
		}

		mu.Lock()
		models[comm.Rank()] = m
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for r, m := range models {
		require.Equal(t, want, m.FSCOf(0), "rank %d", r)
	}

	// Hemisphere members share their lead's reference.
	assert.Equal(t, models[1].Ref(0).FT(), models[3].Ref(0).FT())
	assert.Equal(t, models[2].Ref(0).FT(), models[4].Ref(0).FT())

	// Low frequencies are averaged, high frequencies stay independent.
	a, b, avg := models[1].Ref(0), models[2].Ref(0), models[0].Ref(0)
	assert.Equal(t, a.GetFT(1, 1, 0), b.GetFT(1, 1, 0))
	assert.Equal(t, avg.GetFT(1, 1, 0), a.GetFT(1, 1, 0))
	assert.Equal(t, refA.GetFT(5, 0, 0), a.GetFT(5, 0, 0))
	assert.Equal(t, refB.GetFT(5, 0, 0), b.GetFT(5, 0, 0))
	assert.Equal(t, (refA.GetFT(5, 0, 0)+refB.GetFT(5, 0, 0))/2, avg.GetFT(5, 0, 0))
}

func TestAllReduceVari(t *testing.T) {
	const n = 5
	w := parallel.NewLocalWorld(n)

	var mu sync.Mutex
	kernels := map[int]particle.Vari{}
	err := w.Run(context.Background(), func(_ context.Context, comm parallel.Comm) error {
		par, err := parallel.SplitHemispheres(comm)
		if err != nil {
			return err
		}
		m, err := New(par, Params{K: 1, Size: 16, R: 2, Pf: 2, PixelSize: 2}, quietLog())
		if err != nil {
			return err
		}

		// Two particles per rank; hemisphere A ranks 1 and 3, B ranks 2 and 4.
		var ps []*particle.Particle
		for i := 0; i < 2; i++ {
			p := particle.New(4, 5, 5, nil, uint64(comm.Rank()*10+i))
			p.SetVari(particle.Vari{K0: 10, K1: float64(comm.Rank()), S0: float64(comm.Rank()), S1: 2})
			ps = append(ps, p)
		}
		if comm.Rank() == parallel.MasterRank {
			ps = nil
		}
		if err := m.AllReduceVari(ps, 4); err != nil {
			return err
		}
		mu.Lock()
		kernels[comm.Rank()] = m.Vari()
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// Hemisphere A: ranks 1 and 3 give k1/k0 = 0.1, 0.3 twice each.
	assert.InDelta(t, 0.2, kernels[1].K1, 1e-12)
	assert.InDelta(t, 2.0, kernels[1].S0, 1e-12)
	assert.InDelta(t, 0.3, kernels[2].K1, 1e-12)
	assert.InDelta(t, 3.0, kernels[4].S0, 1e-12)
	assert.InDelta(t, 2.0, kernels[4].S1, 1e-12)
	assert.Equal(t, kernels[1], kernels[3])
	assert.Equal(t, 0.0, kernels[0].K1)
}
