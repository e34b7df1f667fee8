// Package model holds the per-class references of a refinement together with
// their projectors and reconstructors, and owns the control loop that
// decides when the Fourier radius used for alignment may grow.
package model

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"emrefine/pkg/fft"
	"emrefine/pkg/grid"
	"emrefine/pkg/parallel"
	"emrefine/pkg/projection"
	"emrefine/pkg/reconstruction"
	"emrefine/pkg/symmetry"
)

const (
	// DefaultSearchResGap is how many shells past the initial radius
	// global search continues.
	DefaultSearchResGap = 20

	// ABAverageThres is the resolution in Å below which the two
	// hemisphere references are averaged after every FSC exchange.
	ABAverageThres = 20.0

	// MaxIterRChangeNoDecreaseGlobal and MaxIterRChangeNoDecreaseLocal are
	// how many iterations the rotation change must stall before the radius
	// may grow in each search phase.
	MaxIterRChangeNoDecreaseGlobal = 2
	MaxIterRChangeNoDecreaseLocal  = 1

	// MaxIterRNoImprove is how many attempts to grow the radius may fail
	// before the search phase ends.
	MaxIterRNoImprove = 2

	// PerturbFactor tightens the local-search proposal kernel.
	PerturbFactor = 100.0

	// FSCThres is the gold-standard FSC threshold.
	FSCThres = 0.143

	// rUGap is how many shells beyond the alignment radius are
	// reconstructed and compared.
	rUGap = 5

	// rChangeDecreaseFactor is the fraction of the previous spread of the
	// rotation change that counts as a real decrease.
	rChangeDecreaseFactor = 0.02
)

var (
	// ErrInvalidParams reports an inconsistent model configuration.
	ErrInvalidParams = errors.New("model: invalid parameters")

	// ErrNoReference reports an operation that needs every class reference
	// before they were all appended.
	ErrNoReference = errors.New("model: missing reference")
)

// SearchType is the phase of the orientation search.
type SearchType int

const (
	SearchStop   SearchType = -1
	SearchGlobal SearchType = 0
	SearchLocal  SearchType = 1
)

func (s SearchType) String() string {
	switch s {
	case SearchStop:
		return "STOP"
	case SearchGlobal:
		return "GLOBAL"
	case SearchLocal:
		return "LOCAL"
	default:
		return fmt.Sprintf("SearchType(%d)", int(s))
	}
}

// Params configures a Model.
type Params struct {
	// K is the number of classes
	K int

	// Size is the edge length of the references before padding
	Size int

	// R is the initial alignment radius in Fourier pixels, at most
	// Size/2 - 1
	R int

	// Pf is the padding factor of projectors and reconstructors
	Pf int

	// PixelSize is the sampling in Å per pixel
	PixelSize float64

	// A and Alpha are the width and smoothness of the gridding kernel
	A, Alpha float64

	// Sym is the point group; nil means C1
	Sym *symmetry.Symmetry

	// SearchResGap is how many shells past R global search continues.
	// Zero means DefaultSearchResGap.
	SearchResGap int

	// NumCores bounds the goroutines of each reconstructor
	NumCores int
}

// Model is the reference and resolution state of one rank. Every rank holds
// its own Model; the collectives keep them consistent.
type Model struct {
	par *parallel.Context
	log *logrus.Entry

	// refs are centred Fourier transforms of Size^3 references.
	refs []*grid.Volume

	// fsc and snr have one row per shell 0..rU and one column per class;
	// tau has one row per padded shell.
	fsc, snr, tau *mat.Dense

	proj []*projection.Projector
	reco []*reconstruction.Reconstructor
	fft  *fft.FFT

	k, size, pf int
	pixelSize   float64
	sym         *symmetry.Symmetry
	numCores    int

	// a and alpha are the modified Kaiser-Bessel parameters a run was
	// configured with. The trilinear projector and reconstructor do not
	// read them; they are kept so the model reports its configuration.
	a, alpha float64

	r, rU, rPrev, rT int
	rGlobal          int

	rVari, tVariS0, tVariS1 float64

	rChange, rChangePrev       float64
	stdRChange, stdRChangePrev float64
	nRChangeNoDecrease         int
	nRNoImprove                int

	searchType SearchType
	increaseR  bool
}

// New validates params and returns a model without references.
func New(par *parallel.Context, params Params, log *logrus.Entry) (*Model, error) {
	maxR := params.Size/2 - 1
	switch {
	case params.K < 1:
		return nil, fmt.Errorf("%w: %d classes", ErrInvalidParams, params.K)
	case params.Size < 8 || params.Size%2 != 0:
		return nil, fmt.Errorf("%w: size %d", ErrInvalidParams, params.Size)
	case params.Pf < 1:
		return nil, fmt.Errorf("%w: padding factor %d", ErrInvalidParams, params.Pf)
	case params.R < 0 || params.R > maxR:
		return nil, fmt.Errorf("%w: radius %d outside [0, %d]", ErrInvalidParams, params.R, maxR)
	case !(params.PixelSize > 0):
		return nil, fmt.Errorf("%w: pixel size %v", ErrInvalidParams, params.PixelSize)
	case params.SearchResGap < 0:
		return nil, fmt.Errorf("%w: search resolution gap %d", ErrInvalidParams, params.SearchResGap)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	gap := params.SearchResGap
	if gap == 0 {
		gap = DefaultSearchResGap
	}

	m := &Model{
		par:         par,
		log:         log.WithField("component", "model"),
		fft:         fft.New(),
		k:           params.K,
		size:        params.Size,
		pf:          params.Pf,
		pixelSize:   params.PixelSize,
		a:           params.A,
		alpha:       params.Alpha,
		sym:         params.Sym,
		numCores:    params.NumCores,
		r:           params.R,
		rPrev:       params.R,
		rT:          params.R,
		rGlobal:     min(params.R+gap, maxR),
		rChange:     1,
		rChangePrev: 1,
		searchType:  SearchGlobal,
	}
	m.tau = mat.NewDense(m.size*m.pf/2-1, m.k, nil)
	m.updateRU()
	return m, nil
}

// InitProjReco creates one projector and, on hemisphere ranks, one
// reconstructor per class, and loads the references into the projectors.
func (m *Model) InitProjReco() error {
	if len(m.refs) != m.k {
		return fmt.Errorf("%w: %d of %d classes", ErrNoReference, len(m.refs), m.k)
	}
	m.proj = make([]*projection.Projector, m.k)
	m.reco = make([]*reconstruction.Reconstructor, m.k)
	for i := range m.proj {
		m.proj[i] = projection.New(m.size, m.pf)
		if !m.par.IsMaster() {
			m.reco[i] = reconstruction.NewReconstructor(reconstruction.Params{
				Size:      m.size,
				Pf:        m.pf,
				MaxRadius: m.rU,
				Sym:       m.sym,
				NumCores:  m.numCores,
			})
		}
	}
	return m.RefreshProj()
}

// Ref returns the centred Fourier transform of class i. It aliases the
// model.
func (m *Model) Ref(i int) *grid.Volume { return m.refs[i] }

// SetRef replaces the reference of class i.
func (m *Model) SetRef(i int, ref *grid.Volume) { m.refs[i] = ref }

// AppendRef adds the centred Fourier transform of the next class.
func (m *Model) AppendRef(ref *grid.Volume) error {
	if ref.NColRL() != m.size || ref.NRowRL() != m.size || ref.NSlcRL() != m.size {
		return fmt.Errorf("%w: reference %dx%dx%d for size %d", grid.ErrShape,
			ref.NColRL(), ref.NRowRL(), ref.NSlcRL(), m.size)
	}
	if len(m.refs) == m.k {
		return fmt.Errorf("%w: already %d references", ErrInvalidParams, m.k)
	}
	m.refs = append(m.refs, ref)
	return nil
}

// RealSpaceRef returns the real-space voxels of class i as a new volume.
func (m *Model) RealSpaceRef(i int) *grid.Volume {
	vol := m.refs[i].Clone()
	m.fft.BwVolumeCentred(vol)
	return vol
}

// A and Alpha return the configured gridding kernel parameters.
func (m *Model) A() float64     { return m.a }
func (m *Model) Alpha() float64 { return m.alpha }

func (m *Model) K() int    { return m.k }
func (m *Model) Size() int { return m.size }

// MaxR returns the largest alignment radius.
func (m *Model) MaxR() int { return m.size/2 - 1 }

func (m *Model) R() int { return m.r }

// SetR sets the alignment radius, clamped to [0, MaxR].
func (m *Model) SetR(r int) {
	m.r = max(0, min(r, m.MaxR()))
	m.updateRU()
}

// RU returns the radius reconstructed and compared between hemispheres.
func (m *Model) RU() int { return m.rU }

func (m *Model) RGlobal() int { return m.rGlobal }

// SetRGlobal sets the radius beyond which global search ends.
func (m *Model) SetRGlobal(r int) { m.rGlobal = max(1, min(r, m.MaxR())) }

// Proj returns the projector of class i.
func (m *Model) Proj(i int) *projection.Projector { return m.proj[i] }

// Reco returns the reconstructor of class i; nil on the master.
func (m *Model) Reco(i int) *reconstruction.Reconstructor { return m.reco[i] }

// SetProjMaxRadius limits every projector to radius r.
func (m *Model) SetProjMaxRadius(r int) {
	for _, p := range m.proj {
		p.SetMaxRadius(r)
	}
}

// RefreshProj reloads every projector from its reference at the current
// alignment radius.
func (m *Model) RefreshProj() error {
	if len(m.refs) != m.k || len(m.proj) != m.k {
		return fmt.Errorf("refresh projectors: %w", ErrNoReference)
	}
	for i, p := range m.proj {
		p.SetProjectee(m.refs[i])
		p.SetMaxRadius(m.r)
	}
	return nil
}

// RefreshReco clears every reconstructor and sets it to the current
// reconstruction radius.
func (m *Model) RefreshReco() {
	for _, r := range m.reco {
		if r == nil {
			continue
		}
		r.SetMaxRadius(m.rU)
		r.Reset()
	}
}

// LowPassRef multiplies every reference by a raised-cosine low-pass filter
// that passes radius thres and reaches zero at thres+ew, both in Fourier
// pixels.
func (m *Model) LowPassRef(thres, ew float64) {
	for _, ref := range m.refs {
		ft := ref.FT()
		ref.ForEachFT(func(i, j, k, idx int) {
			d := grid.Norm(i, j, k)
			ft[idx] *= complex(grid.SoftEdge(d, thres, ew), 0)
		})
	}
}

// Clear releases references, projectors and reconstructors.
func (m *Model) Clear() {
	m.refs = nil
	m.proj = nil
	m.reco = nil
}

// updateRU follows the alignment radius with the reconstruction radius and
// resizes the FSC and SNR tables.
func (m *Model) updateRU() {
	m.rU = min(m.r+rUGap, m.MaxR())
	m.fsc = mat.NewDense(m.rU+1, m.k, nil)
	m.snr = mat.NewDense(m.rU+1, m.k, nil)
}
