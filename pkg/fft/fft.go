// Package fft transforms grid images and volumes between real and Fourier
// space. Multi-dimensional transforms are separable passes of gonum's 1D
// transforms: a real-to-half-complex pass along x followed by complex passes
// along y (and z).
//
// The forward transform is unnormalised and the backward transform divides
// by the number of pixels, so Bw(Fw(x)) == x.
package fft

import (
	"gonum.org/v1/gonum/dsp/fourier"

	"emrefine/pkg/grid"
)

// FFT caches gonum plans by length. An FFT keeps scratch buffers and is not
// safe for concurrent use; give each rank its own.
type FFT struct {
	real  map[int]*fourier.FFT
	cmplx map[int]*fourier.CmplxFFT

	line []complex128
}

// New returns an FFT with an empty plan cache.
func New() *FFT {
	return &FFT{
		real:  make(map[int]*fourier.FFT),
		cmplx: make(map[int]*fourier.CmplxFFT),
	}
}

func (f *FFT) realPlan(n int) *fourier.FFT {
	p, ok := f.real[n]
	if !ok {
		p = fourier.NewFFT(n)
		f.real[n] = p
	}
	return p
}

func (f *FFT) cmplxPlan(n int) *fourier.CmplxFFT {
	p, ok := f.cmplx[n]
	if !ok {
		p = fourier.NewCmplxFFT(n)
		f.cmplx[n] = p
	}
	return p
}

func (f *FFT) scratch(nLine int) {
	if cap(f.line) < nLine {
		f.line = make([]complex128, nLine)
	}
	f.line = f.line[:nLine]
}

// FwImage computes the half spectrum of img's real-space pixels.
func (f *FFT) FwImage(img *grid.Image) {
	nCol, nRow := img.NColRL(), img.NRowRL()
	nColFT := img.NColFT()
	rl, ft := img.RL(), img.FT()

	f.scratch(nRow)
	rowPlan := f.realPlan(nCol)
	for y := 0; y < nRow; y++ {
		rowPlan.Coefficients(ft[y*nColFT:(y+1)*nColFT], rl[y*nCol:(y+1)*nCol])
	}

	f.columns(ft, nColFT, nRow, 1, true)
}

// BwImage recovers img's real-space pixels from its half spectrum. The
// Fourier buffer is left untouched.
func (f *FFT) BwImage(img *grid.Image) {
	nCol, nRow := img.NColRL(), img.NRowRL()
	nColFT := img.NColFT()
	rl := img.RL()

	work := append([]complex128(nil), img.FT()...)
	f.scratch(nRow)
	f.columns(work, nColFT, nRow, 1, false)

	rowPlan := f.realPlan(nCol)
	scale := 1 / float64(nCol*nRow)
	for y := 0; y < nRow; y++ {
		out := rl[y*nCol : (y+1)*nCol]
		rowPlan.Sequence(out, work[y*nColFT:(y+1)*nColFT])
		for x := range out {
			out[x] *= scale
		}
	}
}

// FwVolume computes the half spectrum of vol's real-space voxels.
func (f *FFT) FwVolume(vol *grid.Volume) {
	nCol, nRow, nSlc := vol.NColRL(), vol.NRowRL(), vol.NSlcRL()
	nColFT := vol.NColFT()
	rl, ft := vol.RL(), vol.FT()

	f.scratch(max(nRow, nSlc))
	rowPlan := f.realPlan(nCol)
	for r := 0; r < nRow*nSlc; r++ {
		rowPlan.Coefficients(ft[r*nColFT:(r+1)*nColFT], rl[r*nCol:(r+1)*nCol])
	}

	f.columns(ft, nColFT, nRow, nSlc, true)
	f.slices(ft, nColFT*nRow, nSlc, true)
}

// BwVolume recovers vol's real-space voxels from its half spectrum. The
// Fourier buffer is left untouched.
func (f *FFT) BwVolume(vol *grid.Volume) {
	nCol, nRow, nSlc := vol.NColRL(), vol.NRowRL(), vol.NSlcRL()
	nColFT := vol.NColFT()
	rl := vol.RL()

	work := append([]complex128(nil), vol.FT()...)
	f.scratch(max(nRow, nSlc))
	f.slices(work, nColFT*nRow, nSlc, false)
	f.columns(work, nColFT, nRow, nSlc, false)

	rowPlan := f.realPlan(nCol)
	scale := 1 / float64(nCol*nRow*nSlc)
	for r := 0; r < nRow*nSlc; r++ {
		out := rl[r*nCol : (r+1)*nCol]
		rowPlan.Sequence(out, work[r*nColFT:(r+1)*nColFT])
		for x := range out {
			out[x] *= scale
		}
	}
}

// columns transforms along y for each of nSlc planes of nColFT x nRow.
func (f *FFT) columns(data []complex128, nColFT, nRow, nSlc int, forward bool) {
	plan := f.cmplxPlan(nRow)
	line := f.line[:nRow]
	plane := nColFT * nRow
	for s := 0; s < nSlc; s++ {
		base := s * plane
		for i := 0; i < nColFT; i++ {
			for y := 0; y < nRow; y++ {
				line[y] = data[base+y*nColFT+i]
			}
			transform(plan, line, forward)
			for y := 0; y < nRow; y++ {
				data[base+y*nColFT+i] = line[y]
			}
		}
	}
}

// slices transforms along z with stride plane.
func (f *FFT) slices(data []complex128, plane, nSlc int, forward bool) {
	plan := f.cmplxPlan(nSlc)
	line := f.line[:nSlc]
	for p := 0; p < plane; p++ {
		for z := 0; z < nSlc; z++ {
			line[z] = data[z*plane+p]
		}
		transform(plan, line, forward)
		for z := 0; z < nSlc; z++ {
			data[z*plane+p] = line[z]
		}
	}
}

func transform(plan *fourier.CmplxFFT, line []complex128, forward bool) {
	if forward {
		plan.Coefficients(line, line)
	} else {
		plan.Sequence(line, line)
	}
}
