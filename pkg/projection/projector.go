// Package projection extracts Fourier central slices of a reference volume:
// the forward model of the refinement.
package projection

import (
	"errors"
	"math"
	"math/cmplx"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"emrefine/pkg/fft"
	"emrefine/pkg/geom"
	"emrefine/pkg/grid"
)

// ErrNoProjectee is returned when projecting before SetProjectee.
var ErrNoProjectee = errors.New("projection: no projectee")

// Pixel is one stored Fourier coefficient of an image inside the projection
// radius.
type Pixel struct {
	I, J  int
	Index int
	Shell int
}

// Projector holds a padded copy of a reference and samples central slices
// of it by trilinear interpolation.
type Projector struct {
	size      int
	pf        int
	maxRadius int

	projectee *grid.Volume
	pixels    []Pixel
	fft       *fft.FFT
}

// New returns an empty projector for size x size images and volumes padded
// by pf.
func New(size, pf int) *Projector {
	p := &Projector{size: size, pf: pf, fft: fft.New()}
	p.SetMaxRadius(size/2 - 1)
	return p
}

func (p *Projector) Size() int      { return p.size }
func (p *Projector) Pf() int        { return p.pf }
func (p *Projector) MaxRadius() int { return p.maxRadius }

// IsEmpty reports whether no projectee has been set.
func (p *Projector) IsEmpty() bool { return p.projectee == nil }

// SetMaxRadius limits projection to frequencies of radius below r.
func (p *Projector) SetMaxRadius(r int) {
	if r > p.size/2-1 {
		r = p.size/2 - 1
	}
	p.maxRadius = r
	p.pixels = Pixels(p.size, p.size, r)
}

// Pixels lists the stored coefficients of an nCol x nRow image with radius
// below r, in buffer order.
func Pixels(nCol, nRow, r int) []Pixel {
	var px []Pixel
	grid.NewImage(nCol, nRow).ForEachFT(func(i, j, idx int) {
		if i*i+j*j < r*r {
			px = append(px, Pixel{I: i, J: j, Index: idx, Shell: grid.Shell(i, j, 0)})
		}
	})
	return px
}

// Pixels returns the coefficients a projection fills.
func (p *Projector) Pixels() []Pixel { return p.pixels }

// SetProjectee takes the centred Fourier transform of a size^3 reference
// and keeps a padded copy. The reference itself is not retained.
func (p *Projector) SetProjectee(ref *grid.Volume) {
	work := ref.Clone()
	p.fft.BwVolumeCentred(work)
	padded := grid.PadVolume(work, p.pf)
	p.fft.FwVolumeCentred(padded)
	padded.ZeroRL()
	p.projectee = padded
}

// Projectee returns the padded Fourier volume, nil when empty.
func (p *Projector) Projectee() *grid.Volume { return p.projectee }

// Project fills the Fourier buffer of dst (size x size) with the central
// slice at rotation rot, shifted by t pixels. Coefficients outside the
// projection radius are zero.
func (p *Projector) Project(dst *grid.Image, rot mat.Matrix, t r2.Point) error {
	if p.projectee == nil {
		return ErrNoProjectee
	}
	ft := dst.FT()
	clear(ft)

	pf := float64(p.pf)
	n := float64(p.size)
	for _, px := range p.pixels {
		v := geom.SliceCoord(rot, float64(px.I), float64(px.J))
		c := p.projectee.InterpolateFT(pf*v.X, pf*v.Y, pf*v.Z)
		phase := -2 * math.Pi * (float64(px.I)*t.X + float64(px.J)*t.Y) / n
		ft[px.Index] = c * cmplx.Exp(complex(0, phase))
	}
	return nil
}

// Translate multiplies the stored pixels of src by the phase ramp of a
// shift by t pixels and writes them to dst.
func Translate(dst, src *grid.Image, px []Pixel, t r2.Point) {
	nCol, nRow := float64(src.NColRL()), float64(src.NRowRL())
	in, out := src.FT(), dst.FT()
	for _, q := range px {
		phase := -2 * math.Pi * (float64(q.I)*t.X/nCol + float64(q.J)*t.Y/nRow)
		out[q.Index] = in[q.Index] * cmplx.Exp(complex(0, phase))
	}
}
