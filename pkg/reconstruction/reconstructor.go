// Package reconstruction back-projects Fourier images into a padded 3D
// accumulator and recovers the reference volume from it.
package reconstruction

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"runtime"
	"sync"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"emrefine/pkg/fft"
	"emrefine/pkg/geom"
	"emrefine/pkg/grid"
	"emrefine/pkg/parallel"
	"emrefine/pkg/projection"
	"emrefine/pkg/symmetry"
)

// ErrEmpty is returned by Reconstruct when nothing has been inserted.
var ErrEmpty = errors.New("reconstruction: no images inserted")

// Params holds the reconstruction parameters.
type Params struct {
	// Size is the edge length of the images and of the output volume.
	Size int

	// Pf is the padding factor of the Fourier accumulator.
	Pf int

	// MaxRadius limits insertion to frequencies below it, in unpadded
	// Fourier pixels. Zero means Size/2 - 1.
	MaxRadius int

	// Sym expands every insertion over the point group. Nil means C1.
	Sym *symmetry.Symmetry

	// NumCores is how many goroutines divide the accumulator in
	// Reconstruct. Zero means all available cores.
	NumCores int
}

// Reconstructor accumulates weighted central slices.
//
// Insertion follows the projection convention of package projection: the
// 2D frequency (i, j) of an image at rotation R lands on R^T (i, j, 0).
// Both accumulators live on the pf-padded grid; images are padded by the
// same factor before insertion so the slices sample it densely.
type Reconstructor struct {
	params Params

	// f accumulates CTF-weighted Fourier coefficients, w the matching
	// weights.
	f *grid.Volume
	w []float64

	// symL holds R^T of each non-identity symmetry element.
	symL []*mat.Dense

	pixels []projection.Pixel
	fft    *fft.FFT

	nInserted int
}

// NewReconstructor creates an empty reconstructor.
func NewReconstructor(params Params) *Reconstructor {
	if params.Pf < 1 {
		params.Pf = 1
	}
	if params.NumCores <= 0 {
		params.NumCores = runtime.NumCPU()
	}

	n := params.Size * params.Pf
	r := &Reconstructor{
		params: params,
		f:      grid.NewCube(n),
		fft:    fft.New(),
	}
	r.w = make([]float64, len(r.f.FT()))

	if params.Sym != nil {
		for i := 0; i < params.Sym.NSymmetryElement(); i++ {
			L, _ := params.Sym.Get(i)
			r.symL = append(r.symL, L)
		}
	}

	r.SetMaxRadius(params.MaxRadius)
	return r
}

// SetMaxRadius changes the insertion radius. Zero or anything beyond
// Size/2 - 1 means Size/2 - 1.
func (r *Reconstructor) SetMaxRadius(rad int) {
	limit := r.params.Size/2 - 1
	if rad <= 0 || rad > limit {
		rad = limit
	}
	r.params.MaxRadius = rad
	n := r.params.Size * r.params.Pf
	r.pixels = projection.Pixels(n, n, rad*r.params.Pf)
}

func (r *Reconstructor) MaxRadius() int { return r.params.MaxRadius }

// Reset clears both accumulators.
func (r *Reconstructor) Reset() {
	r.f.ZeroFT()
	clear(r.w)
	r.nInserted = 0
}

// Insert adds an observed image (centred Fourier transform, Size x Size)
// at pose (rot, t) with weight w. ctf, when not nil, holds the real CTF of
// the image in its Fourier buffer; the data are multiplied by it and the
// weights by its square.
func (r *Reconstructor) Insert(src, ctf *grid.Image, rot mat.Matrix, t r2.Point, w float64) {
	pf := r.params.Pf
	n := r.params.Size

	// Undo the translation and apply the CTF on the unpadded grid.
	img := grid.NewImage(n, n)
	all := projection.Pixels(n, n, n/2)
	projection.Translate(img, src, all, r2.Point{X: -t.X, Y: -t.Y})
	if ctf != nil {
		grid.Zip(img.FT(), img.FT(), ctf.FT(), func(x, c complex128) complex128 { return x * complex(real(c), 0) })
	}

	// Pad in real space so the slice covers the padded grid densely.
	r.fft.BwImageCentred(img)
	padded := grid.PadImage(img, pf)
	r.fft.FwImageCentred(padded)

	rots := make([]mat.Matrix, 0, 1+len(r.symL))
	rots = append(rots, rot)
	for _, L := range r.symL {
		var m mat.Dense
		m.Mul(rot, L.T())
		rots = append(rots, &m)
	}

	ft := padded.FT()
	for _, R := range rots {
		for _, px := range r.pixels {
			c2 := 1.0
			if ctf != nil {
				c := real(ctf.GetFT(nearest(px.I, pf), nearest(px.J, pf)))
				c2 = c * c
			}
			v := geom.SliceCoord(R, float64(px.I), float64(px.J))
			r.f.AddFT(complex(w, 0)*ft[px.Index], v.X, v.Y, v.Z, r.w, w*c2)
		}
	}
	r.nInserted++
}

func nearest(i, pf int) int {
	return int(math.Round(float64(i) / float64(pf)))
}

// NInserted returns the number of Insert calls since the last Reset.
func (r *Reconstructor) NInserted() int { return r.nInserted }

// AllReduce sums the accumulators of every rank in c.
func (r *Reconstructor) AllReduce(c parallel.Comm) error {
	if err := parallel.AllreduceLarge(c, r.f.FT(), r.f.FT()); err != nil {
		return fmt.Errorf("reduce reconstruction data: %w", err)
	}
	if err := parallel.AllreduceLarge(c, r.w, r.w); err != nil {
		return fmt.Errorf("reduce reconstruction weights: %w", err)
	}
	n := []int{r.nInserted}
	if err := parallel.AllreduceLarge(c, n, n); err != nil {
		return fmt.Errorf("reduce reconstruction count: %w", err)
	}
	r.nInserted = n[0]
	return nil
}

// Reconstruct writes the centred Fourier transform of the reconstructed
// Size^3 volume into dst. Every accumulated coefficient is divided by its
// weight, regularised by a small fraction of the mean weight.
func (r *Reconstructor) Reconstruct(dst *grid.Volume) error {
	if r.nInserted == 0 {
		return ErrEmpty
	}

	mean, count := 0.0, 0
	for _, w := range r.w {
		if w > 0 {
			mean += w
			count++
		}
	}
	if count == 0 {
		return ErrEmpty
	}
	ridge := 1e-3 * mean / float64(count)

	n := r.params.Size * r.params.Pf
	out := grid.NewCube(n)
	src, res := r.f.FT(), out.FT()
	rad := float64(r.params.MaxRadius * r.params.Pf)

	// Divide the accumulator among the available cores.
	var wg sync.WaitGroup
	numCores := r.params.NumCores
	chunk := (len(src) + numCores - 1) / numCores
	for c := 0; c < numCores; c++ {
		start, end := c*chunk, min((c+1)*chunk, len(src))
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for idx := start; idx < end; idx++ {
				if r.w[idx] > 0 {
					res[idx] = src[idx] / complex(r.w[idx]+ridge, 0)
				}
			}
		}(start, end)
	}
	wg.Wait()

	out.ForEachFT(func(i, j, k, idx int) {
		if math.Sqrt(float64(i*i+j*j+k*k)) >= rad {
			res[idx] = 0
		}
	})

	r.fft.BwVolumeCentred(out)
	cropped := grid.CropVolume(out, r.params.Size, r.params.Size, r.params.Size)
	r.fft.FwVolumeCentred(cropped)

	if !dst.SameShape(cropped) {
		return fmt.Errorf("%w: reconstruct into %dx%dx%d", grid.ErrShape, dst.NColRL(), dst.NRowRL(), dst.NSlcRL())
	}
	copy(dst.FT(), cropped.FT())
	for _, c := range dst.FT() {
		if cmplx.IsNaN(c) {
			return fmt.Errorf("reconstruction: NaN in output volume")
		}
	}
	return nil
}
