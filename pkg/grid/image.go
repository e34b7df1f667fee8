package grid

import (
	"math/cmplx"
)

// Image is a 2D container. Real-space pixels are stored row-major; the
// Fourier half stores columns 0..nCol/2 of the spectrum of a real image,
// the negative columns being implied by Hermitian symmetry.
type Image struct {
	nCol, nRow int
	rl         []float64
	ft         []complex128
}

// NewImage allocates a zeroed nCol x nRow image.
func NewImage(nCol, nRow int) *Image {
	return &Image{
		nCol: nCol,
		nRow: nRow,
		rl:   make([]float64, nCol*nRow),
		ft:   make([]complex128, (nCol/2+1)*nRow),
	}
}

func (img *Image) NColRL() int { return img.nCol }
func (img *Image) NRowRL() int { return img.nRow }
func (img *Image) NColFT() int { return img.nCol/2 + 1 }

// RL returns the real-space buffer. The slice aliases the image.
func (img *Image) RL() []float64 { return img.rl }

// FT returns the Fourier-space buffer. The slice aliases the image.
func (img *Image) FT() []complex128 { return img.ft }

// Clone returns a deep copy. Plain assignment of *Image shares the buffers;
// Clone is how ownership of an independent copy is handed over.
func (img *Image) Clone() *Image {
	dst := &Image{nCol: img.nCol, nRow: img.nRow}
	dst.rl = append([]float64(nil), img.rl...)
	dst.ft = append([]complex128(nil), img.ft...)
	return dst
}

// SameShape reports whether other has the dimensions of img.
func (img *Image) SameShape(other *Image) bool {
	return other != nil && img.nCol == other.nCol && img.nRow == other.nRow
}

func (img *Image) GetRL(x, y int) float64 {
	if x < 0 || x >= img.nCol || y < 0 || y >= img.nRow {
		outOfRange(x, y)
	}
	return img.rl[y*img.nCol+x]
}

func (img *Image) SetRL(v float64, x, y int) {
	if x < 0 || x >= img.nCol || y < 0 || y >= img.nRow {
		outOfRange(x, y)
	}
	img.rl[y*img.nCol+x] = v
}

// IndexFT returns the buffer index of frequency (i, j) with i >= 0.
func (img *Image) IndexFT(i, j int) int {
	if i < 0 || i > img.nCol/2 || j < -img.nRow/2 || j > img.nRow/2 {
		outOfRange(i, j)
	}
	return wrap(j, img.nRow)*(img.nCol/2+1) + i
}

// GetFT returns the coefficient at frequency (i, j). Negative i is served
// from the stored half through Hermitian symmetry.
func (img *Image) GetFT(i, j int) complex128 {
	if i < 0 {
		return cmplx.Conj(img.ft[img.IndexFT(-i, -j)])
	}
	return img.ft[img.IndexFT(i, j)]
}

// SetFT sets the coefficient at frequency (i, j), keeping Hermitian symmetry
// for negative i.
func (img *Image) SetFT(v complex128, i, j int) {
	if i < 0 {
		img.ft[img.IndexFT(-i, -j)] = cmplx.Conj(v)
		return
	}
	img.ft[img.IndexFT(i, j)] = v
}

// ForEachFT calls fn for every stored Fourier coefficient with its signed
// frequency and buffer index.
func (img *Image) ForEachFT(fn func(i, j, idx int)) {
	nColFT := img.nCol/2 + 1
	for y := 0; y < img.nRow; y++ {
		j := y
		if j >= (img.nRow+1)/2 {
			j -= img.nRow
		}
		for i := 0; i < nColFT; i++ {
			fn(i, j, y*nColFT+i)
		}
	}
}

// ZeroRL clears the real-space buffer.
func (img *Image) ZeroRL() { clear(img.rl) }

// ZeroFT clears the Fourier buffer.
func (img *Image) ZeroFT() { clear(img.ft) }
