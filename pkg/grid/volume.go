package grid

import (
	"math"
	"math/cmplx"
)

// Volume is a 3D container laid out like Image with a slice index added:
// real-space voxel (x, y, z) lives at (z*nRow+y)*nCol+x and the Fourier half
// keeps columns 0..nCol/2.
type Volume struct {
	nCol, nRow, nSlc int
	rl               []float64
	ft               []complex128
}

// NewVolume allocates a zeroed nCol x nRow x nSlc volume.
func NewVolume(nCol, nRow, nSlc int) *Volume {
	return &Volume{
		nCol: nCol,
		nRow: nRow,
		nSlc: nSlc,
		rl:   make([]float64, nCol*nRow*nSlc),
		ft:   make([]complex128, (nCol/2+1)*nRow*nSlc),
	}
}

// NewCube allocates a zeroed n x n x n volume.
func NewCube(n int) *Volume { return NewVolume(n, n, n) }

func (v *Volume) NColRL() int { return v.nCol }
func (v *Volume) NRowRL() int { return v.nRow }
func (v *Volume) NSlcRL() int { return v.nSlc }
func (v *Volume) NColFT() int { return v.nCol/2 + 1 }

func (v *Volume) RL() []float64    { return v.rl }
func (v *Volume) FT() []complex128 { return v.ft }

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	dst := &Volume{nCol: v.nCol, nRow: v.nRow, nSlc: v.nSlc}
	dst.rl = append([]float64(nil), v.rl...)
	dst.ft = append([]complex128(nil), v.ft...)
	return dst
}

// SameShape reports whether other has the dimensions of v.
func (v *Volume) SameShape(other *Volume) bool {
	return other != nil && v.nCol == other.nCol && v.nRow == other.nRow && v.nSlc == other.nSlc
}

func (v *Volume) GetRL(x, y, z int) float64 {
	if x < 0 || x >= v.nCol || y < 0 || y >= v.nRow || z < 0 || z >= v.nSlc {
		outOfRange(x, y, z)
	}
	return v.rl[(z*v.nRow+y)*v.nCol+x]
}

func (v *Volume) SetRL(val float64, x, y, z int) {
	if x < 0 || x >= v.nCol || y < 0 || y >= v.nRow || z < 0 || z >= v.nSlc {
		outOfRange(x, y, z)
	}
	v.rl[(z*v.nRow+y)*v.nCol+x] = val
}

// IndexFT returns the buffer index of frequency (i, j, k) with i >= 0.
func (v *Volume) IndexFT(i, j, k int) int {
	if i < 0 || i > v.nCol/2 ||
		j < -v.nRow/2 || j > v.nRow/2 ||
		k < -v.nSlc/2 || k > v.nSlc/2 {
		outOfRange(i, j, k)
	}
	return (wrap(k, v.nSlc)*v.nRow+wrap(j, v.nRow))*(v.nCol/2+1) + i
}

// GetFT returns the coefficient at frequency (i, j, k).
func (v *Volume) GetFT(i, j, k int) complex128 {
	if i < 0 {
		return cmplx.Conj(v.ft[v.IndexFT(-i, -j, -k)])
	}
	return v.ft[v.IndexFT(i, j, k)]
}

// SetFT sets the coefficient at frequency (i, j, k).
func (v *Volume) SetFT(val complex128, i, j, k int) {
	if i < 0 {
		v.ft[v.IndexFT(-i, -j, -k)] = cmplx.Conj(val)
		return
	}
	v.ft[v.IndexFT(i, j, k)] = val
}

// ForEachFT calls fn for every stored Fourier coefficient.
func (v *Volume) ForEachFT(fn func(i, j, k, idx int)) {
	nColFT := v.nCol/2 + 1
	idx := 0
	for z := 0; z < v.nSlc; z++ {
		k := signed(z, v.nSlc)
		for y := 0; y < v.nRow; y++ {
			j := signed(y, v.nRow)
			for i := 0; i < nColFT; i++ {
				fn(i, j, k, idx)
				idx++
			}
		}
	}
}

// InterpolateFT samples the spectrum at a fractional frequency by trilinear
// interpolation. Frequencies outside the stored box contribute zero.
func (v *Volume) InterpolateFT(x, y, z float64) complex128 {
	conj := false
	if x < 0 {
		x, y, z = -x, -y, -z
		conj = true
	}

	x0, y0, z0 := int(math.Floor(x)), int(math.Floor(y)), int(math.Floor(z))
	fx, fy, fz := x-float64(x0), y-float64(y0), z-float64(z0)

	var sum complex128
	for dz := 0; dz <= 1; dz++ {
		wz := fz
		if dz == 0 {
			wz = 1 - fz
		}
		for dy := 0; dy <= 1; dy++ {
			wy := fy
			if dy == 0 {
				wy = 1 - fy
			}
			for dx := 0; dx <= 1; dx++ {
				wx := fx
				if dx == 0 {
					wx = 1 - fx
				}
				w := wx * wy * wz
				if w == 0 {
					continue
				}
				if c, ok := v.lookupFT(x0+dx, y0+dy, z0+dz); ok {
					sum += complex(w, 0) * c
				}
			}
		}
	}

	if conj {
		return cmplx.Conj(sum)
	}
	return sum
}

// AddFT spreads val over the eight neighbours of a fractional frequency
// with trilinear weights and, when acc is not nil, adds w times the same
// weights to acc. Neighbours on the x = 0 plane also receive the conjugate
// at their Hermitian partner, keeping that plane consistent.
func (v *Volume) AddFT(val complex128, x, y, z float64, acc []float64, w float64) {
	if x < 0 {
		x, y, z = -x, -y, -z
		val = cmplx.Conj(val)
	}

	x0, y0, z0 := int(math.Floor(x)), int(math.Floor(y)), int(math.Floor(z))
	fx, fy, fz := x-float64(x0), y-float64(y0), z-float64(z0)

	for dz := 0; dz <= 1; dz++ {
		wz := fz
		if dz == 0 {
			wz = 1 - fz
		}
		for dy := 0; dy <= 1; dy++ {
			wy := fy
			if dy == 0 {
				wy = 1 - fy
			}
			for dx := 0; dx <= 1; dx++ {
				wx := fx
				if dx == 0 {
					wx = 1 - fx
				}
				tri := wx * wy * wz
				if tri == 0 {
					continue
				}
				idx, ok := v.indexNearFT(x0+dx, y0+dy, z0+dz)
				if !ok {
					continue
				}
				v.ft[idx] += complex(tri, 0) * val
				if acc != nil {
					acc[idx] += tri * w
				}

				// The x = 0 plane stores both members of each Hermitian
				// pair; the mirrored sample lands on the partner.
				if x0+dx == 0 {
					if pidx, ok := v.indexNearFT(0, -(y0 + dy), -(z0 + dz)); ok {
						v.ft[pidx] += complex(tri, 0) * cmplx.Conj(val)
						if acc != nil {
							acc[pidx] += tri * w
						}
					}
				}
			}
		}
	}
}

// lookupFT is GetFT without the panic: coordinates outside the box yield ok
// false.
func (v *Volume) lookupFT(i, j, k int) (complex128, bool) {
	idx, ok := v.indexNearFT(i, j, k)
	if !ok {
		return 0, false
	}
	if i < 0 {
		return cmplx.Conj(v.ft[idx]), true
	}
	return v.ft[idx], true
}

func (v *Volume) indexNearFT(i, j, k int) (int, bool) {
	if i < 0 {
		i, j, k = -i, -j, -k
	}
	if i > v.nCol/2 || j < -v.nRow/2 || j >= v.nRow/2 || k < -v.nSlc/2 || k >= v.nSlc/2 {
		return 0, false
	}
	return (wrap(k, v.nSlc)*v.nRow+wrap(j, v.nRow))*(v.nCol/2+1) + i, true
}

// ZeroRL clears the real-space buffer.
func (v *Volume) ZeroRL() { clear(v.rl) }

// ZeroFT clears the Fourier buffer.
func (v *Volume) ZeroFT() { clear(v.ft) }

func signed(y, n int) int {
	if y >= (n+1)/2 {
		return y - n
	}
	return y
}
