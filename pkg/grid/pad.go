package grid

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// PadImage embeds the real-space pixels of src in the centre of a zeroed
// image pf times larger along each axis.
func PadImage(src *Image, pf int) *Image {
	dst := NewImage(src.nCol*pf, src.nRow*pf)
	ox, oy := (dst.nCol-src.nCol)/2, (dst.nRow-src.nRow)/2
	for y := 0; y < src.nRow; y++ {
		copy(dst.rl[(y+oy)*dst.nCol+ox:], src.rl[y*src.nCol:(y+1)*src.nCol])
	}
	return dst
}

// CropImage extracts the centred nCol x nRow real-space window of src.
func CropImage(src *Image, nCol, nRow int) *Image {
	dst := NewImage(nCol, nRow)
	ox, oy := (src.nCol-nCol)/2, (src.nRow-nRow)/2
	for y := 0; y < nRow; y++ {
		copy(dst.rl[y*nCol:(y+1)*nCol], src.rl[(y+oy)*src.nCol+ox:])
	}
	return dst
}

// PadVolume embeds the real-space voxels of src in the centre of a zeroed
// volume pf times larger along each axis.
func PadVolume(src *Volume, pf int) *Volume {
	dst := NewVolume(src.nCol*pf, src.nRow*pf, src.nSlc*pf)
	ox := (dst.nCol - src.nCol) / 2
	oy := (dst.nRow - src.nRow) / 2
	oz := (dst.nSlc - src.nSlc) / 2
	for z := 0; z < src.nSlc; z++ {
		for y := 0; y < src.nRow; y++ {
			from := (z*src.nRow + y) * src.nCol
			to := ((z+oz)*dst.nRow+y+oy)*dst.nCol + ox
			copy(dst.rl[to:to+src.nCol], src.rl[from:from+src.nCol])
		}
	}
	return dst
}

// CropVolume extracts the centred nCol x nRow x nSlc real-space window of src.
func CropVolume(src *Volume, nCol, nRow, nSlc int) *Volume {
	dst := NewVolume(nCol, nRow, nSlc)
	ox := (src.nCol - nCol) / 2
	oy := (src.nRow - nRow) / 2
	oz := (src.nSlc - nSlc) / 2
	for z := 0; z < nSlc; z++ {
		for y := 0; y < nRow; y++ {
			from := ((z+oz)*src.nRow+y+oy)*src.nCol + ox
			to := (z*nRow + y) * nCol
			copy(dst.rl[to:to+nCol], src.rl[from:from+nCol])
		}
	}
	return dst
}

// Sphere returns an n^3 real-space volume holding a uniform ball of the
// given radius around the centre voxel (n/2, n/2, n/2). The density falls
// off with a raised cosine over edge voxels outside the radius.
func Sphere(n int, radius, edge float64) *Volume {
	vol := NewCube(n)
	c := float64(n / 2)
	i := 0
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				d := math.Sqrt((float64(x)-c)*(float64(x)-c) +
					(float64(y)-c)*(float64(y)-c) +
					(float64(z)-c)*(float64(z)-c))
				vol.rl[i] = SoftEdge(d, radius, edge)
				i++
			}
		}
	}
	return vol
}

// SoftEdge is 1 inside radius, 0 beyond radius+edge and a raised cosine in
// between.
func SoftEdge(d, radius, edge float64) float64 {
	switch {
	case d <= radius:
		return 1
	case edge <= 0 || d >= radius+edge:
		return 0
	default:
		return 0.5 + 0.5*math.Cos(math.Pi*(d-radius)/edge)
	}
}

// ReadVolume fills the real-space buffer of vol from r, which holds
// little-endian float32 voxels in x-fastest order.
func ReadVolume(r io.Reader, vol *Volume) error {
	buf := make([]float32, len(vol.rl))
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return fmt.Errorf("%w: want %d voxels: %v", ErrShape, len(vol.rl), err)
		}
		return fmt.Errorf("read volume: %w", err)
	}
	for i, v := range buf {
		vol.rl[i] = float64(v)
	}
	return nil
}

// WriteVolume writes the real-space buffer of vol as little-endian float32.
func WriteVolume(w io.Writer, vol *Volume) error {
	buf := make([]float32, len(vol.rl))
	for i, v := range vol.rl {
		buf[i] = float32(v)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("write volume: %w", err)
	}
	return nil
}

// EncodeFloat32 packs pixels as little-endian float32 bytes.
func EncodeFloat32(pixels []float64) []byte {
	out := make([]byte, 4*len(pixels))
	for i, v := range pixels {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(float32(v)))
	}
	return out
}

// DecodeFloat32 unpacks little-endian float32 bytes into dst, which must
// hold exactly len(data)/4 pixels.
func DecodeFloat32(dst []float64, data []byte) error {
	if len(data) != 4*len(dst) {
		return fmt.Errorf("%w: %d bytes for %d pixels", ErrShape, len(data), len(dst))
	}
	for i := range dst {
		dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:])))
	}
	return nil
}
