package fft

import "emrefine/pkg/grid"

// The engine keeps the origin of real space at the centre pixel (n/2).
// Shifting that origin to pixel 0 multiplies frequency (i, j, k) by
// (-1)^(i+j+k) for even sizes; the centred transforms apply that factor so
// that a centred object has a smooth, real-valued spectrum.

// FwImageCentred is FwImage for an image whose origin is its centre pixel.
func (f *FFT) FwImageCentred(img *grid.Image) {
	f.FwImage(img)
	checkerImage(img)
}

// BwImageCentred is the inverse of FwImageCentred. The Fourier buffer is
// left untouched.
func (f *FFT) BwImageCentred(img *grid.Image) {
	checkerImage(img)
	f.BwImage(img)
	checkerImage(img)
}

// FwVolumeCentred is FwVolume for a volume whose origin is its centre voxel.
func (f *FFT) FwVolumeCentred(vol *grid.Volume) {
	f.FwVolume(vol)
	checkerVolume(vol)
}

// BwVolumeCentred is the inverse of FwVolumeCentred. The Fourier buffer is
// left untouched.
func (f *FFT) BwVolumeCentred(vol *grid.Volume) {
	checkerVolume(vol)
	f.BwVolume(vol)
	checkerVolume(vol)
}

func checkerImage(img *grid.Image) {
	ft := img.FT()
	img.ForEachFT(func(i, j, idx int) {
		if (i+j)&1 != 0 {
			ft[idx] = -ft[idx]
		}
	})
}

func checkerVolume(vol *grid.Volume) {
	ft := vol.FT()
	vol.ForEachFT(func(i, j, k, idx int) {
		if (i+j+k)&1 != 0 {
			ft[idx] = -ft[idx]
		}
	})
}
