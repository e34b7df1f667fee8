// Package ctf models the contrast transfer function of the microscope.
package ctf

import (
	"math"

	"emrefine/pkg/grid"
)

// Params are the imaging conditions of one micrograph.
type Params struct {
	// Voltage is the acceleration voltage in kV. Zero or negative disables
	// the CTF (unit transfer).
	Voltage float64 `yaml:"voltage" json:"voltage"`

	// DefocusU and DefocusV are the defocus values along the major and
	// minor astigmatism axes in Å, positive for underfocus.
	DefocusU float64 `yaml:"defocusU" json:"defocusU"`
	DefocusV float64 `yaml:"defocusV" json:"defocusV"`

	// DefocusAngle is the angle of the major axis in radians.
	DefocusAngle float64 `yaml:"defocusAngle" json:"defocusAngle"`

	// Cs is the spherical aberration in mm.
	Cs float64 `yaml:"cs" json:"cs"`

	// AmpContrast is the fraction of amplitude contrast.
	AmpContrast float64 `yaml:"ampContrast" json:"ampContrast"`
}

// Enabled reports whether p describes a real CTF.
func (p Params) Enabled() bool { return p.Voltage > 0 }

// Wavelength returns the relativistic electron wavelength in Å.
func (p Params) Wavelength() float64 {
	v := p.Voltage * 1e3
	return 12.2643247 / math.Sqrt(v*(1+v*0.978466e-6))
}

// At evaluates the CTF at spatial frequency (sx, sy) in 1/Å.
func (p Params) At(sx, sy float64) float64 {
	if !p.Enabled() {
		return 1
	}

	lambda := p.Wavelength()
	cs := p.Cs * 1e7
	s2 := sx*sx + sy*sy
	angle := math.Atan2(sy, sx) - p.DefocusAngle
	defocus := 0.5 * (p.DefocusU + p.DefocusV + (p.DefocusU-p.DefocusV)*math.Cos(2*angle))

	chi := math.Pi*lambda*defocus*s2 - 0.5*math.Pi*cs*lambda*lambda*lambda*s2*s2
	w := p.AmpContrast
	return -(math.Sqrt(1-w*w)*math.Sin(chi) + w*math.Cos(chi))
}

// Image returns an nCol x nRow image whose Fourier buffer holds the real
// CTF at every stored frequency for the given pixel size in Å.
func Image(nCol, nRow int, pixelSize float64, p Params) *grid.Image {
	img := grid.NewImage(nCol, nRow)
	ft := img.FT()
	if !p.Enabled() {
		grid.Apply(ft, func(complex128) complex128 { return 1 })
		return img
	}

	img.ForEachFT(func(i, j, idx int) {
		sx := float64(i) / (float64(nCol) * pixelSize)
		sy := float64(j) / (float64(nRow) * pixelSize)
		ft[idx] = complex(p.At(sx, sy), 0)
	})
	return img
}
