package ctf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledIsUnit(t *testing.T) {
	img := Image(8, 8, 1.32, Params{})
	for _, c := range img.FT() {
		require.Equal(t, complex(1, 0), c)
	}
}

func TestWavelength(t *testing.T) {
	// 300 kV electrons have a wavelength of about 0.0197 Å.
	assert.InDelta(t, 0.01969, Params{Voltage: 300}.Wavelength(), 1e-4)
}

func TestCTFShape(t *testing.T) {
	p := Params{Voltage: 300, DefocusU: 20000, DefocusV: 20000, Cs: 2.7, AmpContrast: 0.1}

	assert.InDelta(t, -0.1, p.At(0, 0), 1e-12)

	img := Image(64, 64, 1.32, p)
	for _, c := range img.FT() {
		require.LessOrEqual(t, math.Abs(real(c)), 1+1e-12)
		require.Zero(t, imag(c))
	}
	// Rotationally symmetric without astigmatism.
	assert.InDelta(t, real(img.GetFT(5, 0)), real(img.GetFT(0, 5)), 1e-12)

	astig := p
	astig.DefocusV = 15000
	assert.NotEqual(t, astig.At(0.05, 0), astig.At(0, 0.05))
}
