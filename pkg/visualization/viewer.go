// Package visualization renders slices of reconstructed references as
// grayscale images for quick inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"emrefine/pkg/grid"
)

// Viewer extracts planes of a real-space volume. Intensities are mapped
// linearly from the volume's minimum and maximum to the full gray range, so
// slices of one volume are directly comparable.
type Viewer struct {
	// vol holds the real-space reference
	vol *grid.Volume

	// lo and hi are the intensity window
	lo, hi float64
}

// NewViewer creates a viewer for vol. The volume must be in real space.
func NewViewer(vol *grid.Volume) *Viewer {
	v := &Viewer{vol: vol}
	if rl := vol.RL(); len(rl) > 0 {
		v.lo, v.hi = floats.Min(rl), floats.Max(rl)
	}
	return v
}

// gray maps a voxel value into the window.
func (v *Viewer) gray(x float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	f := (x - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(max(0, min(1, f)) * 65535)}
}

// ExtractSlice extracts the plane at position along axis x, y or z. An x
// slice is indexed (z, y), a y slice (x, z) and a z slice (x, y).
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	nx, ny, nz := v.vol.NColRL(), v.vol.NRowRL(), v.vol.NSlcRL()
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position >= nx {
			return nil, fmt.Errorf("position %d exceeds width %d", position, nx)
		}
		img = image.NewGray16(image.Rect(0, 0, nz, ny))
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				img.SetGray16(z, y, v.gray(v.vol.GetRL(position, y, z)))
			}
		}

	case "y", "Y":
		if position >= ny {
			return nil, fmt.Errorf("position %d exceeds height %d", position, ny)
		}
		img = image.NewGray16(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, z, v.gray(v.vol.GetRL(x, position, z)))
			}
		}

	case "z", "Z":
		if position >= nz {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, nz)
		}
		img = image.NewGray16(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, y, v.gray(v.vol.GetRL(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveCentralSlices writes the three central planes through the box centre
// to outputDir as <prefix>_x.jpg, <prefix>_y.jpg and <prefix>_z.jpg.
func (v *Viewer) SaveCentralSlices(outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	centre := map[string]int{
		"x": v.vol.NColRL() / 2,
		"y": v.vol.NRowRL() / 2,
		"z": v.vol.NSlcRL() / 2,
	}
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, centre[axis])
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return fmt.Errorf("save %s: %w", filename, err)
		}
	}
	return nil
}
