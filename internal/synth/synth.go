// Package synth generates synthetic single-particle datasets: noisy,
// CTF-modulated projections of a known density at random poses, written
// into an experiment store.
package synth

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"emrefine/internal/models"
	"emrefine/pkg/ctf"
	"emrefine/pkg/experiment"
	"emrefine/pkg/fft"
	"emrefine/pkg/geom"
	"emrefine/pkg/grid"
	"emrefine/pkg/projection"
)

// Params controls a synthetic dataset.
type Params struct {
	// Size is the edge length of the images in pixels
	Size int

	// PixelSize is the sampling in Å per pixel
	PixelSize float64

	// Images is the number of projections
	Images int

	// SNR is the ratio of signal variance to noise variance. Zero or less
	// means noise-free images.
	SNR float64

	// MaxShift bounds the random translations in pixels
	MaxShift float64

	// Voltage in kV; zero disables the CTF
	Voltage float64

	// Defocus is the mean defocus in Å
	Defocus float64

	// ImagesPerMicrograph groups consecutive images under one set of CTF
	// parameters
	ImagesPerMicrograph int

	// Seed makes the dataset reproducible
	Seed uint64
}

// MickeyMouse returns an n^3 real-space density: a ball centred in the box
// with two smaller balls on top, related by a two-fold rotation about z.
func MickeyMouse(n int) *grid.Volume {
	vol := grid.NewCube(n)
	c := float64(n / 2)
	head := 0.2 * float64(n)
	ear := 0.1 * float64(n)
	earCentres := []r3.Vector{
		{X: c + 0.22*float64(n), Y: c, Z: c + 0.15*float64(n)},
		{X: c - 0.22*float64(n), Y: c, Z: c + 0.15*float64(n)},
	}

	rl := vol.RL()
	i := 0
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				p := r3.Vector{X: float64(x), Y: float64(y), Z: float64(z)}
				v := grid.SoftEdge(p.Distance(r3.Vector{X: c, Y: c, Z: c}), head, 2)
				for _, e := range earCentres {
					v = math.Max(v, grid.SoftEdge(p.Distance(e), ear, 2))
				}
				rl[i] = v
				i++
			}
		}
	}
	return vol
}

// Generate projects vol (real space, Size^3) at uniformly random poses and
// stores the noisy images. It returns the true pose of every image in
// insertion order.
func Generate(ctx context.Context, store *experiment.Store, vol *grid.Volume, params Params, log *logrus.Entry) ([]models.Pose, error) {
	if vol.NColRL() != params.Size {
		return nil, fmt.Errorf("%w: volume of size %d for %d pixel images", grid.ErrShape, vol.NColRL(), params.Size)
	}
	perMic := params.ImagesPerMicrograph
	if perMic <= 0 {
		perMic = 100
	}

	src := rand.NewSource(params.Seed)
	rng := rand.New(src)
	f := fft.New()

	ref := vol.Clone()
	f.FwVolumeCentred(ref)
	proj := projection.New(params.Size, 2)
	proj.SetProjectee(ref)

	groupID, err := store.AddGroup(ctx, "synthetic")
	if err != nil {
		return nil, err
	}

	var (
		micID int64
		ctfIm *grid.Image
		noise *distuv.Normal
		truth = make([]models.Pose, 0, params.Images)
	)
	img := grid.NewImage(params.Size, params.Size)
	for n := 0; n < params.Images; n++ {
		if err := ctx.Err(); err != nil {
			return truth, err
		}

		if n%perMic == 0 {
			mic := &models.Micrograph{Name: fmt.Sprintf("synthetic_%04d", n/perMic), CTF: micrographCTF(params, rng)}
			if micID, err = store.AddMicrograph(ctx, mic); err != nil {
				return truth, err
			}
			ctfIm = ctf.Image(params.Size, params.Size, params.PixelSize, mic.CTF)
		}

		q := geom.Random(rng)
		t := r2.Point{
			X: (2*rng.Float64() - 1) * params.MaxShift,
			Y: (2*rng.Float64() - 1) * params.MaxShift,
		}
		if err := proj.Project(img, q.Matrix(), t); err != nil {
			return truth, err
		}
		grid.Zip(img.FT(), img.FT(), ctfIm.FT(), func(x, c complex128) complex128 { return x * c })
		f.BwImageCentred(img)

		// The noise level follows the signal of the first image so every
		// image shares one noise spectrum.
		if noise == nil && params.SNR > 0 {
			sigma := math.Sqrt(stat.Variance(img.RL(), nil) / params.SNR)
			noise = &distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
			log.Debugf("Noise standard deviation %.4g", sigma)
		}
		if noise != nil {
			grid.Apply(img.RL(), func(v float64) float64 { return v + noise.Rand() })
		}

		rec := &models.Image{
			MicrographID: micID,
			GroupID:      groupID,
			Name:         fmt.Sprintf("synthetic_%06d", n),
			Size:         params.Size,
			Pixels:       append([]float64(nil), img.RL()...),
		}
		if _, err := store.AddImage(ctx, rec); err != nil {
			return truth, err
		}
		truth = append(truth, models.Pose{ImageID: rec.ID, Quaternion: [4]float64(q), TX: t.X, TY: t.Y, Weight: 1})

		if (n+1)%500 == 0 {
			log.Infof("Generated %d of %d images", n+1, params.Images)
		}
	}

	log.WithField("images", params.Images).Info("Synthetic dataset written")
	return truth, nil
}

func micrographCTF(params Params, rng *rand.Rand) ctf.Params {
	if params.Voltage <= 0 {
		return ctf.Params{}
	}
	u := params.Defocus * (0.9 + 0.2*rng.Float64())
	return ctf.Params{
		Voltage:      params.Voltage,
		DefocusU:     u,
		DefocusV:     0.98 * u,
		DefocusAngle: rng.Float64() * math.Pi,
		Cs:           2.7,
		AmpContrast:  0.07,
	}
}
