// Package optimiser drives a gold-standard maximum-likelihood refinement:
// it distributes the images over the two hemispheres, keeps one particle
// filter per image and alternates expectation and maximization until the
// resolution stops improving.
package optimiser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/sirupsen/logrus"

	"emrefine/internal/logging"
	"emrefine/pkg/config"
	"emrefine/pkg/ctf"
	"emrefine/pkg/experiment"
	"emrefine/pkg/fft"
	"emrefine/pkg/grid"
	"emrefine/pkg/model"
	"emrefine/pkg/parallel"
	"emrefine/pkg/particle"
	"emrefine/pkg/symmetry"
)

// ErrNoImages is returned when a hemisphere owns no images.
var ErrNoImages = errors.New("optimiser: no images")

// Optimiser is the refinement state of one rank.
type Optimiser struct {
	cfg   *config.Config
	para  config.Optimiser
	world parallel.Comm
	exp   *experiment.Store
	log   *logrus.Entry

	runID  string
	resume bool

	par   *parallel.Context
	sym   *symmetry.Symmetry
	model *model.Model
	fft   *fft.FFT

	// Locally owned images, in ascending ID order. img holds centred
	// Fourier transforms, ctf the real CTF in the Fourier buffer.
	ids   []int64
	img   []*grid.Image
	ctf   []*grid.Image
	group []int
	cls   []int
	prts  []*particle.Particle

	// sig holds the noise power of each group by shell.
	sig [][]float64

	// nHemi is the number of images in this rank's hemisphere, n the
	// number in the world.
	nHemi, n int

	r    int
	iter int
	res  float64

	// scored is set once the particles carry a posterior from this process.
	scored bool
}

// Option configures an Optimiser.
type Option func(*Optimiser)

// WithLogger sets the logger; ranks add their own fields.
func WithLogger(log *logrus.Entry) Option {
	return func(o *Optimiser) { o.log = log }
}

// WithRunID names the run in checkpoints.
func WithRunID(id string) Option {
	return func(o *Optimiser) { o.runID = id }
}

// WithResume starts from the latest checkpoint of run id instead of the
// initial model.
func WithResume(id string) Option {
	return func(o *Optimiser) {
		o.runID = id
		o.resume = true
	}
}

// New returns an optimiser for the rank of world. Every rank of world
// shares cfg and exp.
func New(world parallel.Comm, cfg *config.Config, exp *experiment.Store, opts ...Option) *Optimiser {
	o := &Optimiser{
		cfg:   cfg,
		para:  cfg.Optimiser,
		world: world,
		exp:   exp,
		fft:   fft.New(),
		runID: "default",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// Model returns the model; nil before Init.
func (o *Optimiser) Model() *model.Model { return o.model }

// Context returns the hemisphere context; nil before Init.
func (o *Optimiser) Context() *parallel.Context { return o.par }

// R returns the radius likelihoods are computed to.
func (o *Optimiser) R() int { return o.r }

// Iter returns the number of completed iterations.
func (o *Optimiser) Iter() int { return o.iter }

// Res returns the resolution of the last iteration in Fourier pixels.
func (o *Optimiser) Res() float64 { return o.res }

// N returns the number of images in the world.
func (o *Optimiser) N() int { return o.n }

// NLocal returns the number of images owned by this rank.
func (o *Optimiser) NLocal() int { return len(o.ids) }

// Particle returns the particle filter of local image i.
func (o *Optimiser) Particle(i int) *particle.Particle { return o.prts[i] }

func (o *Optimiser) size() int { return o.para.Size }

func (o *Optimiser) maxR() int { return o.para.MaxR() }

// Init splits the world into hemispheres, builds the model, loads this
// rank's share of the images and estimates the initial noise spectra. It is
// collective over the world.
func (o *Optimiser) Init(ctx context.Context) error {
	par, err := parallel.SplitHemispheres(o.world)
	if err != nil {
		return err
	}
	o.par = par
	o.log = logging.ForRank(o.log, par)
	parallel.SetLogger(o.log)
	o.log.Infof("Initialising %s", par)

	if o.sym, err = symmetry.New(o.para.Sym); err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	o.r = o.para.InitRadius()
	o.model, err = model.New(par, model.Params{
		K:            o.para.K,
		Size:         o.para.Size,
		R:            o.r,
		Pf:           o.para.Pf,
		PixelSize:    o.para.PixelSize,
		A:            o.para.A,
		Alpha:        o.para.Alpha,
		Sym:          o.sym,
		SearchResGap: o.para.SearchResGap,
		NumCores:     o.cfg.Cluster.NumCores,
	}, o.log)
	if err != nil {
		return err
	}
	if err := o.initReferences(ctx); err != nil {
		return err
	}
	if err := o.model.InitProjReco(); err != nil {
		return err
	}

	if err := o.loadImages(ctx); err != nil {
		return err
	}
	o.initParticles()
	if err := o.allReduceN(); err != nil {
		return err
	}
	if !par.IsMaster() && o.nHemi == 0 {
		return fmt.Errorf("%w: hemisphere %s is empty", ErrNoImages, par.Hemisphere())
	}
	if err := o.initSigma(); err != nil {
		return err
	}

	o.log.WithFields(logrus.Fields{
		"images": len(o.ids),
		"hemi":   o.nHemi,
		"total":  o.n,
		"r":      o.r,
	}).Info("Initialised")
	return nil
}

// initReferences appends one starting reference per class: the latest
// checkpoint when resuming, else the initial model or a centred ball,
// low-passed to the starting radius.
func (o *Optimiser) initReferences(ctx context.Context) error {
	if o.resume {
		return o.resumeReferences(ctx)
	}

	vol := grid.Sphere(o.size(), 0.25*float64(o.size()), 2)
	if o.para.InitModel != "" {
		f, err := os.Open(o.para.InitModel)
		if err != nil {
			return fmt.Errorf("open initial model: %w", err)
		}
		defer f.Close()
		vol = grid.NewCube(o.size())
		if err := grid.ReadVolume(f, vol); err != nil {
			return fmt.Errorf("read initial model %s: %w", o.para.InitModel, err)
		}
	}
	o.fft.FwVolumeCentred(vol)

	for l := 0; l < o.para.K; l++ {
		if err := o.model.AppendRef(vol.Clone()); err != nil {
			return err
		}
	}
	o.model.LowPassRef(float64(o.r), 2)
	return nil
}

func (o *Optimiser) resumeReferences(ctx context.Context) error {
	cp, err := o.exp.LatestCheckpoint(ctx, o.runID)
	if err != nil {
		return fmt.Errorf("resume run %s: %w", o.runID, err)
	}
	if len(cp.References) != o.para.K {
		return fmt.Errorf("%w: checkpoint of run %s holds %d classes, want %d",
			config.ErrInvalidConfig, o.runID, len(cp.References), o.para.K)
	}

	o.iter = cp.Iter + 1
	o.r = min(max(cp.R, o.r), o.maxR())
	o.model.SetR(o.r)
	for l, raw := range cp.References {
		vol := grid.NewCube(o.size())
		if err := grid.DecodeFloat32(vol.RL(), raw); err != nil {
			return fmt.Errorf("resume run %s class %d: %w", o.runID, l, err)
		}
		o.fft.FwVolumeCentred(vol)
		if err := o.model.AppendRef(vol); err != nil {
			return err
		}
	}
	o.model.LowPassRef(float64(o.r), 2)
	o.log.WithFields(logrus.Fields{"iter": cp.Iter, "r": o.r}).Info("Resuming from checkpoint")
	return nil
}

// owner returns the hemisphere and hemisphere rank that own the image at
// position idx of the ascending ID list. Even positions go to A, odd to B;
// within a hemisphere images are dealt round-robin.
func owner(idx, worldSize int) (parallel.Hemisphere, int) {
	a, b := parallel.HemisphereRanks(worldSize)
	if idx%2 == 0 {
		return parallel.HemiA, (idx / 2) % len(a)
	}
	return parallel.HemiB, (idx / 2) % len(b)
}

// loadImages reads this rank's images and CTFs from the experiment store.
func (o *Optimiser) loadImages(ctx context.Context) error {
	groups, err := o.exp.Groups(ctx)
	if err != nil {
		return err
	}
	groupIndex := make(map[int64]int, len(groups))
	for i, g := range groups {
		groupIndex[g.ID] = i
	}
	o.sig = make([][]float64, len(groups))
	for g := range o.sig {
		o.sig[g] = make([]float64, o.size()/2+1)
	}

	if o.par.IsMaster() {
		return nil
	}

	ids, err := o.exp.ImageIDs(ctx)
	if err != nil {
		return err
	}
	hemiRank := o.par.Hemi().Rank()
	for idx, id := range ids {
		if h, r := owner(idx, o.par.Size()); h != o.par.Hemisphere() || r != hemiRank {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := o.exp.Image(ctx, id)
		if err != nil {
			return err
		}
		if rec.Size != o.size() {
			return fmt.Errorf("%w: image %d is %d pixels, references are %d",
				config.ErrInvalidConfig, id, rec.Size, o.size())
		}
		img := grid.NewImage(rec.Size, rec.Size)
		copy(img.RL(), rec.Pixels)
		o.fft.FwImageCentred(img)

		params, err := o.exp.CTF(ctx, id)
		if err != nil {
			return err
		}

		o.ids = append(o.ids, id)
		o.img = append(o.img, img)
		o.ctf = append(o.ctf, ctf.Image(o.size(), o.size(), o.para.PixelSize, params))
		o.group = append(o.group, groupIndex[rec.GroupID])
		o.cls = append(o.cls, int(id)%o.para.K)
	}
	return nil
}

// initParticles seeds one particle filter per local image from the
// uniform prior.
func (o *Optimiser) initParticles() {
	o.prts = make([]*particle.Particle, len(o.ids))
	for i, id := range o.ids {
		o.prts[i] = particle.New(o.para.M, o.para.MaxX, o.para.MaxY, o.sym, o.para.Seed^uint64(id))
	}
}

// allReduceN counts the images of the hemisphere and of the world.
func (o *Optimiser) allReduceN() error {
	local := len(o.ids)
	if !o.par.IsMaster() {
		n, err := parallel.AllreduceSum(o.par.Hemi(), local)
		if err != nil {
			return fmt.Errorf("allReduceN: hemisphere: %w", err)
		}
		o.nHemi = n
	}
	n, err := parallel.AllreduceSum(o.world, local)
	if err != nil {
		return fmt.Errorf("allReduceN: world: %w", err)
	}
	o.n = n
	return nil
}

// Clear releases the images, CTFs and particle filters. The model is kept
// for output.
func (o *Optimiser) Clear() {
	o.ids = nil
	o.img = nil
	o.ctf = nil
	o.group = nil
	o.cls = nil
	o.prts = nil
}

// meanStd returns the mean and standard deviation of values summarised as
// sum, sum of squares and count.
func meanStd(sum, sumSq, n float64) (mean, std float64) {
	if n <= 0 {
		return 0, 0
	}
	mean = sum / n
	return mean, math.Sqrt(math.Max(0, sumSq/n-mean*mean))
}
