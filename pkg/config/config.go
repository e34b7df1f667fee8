// Package config holds the emrefine configuration: YAML files layered over
// built-in defaults and checked by Validate.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Optimiser is the refinement configuration. It is passed once at start and
// never modified afterwards.
type Optimiser struct {
	// IterMax is the maximum number of outer iterations
	IterMax int `yaml:"iterMax"`

	// K is the number of classes
	K int `yaml:"k"`

	// Size is the unpadded edge length of images and references in pixels
	Size int `yaml:"size"`

	// Pf is the Fourier padding factor of projection and reconstruction
	Pf int `yaml:"pf"`

	// A and Alpha shape the modified Kaiser-Bessel gridding kernel
	A     float64 `yaml:"a"`
	Alpha float64 `yaml:"alpha"`

	// PixelSize is the sampling of the images in Å per pixel
	PixelSize float64 `yaml:"pixelSize"`

	// M is the number of pose hypotheses per image in local search
	M int `yaml:"m"`

	// MGlobal is the number of fresh hypotheses drawn per image in global search
	MGlobal int `yaml:"mGlobal"`

	// MaxX and MaxY bound the translation search in pixels
	MaxX float64 `yaml:"maxX"`
	MaxY float64 `yaml:"maxY"`

	// Sym is the point-group symmetry identifier, such as C1, D7 or I
	Sym string `yaml:"sym"`

	// InitModel is the path of a raw float32 starting volume. Empty means a
	// default ball.
	InitModel string `yaml:"initModel"`

	// DB is the path of the experiment and checkpoint database
	DB string `yaml:"db"`

	// InitResolution is the resolution in Å the starting radius corresponds to
	InitResolution float64 `yaml:"initResolution"`

	// SearchResGap is how many shells past the initial radius global search
	// continues before switching to local search
	SearchResGap int `yaml:"searchResGap"`

	// PerturbFactor tightens the local-search proposal kernel
	PerturbFactor float64 `yaml:"perturbFactor"`

	// Seed makes the particle filters reproducible
	Seed uint64 `yaml:"seed"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Refinement parameters
	Optimiser Optimiser `yaml:"optimiser"`

	// Cluster parameters
	Cluster struct {
		// Ranks is the number of processes including the master
		Ranks int `yaml:"ranks"`

		// NumCores is how many goroutines each rank may use inside the
		// reconstructor
		NumCores int `yaml:"numCores"`
	} `yaml:"cluster"`

	// Output parameters
	Output struct {
		// Dir receives final references and slice images
		Dir string `yaml:"dir"`

		// SaveReferences writes raw volumes and central slices at the end
		SaveReferences bool `yaml:"saveReferences"`

		// Checkpoint stores model and particle state after each iteration
		Checkpoint bool `yaml:"checkpoint"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is one of trace, debug, info, warn, error
		Level string `yaml:"level"`

		// Verbose forces the debug level
		Verbose bool `yaml:"verbose"`

		// JSON switches to JSON formatted logs
		JSON bool `yaml:"json"`
	} `yaml:"logging"`

	// Synthetic dataset parameters
	Synth struct {
		// Images is the number of projections to generate
		Images int `yaml:"images"`

		// SNR is the signal to noise ratio of each projection
		SNR float64 `yaml:"snr"`

		// Voltage of the simulated microscope in kV; zero disables the CTF
		Voltage float64 `yaml:"voltage"`

		// Defocus of the simulated micrographs in Å
		Defocus float64 `yaml:"defocus"`
	} `yaml:"synth"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default refinement parameters
	cfg.Optimiser.IterMax = 30
	cfg.Optimiser.K = 1
	cfg.Optimiser.Size = 128
	cfg.Optimiser.Pf = 2
	cfg.Optimiser.A = 1.9
	cfg.Optimiser.Alpha = 10
	cfg.Optimiser.PixelSize = 1.32
	cfg.Optimiser.M = 2000
	cfg.Optimiser.MGlobal = 8000
	cfg.Optimiser.MaxX = 10
	cfg.Optimiser.MaxY = 10
	cfg.Optimiser.Sym = "C2"
	cfg.Optimiser.DB = "emrefine.db"
	cfg.Optimiser.InitResolution = 40
	cfg.Optimiser.SearchResGap = 20
	cfg.Optimiser.PerturbFactor = 100
	cfg.Optimiser.Seed = 1

	// Set default cluster parameters
	cfg.Cluster.Ranks = 3
	cfg.Cluster.NumCores = 1

	// Set default output parameters
	cfg.Output.Dir = "output"
	cfg.Output.SaveReferences = true
	cfg.Output.Checkpoint = true

	// Set default logging parameters
	cfg.Logging.Level = "info"

	// Set default synthetic dataset parameters
	cfg.Synth.Images = 2000
	cfg.Synth.SNR = 0.5
	cfg.Synth.Voltage = 300
	cfg.Synth.Defocus = 20000

	return cfg
}

// MaxR returns the largest usable Fourier radius, size/2 - 1.
func (o *Optimiser) MaxR() int { return o.Size/2 - 1 }

// InitRadius converts InitResolution to a Fourier radius, clamped to
// [1, MaxR].
func (o *Optimiser) InitRadius() int {
	if o.InitResolution <= 0 {
		return 1
	}
	r := int(float64(o.Size) * o.PixelSize / o.InitResolution)
	return max(1, min(r, o.MaxR()))
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	o := &c.Optimiser
	checks := []struct {
		ok  bool
		msg string
	}{
		{o.Size >= 8 && o.Size%2 == 0, fmt.Sprintf("size %d must be even and at least 8", o.Size)},
		{o.Pf >= 1, fmt.Sprintf("padding factor %d must be at least 1", o.Pf)},
		{o.K >= 1, fmt.Sprintf("class count %d must be at least 1", o.K)},
		{o.M >= 1, fmt.Sprintf("particle count %d must be at least 1", o.M)},
		{o.MGlobal >= o.M, fmt.Sprintf("global particle count %d must be at least m = %d", o.MGlobal, o.M)},
		{o.PixelSize > 0, fmt.Sprintf("pixel size %v must be positive", o.PixelSize)},
		{o.IterMax >= 1, fmt.Sprintf("iterMax %d must be at least 1", o.IterMax)},
		{o.MaxX >= 0 && o.MaxY >= 0, fmt.Sprintf("translation bounds (%v, %v) must be non-negative", o.MaxX, o.MaxY)},
		{o.SearchResGap >= 0, fmt.Sprintf("search resolution gap %d must be non-negative", o.SearchResGap)},
		{o.PerturbFactor > 0, fmt.Sprintf("perturb factor %v must be positive", o.PerturbFactor)},
		{o.InitRadius() <= o.MaxR(), fmt.Sprintf("initial radius %d exceeds %d", o.InitRadius(), o.MaxR())},
		{c.Cluster.Ranks >= 3, fmt.Sprintf("%d ranks, need at least 3 (master and two hemispheres)", c.Cluster.Ranks)},
	}
	for _, chk := range checks {
		if !chk.ok {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, chk.msg)
		}
	}
	return nil
}

// LoadConfig reads path over the defaults and validates the result. A
// missing file yields the defaults, so a bare checkout runs without one.
// Keys absent from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating parent directories.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// CreateDefaultConfigFile writes the defaults to path. It refuses to
// replace an existing file.
func CreateDefaultConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s: %w", path, fs.ErrExist)
	}
	return SaveConfig(DefaultConfig(), path)
}
