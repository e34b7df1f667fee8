package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"emrefine/internal/logging"
	"emrefine/internal/synth"
	"emrefine/pkg/config"
	"emrefine/pkg/experiment"
	"emrefine/pkg/grid"
	"emrefine/pkg/model"
	"emrefine/pkg/optimiser"
	"emrefine/pkg/parallel"
	"emrefine/pkg/reconstruction"
	"emrefine/pkg/visualization"
)

var (
	configPath string
	resumeID   string
	runID      string
	compare    bool
)

var rootCmd = &cobra.Command{
	Use:   "emrefine",
	Short: "Gold-standard maximum-likelihood refinement of cryo-EM references",
	Long: `emrefine refines 3D references against a set of 2D particle images.
The images are split into two independent hemispheres whose references are
reconstructed separately and compared by Fourier shell correlation to decide
how far the refinement may extend in resolution.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Refine references against the images of an experiment database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return refine(cmd.Context(), cfg)
	},
}

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Write noisy projections of a test object into an experiment database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return generate(cmd.Context(), cfg)
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(configPath); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", configPath)
		return nil
	},
}

// overrides maps configuration keys to the fields flags and EMREFINE_*
// environment variables may replace.
var overrides = map[string]func(*config.Config){
	"optimiser.itermax":   func(c *config.Config) { c.Optimiser.IterMax = viper.GetInt("optimiser.itermax") },
	"optimiser.k":         func(c *config.Config) { c.Optimiser.K = viper.GetInt("optimiser.k") },
	"optimiser.sym":       func(c *config.Config) { c.Optimiser.Sym = viper.GetString("optimiser.sym") },
	"optimiser.db":        func(c *config.Config) { c.Optimiser.DB = viper.GetString("optimiser.db") },
	"optimiser.initmodel": func(c *config.Config) { c.Optimiser.InitModel = viper.GetString("optimiser.initmodel") },
	"cluster.ranks":       func(c *config.Config) { c.Cluster.Ranks = viper.GetInt("cluster.ranks") },
	"cluster.numcores":    func(c *config.Config) { c.Cluster.NumCores = viper.GetInt("cluster.numcores") },
	"output.dir":          func(c *config.Config) { c.Output.Dir = viper.GetString("output.dir") },
	"logging.verbose":     func(c *config.Config) { c.Logging.Verbose = viper.GetBool("logging.verbose") },
	"logging.json":        func(c *config.Config) { c.Logging.JSON = viper.GetBool("logging.json") },
	"synth.images":        func(c *config.Config) { c.Synth.Images = viper.GetInt("synth.images") },
	"synth.snr":           func(c *config.Config) { c.Synth.SNR = viper.GetFloat64("synth.snr") },
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "emrefine.yaml", "Configuration file path")

	flags := rootCmd.PersistentFlags()
	flags.Int("iter-max", 0, "Maximum number of iterations (overrides config)")
	flags.Int("classes", 0, "Number of classes (overrides config)")
	flags.String("sym", "", "Point-group symmetry, such as C1 or D7 (overrides config)")
	flags.String("db", "", "Experiment database (overrides config)")
	flags.String("init-model", "", "Raw float32 starting volume (overrides config)")
	flags.Int("ranks", 0, "Number of ranks including the master (overrides config)")
	flags.Int("cores", 0, "Goroutines per rank in the reconstructor (overrides config)")
	flags.String("output-dir", "", "Output directory (overrides config)")
	flags.Bool("verbose", false, "Verbose output")
	flags.Bool("json", false, "JSON formatted logs")

	runCmd.Flags().StringVar(&runID, "run-id", "", "Name of the run in checkpoints (default: random)")
	runCmd.Flags().StringVar(&resumeID, "resume", "", "Resume the run with this ID from its last checkpoint")
	runCmd.Flags().BoolVar(&compare, "compare-synthetic", false, "Compare the references with the object used by synth")

	synthCmd.Flags().Int("images", 0, "Number of projections (overrides config)")
	synthCmd.Flags().Float64("snr", 0, "Signal to noise ratio (overrides config)")

	viper.BindPFlag("optimiser.itermax", flags.Lookup("iter-max"))
	viper.BindPFlag("optimiser.k", flags.Lookup("classes"))
	viper.BindPFlag("optimiser.sym", flags.Lookup("sym"))
	viper.BindPFlag("optimiser.db", flags.Lookup("db"))
	viper.BindPFlag("optimiser.initmodel", flags.Lookup("init-model"))
	viper.BindPFlag("cluster.ranks", flags.Lookup("ranks"))
	viper.BindPFlag("cluster.numcores", flags.Lookup("cores"))
	viper.BindPFlag("output.dir", flags.Lookup("output-dir"))
	viper.BindPFlag("logging.verbose", flags.Lookup("verbose"))
	viper.BindPFlag("logging.json", flags.Lookup("json"))
	viper.BindPFlag("synth.images", synthCmd.Flags().Lookup("images"))
	viper.BindPFlag("synth.snr", synthCmd.Flags().Lookup("snr"))

	// EMREFINE_CLUSTER_RANKS and friends
	viper.SetEnvPrefix("EMREFINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd, synthCmd, initConfigCmd)
}

// loadConfig reads the configuration file and applies flag and environment
// overrides. Only changed flags and present variables replace the file's
// values.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	for key, apply := range overrides {
		if viper.IsSet(key) {
			apply(cfg)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func refine(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg)
	log := logrus.NewEntry(logger)

	store, err := experiment.Open(cfg.Optimiser.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []optimiser.Option{optimiser.WithLogger(log)}
	switch {
	case resumeID != "":
		opts = append(opts, optimiser.WithResume(resumeID))
		runID = resumeID
	case runID == "":
		runID = uuid.NewString()
		fallthrough
	default:
		opts = append(opts, optimiser.WithRunID(runID))
	}
	log = log.WithField("run", runID)

	log.WithFields(logrus.Fields{
		"ranks": cfg.Cluster.Ranks,
		"size":  cfg.Optimiser.Size,
		"k":     cfg.Optimiser.K,
		"sym":   cfg.Optimiser.Sym,
	}).Info("Starting refinement")
	start := time.Now()

	var master *optimiser.Optimiser
	world := parallel.NewLocalWorld(cfg.Cluster.Ranks)
	err = world.Run(ctx, func(ctx context.Context, comm parallel.Comm) error {
		o := optimiser.New(comm, cfg, store, opts...)
		if comm.Rank() == parallel.MasterRank {
			master = o
		}
		return o.Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("refinement failed: %w", err)
	}

	res := master.Model().ResolutionAAll(model.FSCThres)
	log.WithFields(logrus.Fields{
		"iterations": master.Iter(),
		"r":          master.R(),
		"resolution": fmt.Sprintf("%.2f Å", 1/max(res, 1e-9)),
		"elapsed":    time.Since(start).Round(time.Second),
	}).Info("Refinement completed")

	if compare {
		truth := synth.MickeyMouse(cfg.Optimiser.Size)
		for c := 0; c < master.Model().K(); c++ {
			m := reconstruction.Validate(truth.RL(), master.Model().RealSpaceRef(c).RL())
			log.WithFields(logrus.Fields{
				"class":       c,
				"rmse":        m.RMSE,
				"correlation": m.Correlation,
				"ssim":        m.SSIM,
			}).Info("Compared with synthetic object")
		}
	}

	if cfg.Output.SaveReferences {
		return saveReferences(cfg, master, log)
	}
	return nil
}

// saveReferences writes every class as a raw float32 volume and its central
// slices as JPEG images.
func saveReferences(cfg *config.Config, o *optimiser.Optimiser, log *logrus.Entry) error {
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return err
	}
	for c := 0; c < o.Model().K(); c++ {
		vol := o.Model().RealSpaceRef(c)
		name := fmt.Sprintf("class_%03d", c)

		path := filepath.Join(cfg.Output.Dir, name+".raw")
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := grid.WriteVolume(f, vol); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return err
		}

		if err := visualization.NewViewer(vol).SaveCentralSlices(cfg.Output.Dir, name); err != nil {
			return err
		}
		log.WithField("path", path).Info("Reference saved")
	}
	return nil
}

func generate(ctx context.Context, cfg *config.Config) error {
	log := logrus.NewEntry(logging.New(cfg))

	store, err := experiment.Open(cfg.Optimiser.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	_, err = synth.Generate(ctx, store, synth.MickeyMouse(cfg.Optimiser.Size), synth.Params{
		Size:      cfg.Optimiser.Size,
		PixelSize: cfg.Optimiser.PixelSize,
		Images:    cfg.Synth.Images,
		SNR:       cfg.Synth.SNR,
		MaxShift:  min(cfg.Optimiser.MaxX, cfg.Optimiser.MaxY) / 2,
		Voltage:   cfg.Synth.Voltage,
		Defocus:   cfg.Synth.Defocus,
		Seed:      cfg.Optimiser.Seed,
	}, log)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"images": cfg.Synth.Images, "db": cfg.Optimiser.DB}).Info("Synthetic dataset written")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.Fatal(err)
	}
}
