package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tutortoise/record-detector/config"
	"github.com/Tutortoise/record-detector/detections"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	debugMode bool
)

func init() {
	debugMode = os.Getenv("DEBUG") == "true"
}

// invocation is a parsed command line: the command, its arguments, and the
// configuration with flag overrides applied.
type invocation struct {
	Command string
	Args    []string
	Output  string
	Debug   bool
	Config  *config.Config
}

var errUsage = errors.New("usage")

func parseArgs(args []string, stderr io.Writer) (*invocation, error) {
	fs := flag.NewFlagSet("detector", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}

	var (
		configPath    = fs.String("config", "", "YAML configuration file")
		envFile       = fs.String("env-file", ".env", "environment file loaded before the configuration")
		graph         = fs.String("graph", "", "detection graph (.onnx, or frozen .pb with -backend tensorflow)")
		backend       = fs.String("backend", detections.BackendONNX, "inference backend: onnx or tensorflow")
		threshold     = fs.Float64("threshold", detections.DefaultScoreThreshold, "keep detections scoring strictly above this")
		discardPixels = fs.Bool("discard-pixels", false, "drop image/encoded from annotated records")
		visualizeOn   = fs.Bool("visualize", false, "save debug overlays")
		visualizeDir  = fs.String("visualize-dir", "", "directory for debug overlays")
		override      = fs.Int("override-num-detections", -1, "use this detection count instead of the graph's num_detections")
		prefetch      = fs.Int("prefetch", 0, "records read ahead of inference")
		debug         = fs.Bool("debug", debugMode, "log per-record timings")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, fmt.Errorf("%w: %s", errUsage, MsgMissingCommand)
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	// Flags given explicitly win over the file and the environment.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "graph":
			cfg.GraphPath = *graph
		case "backend":
			cfg.Backend = *backend
		case "threshold":
			cfg.Threshold = float32(*threshold)
		case "discard-pixels":
			cfg.DiscardPixels = *discardPixels
		case "visualize":
			cfg.Visualize.Enabled = *visualizeOn
		case "visualize-dir":
			cfg.Visualize.Dir = *visualizeDir
		case "override-num-detections":
			if *override >= 0 {
				n := *override
				cfg.OverrideNumDetections = &n
			} else {
				cfg.OverrideNumDetections = nil
			}
		case "prefetch":
			cfg.Prefetch = *prefetch
		}
	})

	inv := &invocation{
		Command: fs.Arg(0),
		Debug:   *debug,
		Config:  cfg,
	}

	switch inv.Command {
	case "annotate":
		sub := flag.NewFlagSet("annotate", flag.ContinueOnError)
		sub.SetOutput(stderr)
		output := sub.String("o", "", "output TFRecord file")
		if err := sub.Parse(fs.Args()[1:]); err != nil {
			return nil, err
		}
		if *output == "" {
			return nil, fmt.Errorf("%w: %s", errUsage, MsgMissingOutput)
		}
		inv.Output = *output
		inv.Args = sub.Args()
	case "detect", "crop":
		inv.Args = fs.Args()[1:]
	default:
		fs.Usage()
		return nil, fmt.Errorf("%w: unknown command %q", errUsage, inv.Command)
	}

	if len(inv.Args) == 0 {
		return nil, fmt.Errorf("%w: %s", errUsage, MsgMissingInputs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

func newLogger(debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func newRunner(cfg *config.Config, logger logrus.FieldLogger) (detections.Runner, func(), error) {
	cleanup := func() {}

	if cfg.Backend == detections.BackendONNX {
		libPath, err := resolveLibrary(cfg.RuntimeLibrary)
		if err != nil {
			return nil, cleanup, err
		}
		if err := detections.InitializeRuntime(libPath); err != nil {
			return nil, cleanup, err
		}
		cleanup = func() {
			if err := detections.DestroyRuntime(); err != nil {
				logger.WithError(err).Warn("destroy onnxruntime")
			}
		}
		logger.WithField("library", libPath).Debug("onnxruntime loaded")
	}

	opts := cfg.RunnerOptions()
	opts.Logger = logger
	runner, err := detections.NewRunner(opts)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("load graph %s: %w", cfg.GraphPath, err)
	}

	return runner, func() {
		runner.Destroy()
		cleanup()
	}, nil
}

func run(ctx context.Context, inv *invocation, p *Pipeline, stdout io.Writer) error {
	switch inv.Command {
	case "annotate":
		_, err := p.AnnotateRecords(ctx, inv.Args, inv.Output)
		return err
	case "detect":
		return p.DetectImages(ctx, inv.Args, stdout)
	case "crop":
		saved, err := p.CropImages(ctx, inv.Args)
		for _, path := range saved {
			fmt.Fprintln(stdout, path)
		}
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, inv.Command)
	}
}

func main() {
	inv, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		newLogger(false).Fatalf("Invalid invocation: %v", err)
	}

	logger := newLogger(inv.Debug)
	runID := uuid.NewString()

	runner, cleanup, err := newRunner(inv.Config, logger)
	if err != nil {
		logger.Fatalf("Failed to create detection runner: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pipeline := NewPipeline(runner, inv.Config, logger, runID)
	err = run(ctx, inv, pipeline, os.Stdout)
	stop()
	cleanup()

	if err != nil {
		logger.WithField("run", runID).Fatalf("%s failed: %v", inv.Command, err)
	}
}
