package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/Tutortoise/record-detector/crops"
	"github.com/Tutortoise/record-detector/detections"
	"github.com/Tutortoise/record-detector/models"
	"github.com/Tutortoise/record-detector/records"
	"github.com/Tutortoise/record-detector/visualize"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvGraph        = "DETECTOR_GRAPH"
	EnvBackend      = "DETECTOR_BACKEND"
	EnvThreshold    = "DETECTOR_THRESHOLD"
	EnvRuntimeLib   = "ORT_LIBRARY_PATH"
	EnvVisualizeDir = "DETECTOR_VISUALIZE_DIR"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Backend        string                 `yaml:"backend"`
	GraphPath      string                 `yaml:"graph"`
	RuntimeLibrary string                 `yaml:"runtime_library"`
	Tensors        detections.TensorNames `yaml:"tensors"`
	Threads        int                    `yaml:"threads"`

	Threshold float32 `yaml:"threshold"`
	// OverrideNumDetections replaces the graph's num_detections output.
	OverrideNumDetections *int `yaml:"override_num_detections,omitempty"`

	DiscardPixels bool `yaml:"discard_image_pixels"`
	Prefetch      int  `yaml:"prefetch"`

	Categories []models.Category `yaml:"categories"`
	Crop       CropConfig        `yaml:"crop"`
	Visualize  VisualizeConfig   `yaml:"visualize"`
}

type CropConfig struct {
	TargetClass     int64   `yaml:"target_class"`
	VerticalScale   float64 `yaml:"vertical_scale"`
	HorizontalScale float64 `yaml:"horizontal_scale"`
	OutputDir       string  `yaml:"output_dir"`
}

type VisualizeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	MaxBoxes   int    `yaml:"max_boxes"`
	SkipScores bool   `yaml:"skip_scores"`
	SkipLabels bool   `yaml:"skip_labels"`
}

func DefaultCategories() []models.Category {
	return []models.Category{
		{ID: 1, Name: "face"},
		{ID: 2, Name: "eye"},
		{ID: 3, Name: "mouth"},
	}
}

func Default() *Config {
	return &Config{
		Backend:   detections.BackendONNX,
		Tensors:   detections.DefaultTensorNames(),
		Threshold: detections.DefaultScoreThreshold,
		Prefetch:  records.DefaultPrefetchDepth,

		Categories: DefaultCategories(),
		Crop: CropConfig{
			TargetClass:     crops.DefaultTargetClass,
			VerticalScale:   crops.DefaultVerticalScale,
			HorizontalScale: crops.DefaultHorizontalScale,
		},
		Visualize: VisualizeConfig{
			MaxBoxes: visualize.DefaultMaxBoxes,
		},
	}
}

// Load starts from the defaults, applies the YAML file at path when given,
// then the environment. The result is not validated, since command line
// flags may still change it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads a .env file into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.GraphPath = getEnv(EnvGraph, c.GraphPath)
	c.Backend = getEnv(EnvBackend, c.Backend)
	c.RuntimeLibrary = getEnv(EnvRuntimeLib, c.RuntimeLibrary)
	c.Visualize.Dir = getEnv(EnvVisualizeDir, c.Visualize.Dir)

	if v, ok := os.LookupEnv(EnvThreshold); ok {
		threshold, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvThreshold, v)
		}
		c.Threshold = float32(threshold)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func (c *Config) Validate() error {
	if c.GraphPath == "" {
		return fmt.Errorf("%w: graph path is required", ErrInvalid)
	}
	switch c.Backend {
	case detections.BackendONNX, detections.BackendTensorFlow:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	if math.IsNaN(float64(c.Threshold)) || c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v outside [0, 1]", ErrInvalid, c.Threshold)
	}
	if c.OverrideNumDetections != nil && *c.OverrideNumDetections < 0 {
		return fmt.Errorf("%w: negative override_num_detections", ErrInvalid)
	}
	if c.Prefetch <= 0 {
		return fmt.Errorf("%w: prefetch must be positive", ErrInvalid)
	}
	if c.Crop.VerticalScale <= 0 || c.Crop.HorizontalScale <= 0 {
		return fmt.Errorf("%w: crop scales must be positive", ErrInvalid)
	}
	if c.Visualize.Enabled && c.Visualize.Dir == "" {
		return fmt.Errorf("%w: visualize enabled without a directory", ErrInvalid)
	}

	seen := make(map[int64]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if seen[cat.ID] {
			return fmt.Errorf("%w: duplicate category id %d", ErrInvalid, cat.ID)
		}
		seen[cat.ID] = true
	}
	return nil
}

func (c *Config) CategoryIndex() models.CategoryIndex {
	return models.NewCategoryIndex(c.Categories)
}

func (c *Config) RunnerOptions() detections.RunnerOptions {
	return detections.RunnerOptions{
		Backend:               c.Backend,
		GraphPath:             c.GraphPath,
		Tensors:               c.Tensors,
		OverrideNumDetections: c.OverrideNumDetections,
		Threads:               c.Threads,
	}
}

func (c *Config) Extractor() *crops.Extractor {
	return &crops.Extractor{
		TargetClass:     c.Crop.TargetClass,
		VerticalScale:   c.Crop.VerticalScale,
		HorizontalScale: c.Crop.HorizontalScale,
		OutputDir:       c.Crop.OutputDir,
	}
}

func (c *Config) VisualizeOptions() visualize.Options {
	return visualize.Options{
		MaxBoxes:   c.Visualize.MaxBoxes,
		SkipScores: c.Visualize.SkipScores,
		SkipLabels: c.Visualize.SkipLabels,
	}
}
