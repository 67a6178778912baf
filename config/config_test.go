package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Tutortoise/record-detector/detections"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvGraph, EnvBackend, EnvThreshold, EnvRuntimeLib, EnvVisualizeDir} {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

func writeFile(t *testing.T, name, body string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, detections.BackendONNX, cfg.Backend)
	assert.Equal(t, float32(0.5), cfg.Threshold)
	assert.False(t, cfg.DiscardPixels)
	assert.False(t, cfg.Visualize.Enabled)
	assert.Equal(t, 20, cfg.Visualize.MaxBoxes)
	assert.Equal(t, 100, cfg.Prefetch)
	assert.Equal(t, int64(2), cfg.Crop.TargetClass)
	assert.Equal(t, 1.6, cfg.Crop.VerticalScale)
	assert.Equal(t, 2.0, cfg.Crop.HorizontalScale)
	assert.Nil(t, cfg.OverrideNumDetections)
	assert.Equal(t, "eye", cfg.CategoryIndex().Name(2))
	assert.Equal(t, detections.DefaultTensorNames(), cfg.Tensors)

	// graph is the only required setting without a default
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
	cfg.GraphPath = "model.onnx"
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLKeepsUnsetDefaults(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, "config.yaml", `
graph: /models/frozen.pb
backend: tensorflow
threshold: 0.3
override_num_detections: 5
discard_image_pixels: true
categories:
  - id: 1
    name: anime_figure
crop:
  target_class: 1
  output_dir: /tmp/crops
visualize:
  enabled: true
  dir: /tmp/overlays
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/models/frozen.pb", cfg.GraphPath)
	assert.Equal(t, detections.BackendTensorFlow, cfg.Backend)
	assert.InDelta(t, 0.3, cfg.Threshold, 1e-6)
	require.NotNil(t, cfg.OverrideNumDetections)
	assert.Equal(t, 5, *cfg.OverrideNumDetections)
	assert.True(t, cfg.DiscardPixels)
	assert.Equal(t, "anime_figure", cfg.CategoryIndex().Name(1))

	assert.Equal(t, int64(1), cfg.Crop.TargetClass)
	assert.Equal(t, 1.6, cfg.Crop.VerticalScale)
	assert.Equal(t, "/tmp/crops", cfg.Extractor().OutputDir)

	assert.Equal(t, 20, cfg.VisualizeOptions().MaxBoxes)
	assert.Equal(t, detections.DefaultImageTensor, cfg.RunnerOptions().Tensors.Image)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "threshold: [not a number"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvGraph, "/env/model.onnx")
	t.Setenv(EnvThreshold, "0.75")
	t.Setenv(EnvVisualizeDir, "/env/overlays")
	t.Setenv(EnvRuntimeLib, "/opt/ort/libonnxruntime.so")

	cfg, err := Load(writeFile(t, "config.yaml", "graph: /file/model.onnx\nthreshold: 0.2\n"))
	require.NoError(t, err)

	assert.Equal(t, "/env/model.onnx", cfg.GraphPath)
	assert.Equal(t, float32(0.75), cfg.Threshold)
	assert.Equal(t, "/env/overlays", cfg.Visualize.Dir)
	assert.Equal(t, "/opt/ort/libonnxruntime.so", cfg.RuntimeLibrary)
}

func TestEnvThresholdMustParse(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvThreshold, "high")

	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))

	path := writeFile(t, ".env", EnvBackend+"=tensorflow\n")
	require.NoError(t, LoadEnvFile(path))
	t.Cleanup(func() { os.Unsetenv(EnvBackend) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, detections.BackendTensorFlow, cfg.Backend)
}

func TestValidate(t *testing.T) {
	negative := -1

	cases := map[string]func(*Config){
		"unknown backend":     func(c *Config) { c.Backend = "tflite" },
		"threshold too high":  func(c *Config) { c.Threshold = 1.5 },
		"negative threshold":  func(c *Config) { c.Threshold = -0.1 },
		"NaN threshold":       func(c *Config) { c.Threshold = float32(math.NaN()) },
		"negative override":   func(c *Config) { c.OverrideNumDetections = &negative },
		"zero prefetch":       func(c *Config) { c.Prefetch = 0 },
		"zero crop scale":     func(c *Config) { c.Crop.VerticalScale = 0 },
		"overlay without dir": func(c *Config) { c.Visualize.Enabled = true },
		"duplicate category": func(c *Config) {
			c.Categories = append(c.Categories, c.Categories[0])
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.GraphPath = "model.onnx"
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
