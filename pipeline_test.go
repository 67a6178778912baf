package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Tutortoise/record-detector/config"
	"github.com/Tutortoise/record-detector/models"
	"github.com/Tutortoise/record-detector/records"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	raw   *models.RawDetections
	err   error
	sizes []image.Point
}

func (s *stubRunner) Run(ctx context.Context, img image.Image) (*models.RawDetections, error) {
	s.sizes = append(s.sizes, img.Bounds().Size())
	return s.raw, s.err
}

func (s *stubRunner) Destroy() {}

func stubDetections() *models.RawDetections {
	return &models.RawDetections{
		Boxes: [][4]float32{
			{0.4, 0.4, 0.6, 0.6},
			{0.1, 0.1, 0.3, 0.3},
			{0.0, 0.0, 1.0, 1.0},
		},
		Scores: []float32{0.9, 0.8, 0.3},
		Labels: []int64{2, 1, 3},
	}
}

func encodedImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(200, 100, color.NRGBA{R: 90, G: 120, B: 150, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func newTestPipeline(t *testing.T, runner *stubRunner) (*Pipeline, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := config.Default()
	cfg.GraphPath = "unused.onnx"
	return NewPipeline(runner, cfg, logger, "run-1"), hook
}

func writeRecords(t *testing.T, path string, examples ...*records.Example) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := records.NewWriter(f)
	for _, ex := range examples {
		require.NoError(t, w.Write(ex.Marshal()))
	}
}

func readRecords(t *testing.T, path string) []*records.Example {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []*records.Example
	r := records.NewReader(bufio.NewReader(f))
	for {
		data, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		ex, err := records.UnmarshalExample(data)
		require.NoError(t, err)
		out = append(out, ex)
	}
}

func sourceExample(t *testing.T, name string) *records.Example {
	ex := records.NewExample()
	ex.Set(records.FieldImageEncoded, records.BytesFeature(encodedImage(t)))
	ex.Set(records.FieldFilename, records.BytesFeature([]byte(name)))
	ex.Set("image/object/class/label", records.Int64Feature(7, 8))
	// stale detections from an earlier run
	ex.Set(records.FieldDetectionScore, records.FloatFeature(0.1, 0.2, 0.3, 0.4, 0.5))
	return ex
}

func TestAnnotateRecords(t *testing.T) {
	dir := t.TempDir()
	runner := &stubRunner{raw: stubDetections()}
	p, _ := newTestPipeline(t, runner)

	in1 := filepath.Join(dir, "a.tfrecord")
	in2 := filepath.Join(dir, "b.tfrecord")
	writeRecords(t, in1, sourceExample(t, "one.jpg"), sourceExample(t, "two.jpg"))
	writeRecords(t, in2, sourceExample(t, "three.jpg"))
	out := filepath.Join(dir, "out.tfrecord")

	n, err := p.AnnotateRecords(context.Background(), []string{in1, in2}, out)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []image.Point{{200, 100}, {200, 100}, {200, 100}}, runner.sizes)

	got := readRecords(t, out)
	require.Len(t, got, 3)

	var names []string
	for _, ex := range got {
		name, _ := ex.FirstBytes(records.FieldFilename)
		names = append(names, string(name))

		scores, _ := ex.Get(records.FieldDetectionScore)
		assert.Equal(t, []float32{0.9, 0.8}, scores.Floats)
		ymin, _ := ex.Get(records.FieldDetectionYMin)
		assert.Equal(t, []float32{0.4, 0.1}, ymin.Floats)
		xmax, _ := ex.Get(records.FieldDetectionXMax)
		assert.Equal(t, []float32{0.6, 0.3}, xmax.Floats)
		labels, _ := ex.Get(records.FieldDetectionLabel)
		assert.Equal(t, []int64{2, 1}, labels.Int64s)

		other, _ := ex.Get("image/object/class/label")
		assert.Equal(t, []int64{7, 8}, other.Int64s)
		encoded, ok := ex.FirstBytes(records.FieldImageEncoded)
		require.True(t, ok)
		assert.Equal(t, encodedImage(t), encoded)
	}
	assert.Equal(t, []string{"one.jpg", "two.jpg", "three.jpg"}, names)
}

func TestAnnotateRecordsDiscardsPixels(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, &stubRunner{raw: stubDetections()})
	p.Config.DiscardPixels = true

	in := filepath.Join(dir, "in.tfrecord")
	writeRecords(t, in, sourceExample(t, "one.jpg"))
	out := filepath.Join(dir, "out.tfrecord")

	_, err := p.AnnotateRecords(context.Background(), []string{in}, out)
	require.NoError(t, err)

	got := readRecords(t, out)
	require.Len(t, got, 1)
	_, ok := got[0].Get(records.FieldImageEncoded)
	assert.False(t, ok)
	_, ok = got[0].Get(records.FieldDetectionScore)
	assert.True(t, ok)
}

func TestAnnotateRecordsWithNoDetections(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, &stubRunner{raw: &models.RawDetections{}})

	in := filepath.Join(dir, "in.tfrecord")
	writeRecords(t, in, sourceExample(t, "one.jpg"))
	out := filepath.Join(dir, "out.tfrecord")

	_, err := p.AnnotateRecords(context.Background(), []string{in}, out)
	require.NoError(t, err)

	got := readRecords(t, out)
	require.Len(t, got, 1)
	for _, field := range []string{
		records.FieldDetectionScore,
		records.FieldDetectionYMin,
		records.FieldDetectionXMin,
		records.FieldDetectionYMax,
		records.FieldDetectionXMax,
	} {
		f, ok := got[0].Get(field)
		require.True(t, ok, field)
		assert.Empty(t, f.Floats, field)
	}
	labels, ok := got[0].Get(records.FieldDetectionLabel)
	require.True(t, ok)
	assert.Empty(t, labels.Int64s)
}

func TestAnnotateRecordsStopsOnRecordWithoutImage(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, &stubRunner{raw: stubDetections()})

	bad := records.NewExample()
	bad.Set(records.FieldFilename, records.BytesFeature([]byte("empty.jpg")))

	in := filepath.Join(dir, "in.tfrecord")
	writeRecords(t, in, sourceExample(t, "one.jpg"), bad, sourceExample(t, "three.jpg"))

	out := filepath.Join(dir, "out.tfrecord")

	n, err := p.AnnotateRecords(context.Background(), []string{in}, out)
	assert.ErrorIs(t, err, records.ErrMissingImage)
	assert.Equal(t, 1, n)

	// the record before the failure is in the output
	got := readRecords(t, out)
	require.Len(t, got, 1)
	name, _ := got[0].FirstBytes(records.FieldFilename)
	assert.Equal(t, "one.jpg", string(name))
	_, ok := got[0].Get(records.FieldDetectionScore)
	assert.True(t, ok)
}

func TestAnnotateRecordsPropagatesRunnerError(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("graph failed")
	p, _ := newTestPipeline(t, &stubRunner{err: boom})

	in := filepath.Join(dir, "in.tfrecord")
	writeRecords(t, in, sourceExample(t, "one.jpg"))

	_, err := p.AnnotateRecords(context.Background(), []string{in}, filepath.Join(dir, "out.tfrecord"))
	assert.ErrorIs(t, err, boom)
}

func writeImage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, encodedImage(t), 0644))
	return path
}

func TestDetectImagesWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, &stubRunner{raw: stubDetections()})
	a := writeImage(t, dir, "a.png")
	b := writeImage(t, dir, "b.png")

	var out bytes.Buffer
	require.NoError(t, p.DetectImages(context.Background(), []string{a, b}, &out))

	dec := json.NewDecoder(&out)
	var results []imageResult
	for dec.More() {
		var r imageResult
		require.NoError(t, dec.Decode(&r))
		results = append(results, r)
	}

	require.Len(t, results, 2)
	assert.Equal(t, a, results[0].File)
	require.Len(t, results[0].Detections, 2)
	assert.Equal(t, detectionResult{Score: 0.9, YMin: 0.4, XMin: 0.4, YMax: 0.6, XMax: 0.6, Label: 2, Name: "eye"}, results[0].Detections[0])
	assert.Equal(t, "face", results[0].Detections[1].Name)
}

func TestDetectImagesEmitsEmptyList(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, &stubRunner{raw: &models.RawDetections{}})

	var out bytes.Buffer
	require.NoError(t, p.DetectImages(context.Background(), []string{writeImage(t, dir, "a.png")}, &out))
	assert.Contains(t, out.String(), `"detections":[]`)
}

func TestDetectImagesRejectsUndecodableFile(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, &stubRunner{raw: stubDetections()})
	path := filepath.Join(dir, "broken.png")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0644))

	err := p.DetectImages(context.Background(), []string{path}, io.Discard)
	assert.Error(t, err)
}

func TestCropImages(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, &stubRunner{raw: stubDetections()})
	p.Config.Crop.OutputDir = filepath.Join(dir, "crops")

	saved, err := p.CropImages(context.Background(), []string{writeImage(t, dir, "portrait.png")})
	require.NoError(t, err)

	// only the eye detection is cropped
	require.Equal(t, []string{filepath.Join(dir, "crops", "portrait_0.png")}, saved)
	img, err := imaging.Open(saved[0])
	require.NoError(t, err)
	assert.Equal(t, image.Pt(80, 32), img.Bounds().Size())
}

func TestOverlaysAreSavedWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	p, hook := newTestPipeline(t, &stubRunner{raw: stubDetections()})
	p.Config.Visualize.Enabled = true
	p.Config.Visualize.Dir = filepath.Join(dir, "overlays")

	require.NoError(t, p.DetectImages(context.Background(), []string{writeImage(t, dir, "a.png")}, io.Discard))

	entries, err := os.ReadDir(p.Config.Visualize.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	var saved bool
	for _, e := range hook.AllEntries() {
		if e.Message == "overlay saved" {
			saved = true
			assert.Equal(t, "run-1", e.Data["run"])
		}
	}
	assert.True(t, saved)
}

func TestOverlaysAreOffByDefault(t *testing.T) {
	dir := t.TempDir()
	p, _ := newTestPipeline(t, &stubRunner{raw: stubDetections()})

	require.NoError(t, p.DetectImages(context.Background(), []string{writeImage(t, dir, "a.png")}, io.Discard))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
