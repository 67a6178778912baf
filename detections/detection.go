package detections

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"
	"time"

	"github.com/Tutortoise/record-detector/models"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// InitializeRuntime loads the onnxruntime shared library once per process.
func InitializeRuntime(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ModelSession runs an ONNX export of the detection graph. Input and output
// shapes depend on the image, so tensors are created per call.
type ModelSession struct {
	Session     *ort.DynamicAdvancedSession
	outputNames []string
	override    *int
}

func NewModelSession(opts RunnerOptions) (*ModelSession, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	graph, err := os.ReadFile(opts.GraphPath)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(1)

	outputNames := []string{opts.Tensors.Boxes, opts.Tensors.Scores, opts.Tensors.Classes}
	if opts.OverrideNumDetections == nil {
		outputNames = append(outputNames, opts.Tensors.NumDetections)
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		graph,
		[]string{opts.Tensors.Image},
		outputNames,
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"backend": BackendONNX,
		"graph":   opts.GraphPath,
		"threads": threads,
		"cpu":     CPUFeatures(),
	}).Info("detection graph loaded")

	return &ModelSession{
		Session:     session,
		outputNames: outputNames,
		override:    opts.OverrideNumDetections,
	}, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
}

func (m *ModelSession) Run(ctx context.Context, img image.Image) (*models.RawDetections, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pixels, height, width := packPixels(img)
	input, err := ort.NewTensor(ort.NewShape(1, int64(height), int64(width), 3), pixels)
	if err != nil {
		return nil, &ProcessingError{Message: "create input tensor", Cause: err}
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(m.outputNames))
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	if err := m.Session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}

	boxes, err := floatData(outputs[0])
	if err != nil {
		return nil, &ProcessingError{Message: m.outputNames[0], Cause: err}
	}
	scores, err := floatData(outputs[1])
	if err != nil {
		return nil, &ProcessingError{Message: m.outputNames[1], Cause: err}
	}
	labels, err := labelData(outputs[2])
	if err != nil {
		return nil, &ProcessingError{Message: m.outputNames[2], Cause: err}
	}

	count := len(scores)
	if m.override != nil {
		count = *m.override
	} else {
		num, err := floatData(outputs[3])
		if err != nil || len(num) == 0 {
			return nil, &ProcessingError{Message: m.outputNames[3], Cause: err}
		}
		count = int(num[0])
	}

	raw, err := assemble(boxes, scores, labels, count)
	if err != nil {
		return nil, &ProcessingError{Message: "process outputs", Cause: err}
	}
	return raw, nil
}

func floatData(v ort.Value) ([]float32, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return t.GetData(), nil
	case *ort.Tensor[float64]:
		data := t.GetData()
		out := make([]float32, len(data))
		for i, d := range data {
			out[i] = float32(d)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected output type %T", v)
	}
}

func labelData(v ort.Value) ([]int64, error) {
	switch t := v.(type) {
	case *ort.Tensor[int64]:
		return append([]int64(nil), t.GetData()...), nil
	case *ort.Tensor[int32]:
		data := t.GetData()
		out := make([]int64, len(data))
		for i, d := range data {
			out[i] = int64(d)
		}
		return out, nil
	default:
		classes, err := floatData(v)
		if err != nil {
			return nil, err
		}
		return floatsToLabels(classes), nil
	}
}

// Infer runs the graph on one image and keeps detections scoring strictly
// above threshold.
func Infer(ctx context.Context, runner Runner, img image.Image, threshold float32, timings *models.ProcessingTimings) ([]models.Detection, error) {
	inferStart := time.Now()
	raw, err := runner.Run(ctx, img)
	if err != nil {
		return nil, err
	}
	postStart := time.Now()
	detections := Filter(raw, threshold)

	if timings != nil {
		timings.Inference = postStart.Sub(inferStart)
		timings.Postprocess = time.Since(postStart)
	}
	return detections, nil
}

// Filter returns the detections whose score is strictly greater than
// threshold, in graph order. NaN scores never pass. The result is never nil.
func Filter(raw *models.RawDetections, threshold float32) []models.Detection {
	detections := make([]models.Detection, 0, raw.Len())
	for i := 0; i < raw.Len(); i++ {
		if !(raw.Scores[i] > threshold) {
			continue
		}
		b := raw.Boxes[i]
		detections = append(detections, models.Detection{
			Score: raw.Scores[i],
			Box:   models.Box{YMin: b[0], XMin: b[1], YMax: b[2], XMax: b[3]},
			Label: raw.Labels[i],
		})
	}
	return detections
}
