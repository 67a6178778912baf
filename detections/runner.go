package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/Tutortoise/record-detector/models"

	"github.com/sirupsen/logrus"
)

// Runner executes a loaded detection graph on one image at a time. The graph
// and its weights are shared read-only by every call.
type Runner interface {
	Run(ctx context.Context, img image.Image) (*models.RawDetections, error)
	Destroy()
}

type TensorNames struct {
	Image         string `yaml:"image"`
	Boxes         string `yaml:"boxes"`
	Scores        string `yaml:"scores"`
	Classes       string `yaml:"classes"`
	NumDetections string `yaml:"num_detections"`
}

func DefaultTensorNames() TensorNames {
	return TensorNames{
		Image:         DefaultImageTensor,
		Boxes:         DefaultBoxesTensor,
		Scores:        DefaultScoresTensor,
		Classes:       DefaultClassesTensor,
		NumDetections: DefaultNumDetectionsTensor,
	}
}

type RunnerOptions struct {
	Backend   string
	GraphPath string
	Tensors   TensorNames

	// OverrideNumDetections fixes the detection count instead of reading the
	// graph's num_detections output. Nil means use the graph's count.
	OverrideNumDetections *int

	Threads int
	Logger  logrus.FieldLogger
}

var ErrBackendUnavailable = errors.New("detection backend not available in this build")

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// NewRunner loads the graph for the configured backend. Any failure to read
// or parse the graph is returned before inference can start.
func NewRunner(opts RunnerOptions) (Runner, error) {
	if opts.Tensors == (TensorNames{}) {
		opts.Tensors = DefaultTensorNames()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	switch opts.Backend {
	case "", BackendONNX:
		session, err := NewModelSession(opts)
		if err != nil {
			return nil, err
		}
		return session, nil
	case BackendTensorFlow:
		return newGraphSession(opts)
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

// splitTensorName splits "op:index" into its operation name and output index.
func splitTensorName(name string) (string, int, error) {
	i := strings.LastIndexByte(name, ':')
	if i < 0 {
		return name, 0, nil
	}
	index, err := strconv.Atoi(name[i+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("invalid tensor name %q", name)
	}
	return name[:i], index, nil
}

// assemble cuts flat graph outputs to count rows and copies them out of the
// runtime-owned buffers.
func assemble(boxes, scores []float32, labels []int64, count int) (*models.RawDetections, error) {
	rows := len(scores)
	if len(boxes) < rows*4 || len(labels) < rows {
		return nil, fmt.Errorf("inconsistent outputs: %d boxes values, %d scores, %d labels",
			len(boxes), len(scores), len(labels))
	}
	if count < 0 {
		count = 0
	}
	if count > rows {
		count = rows
	}

	raw := &models.RawDetections{
		Boxes:  make([][4]float32, count),
		Scores: make([]float32, count),
		Labels: make([]int64, count),
	}
	for i := 0; i < count; i++ {
		copy(raw.Boxes[i][:], boxes[i*4:i*4+4])
	}
	copy(raw.Scores, scores[:count])
	copy(raw.Labels, labels[:count])
	return raw, nil
}

func floatsToLabels(classes []float32) []int64 {
	labels := make([]int64, len(classes))
	for i, c := range classes {
		labels[i] = int64(c)
	}
	return labels
}
