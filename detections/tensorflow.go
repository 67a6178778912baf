//go:build tensorflow
// +build tensorflow

package detections

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"

	"github.com/Tutortoise/record-detector/models"

	tf "github.com/galeone/tensorflow/tensorflow/go"
	"github.com/sirupsen/logrus"
)

// GraphSession runs a frozen TensorFlow GraphDef with libtensorflow.
type GraphSession struct {
	graph    *tf.Graph
	session  *tf.Session
	input    tf.Output
	fetches  []tf.Output
	override *int
}

func newGraphSession(opts RunnerOptions) (Runner, error) {
	def, err := os.ReadFile(opts.GraphPath)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}

	graph := tf.NewGraph()
	if err := graph.Import(def, ""); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}

	input, err := graphOutput(graph, opts.Tensors.Image)
	if err != nil {
		return nil, err
	}

	names := []string{opts.Tensors.Boxes, opts.Tensors.Scores, opts.Tensors.Classes}
	if opts.OverrideNumDetections == nil {
		names = append(names, opts.Tensors.NumDetections)
	}
	fetches := make([]tf.Output, len(names))
	for i, name := range names {
		if fetches[i], err = graphOutput(graph, name); err != nil {
			return nil, err
		}
	}

	session, err := tf.NewSession(graph, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"backend": BackendTensorFlow,
		"graph":   opts.GraphPath,
		"cpu":     CPUFeatures(),
	}).Info("detection graph loaded")

	return &GraphSession{
		graph:    graph,
		session:  session,
		input:    input,
		fetches:  fetches,
		override: opts.OverrideNumDetections,
	}, nil
}

func graphOutput(graph *tf.Graph, name string) (tf.Output, error) {
	opName, index, err := splitTensorName(name)
	if err != nil {
		return tf.Output{}, err
	}
	op := graph.Operation(opName)
	if op == nil {
		return tf.Output{}, fmt.Errorf("graph has no operation %q", opName)
	}
	return op.Output(index), nil
}

func (g *GraphSession) Destroy() {
	if g.session != nil {
		g.session.Close()
	}
}

func (g *GraphSession) Run(ctx context.Context, img image.Image) (*models.RawDetections, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pixels, height, width := packPixels(img)
	input, err := tf.ReadTensor(tf.Uint8, []int64{1, int64(height), int64(width), 3}, bytes.NewReader(pixels))
	if err != nil {
		return nil, &ProcessingError{Message: "create input tensor", Cause: err}
	}

	results, err := g.session.Run(map[tf.Output]*tf.Tensor{g.input: input}, g.fetches, nil)
	if err != nil {
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}

	boxes, ok := results[0].Value().([][][]float32)
	if !ok || len(boxes) == 0 {
		return nil, &ProcessingError{Message: fmt.Sprintf("unexpected boxes output %T", results[0].Value())}
	}
	scores, ok := results[1].Value().([][]float32)
	if !ok || len(scores) == 0 {
		return nil, &ProcessingError{Message: fmt.Sprintf("unexpected scores output %T", results[1].Value())}
	}
	classes, ok := results[2].Value().([][]float32)
	if !ok || len(classes) == 0 {
		return nil, &ProcessingError{Message: fmt.Sprintf("unexpected classes output %T", results[2].Value())}
	}

	count := len(scores[0])
	if g.override != nil {
		count = *g.override
	} else {
		num, ok := results[3].Value().([]float32)
		if !ok || len(num) == 0 {
			return nil, &ProcessingError{Message: fmt.Sprintf("unexpected num_detections output %T", results[3].Value())}
		}
		count = int(num[0])
	}

	flat := make([]float32, 0, len(boxes[0])*4)
	for _, b := range boxes[0] {
		flat = append(flat, b...)
	}

	raw, err := assemble(flat, scores[0], floatsToLabels(classes[0]), count)
	if err != nil {
		return nil, &ProcessingError{Message: "process outputs", Cause: err}
	}
	return raw, nil
}
