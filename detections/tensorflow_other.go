//go:build !tensorflow
// +build !tensorflow

package detections

import "fmt"

func newGraphSession(opts RunnerOptions) (Runner, error) {
	// Built without libtensorflow; rebuild with -tags tensorflow.
	return nil, fmt.Errorf("%s: %w", BackendTensorFlow, ErrBackendUnavailable)
}
