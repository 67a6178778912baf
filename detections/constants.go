package detections

const (
	DefaultScoreThreshold = 0.5

	BackendONNX       = "onnx"
	BackendTensorFlow = "tensorflow"
)

// Tensor names exported by the object detection inference graphs.
const (
	DefaultImageTensor         = "image_tensor:0"
	DefaultBoxesTensor         = "detection_boxes:0"
	DefaultScoresTensor        = "detection_scores:0"
	DefaultClassesTensor       = "detection_classes:0"
	DefaultNumDetectionsTensor = "num_detections:0"
)
