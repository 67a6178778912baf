package detections

import (
	"github.com/Tutortoise/record-detector/models"
	"github.com/Tutortoise/record-detector/records"
)

// AnnotateExample writes the detections into the record's detection fields,
// replacing any previous values. All six arrays have len(detections)
// entries. With discardPixels the encoded image is dropped from the record.
func AnnotateExample(ex *records.Example, detections []models.Detection, discardPixels bool) {
	n := len(detections)
	scores := make([]float32, n)
	ymins := make([]float32, n)
	xmins := make([]float32, n)
	ymaxs := make([]float32, n)
	xmaxs := make([]float32, n)
	labels := make([]int64, n)

	for i, d := range detections {
		scores[i] = d.Score
		ymins[i] = d.Box.YMin
		xmins[i] = d.Box.XMin
		ymaxs[i] = d.Box.YMax
		xmaxs[i] = d.Box.XMax
		labels[i] = d.Label
	}

	ex.Set(records.FieldDetectionScore, records.FloatFeature(scores...))
	ex.Set(records.FieldDetectionYMin, records.FloatFeature(ymins...))
	ex.Set(records.FieldDetectionXMin, records.FloatFeature(xmins...))
	ex.Set(records.FieldDetectionYMax, records.FloatFeature(ymaxs...))
	ex.Set(records.FieldDetectionXMax, records.FloatFeature(xmaxs...))
	ex.Set(records.FieldDetectionLabel, records.Int64Feature(labels...))

	if discardPixels {
		ex.Delete(records.FieldImageEncoded)
	}
}
