package crops

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Tutortoise/record-detector/models"

	"github.com/disintegration/imaging"
)

const (
	// DefaultTargetClass is "eye" in the default category index.
	DefaultTargetClass = 2

	DefaultVerticalScale   = 1.6
	DefaultHorizontalScale = 2.0

	// pixelEpsilon absorbs float32 noise before truncating to pixel indices.
	pixelEpsilon = 1e-3
)

// Expand keeps the box center and scales its half height by vScale and its
// half width by hScale.
func Expand(box models.Box, vScale, hScale float64) models.Box {
	vCenter := (float64(box.YMax) + float64(box.YMin)) / 2
	hCenter := (float64(box.XMax) + float64(box.XMin)) / 2
	halfHeight := (float64(box.YMax) - float64(box.YMin)) / 2
	halfWidth := (float64(box.XMax) - float64(box.XMin)) / 2

	return models.Box{
		YMin: float32(vCenter - vScale*halfHeight),
		XMin: float32(hCenter - hScale*halfWidth),
		YMax: float32(vCenter + vScale*halfHeight),
		XMax: float32(hCenter + hScale*halfWidth),
	}
}

// PixelRect converts a normalized box to pixel indices of an image with the
// given size: coordinates are multiplied by the dimension, truncated, and
// clamped to [0, dim]. ok is false when nothing of the box lies in the image.
func PixelRect(box models.Box, height, width int) (image.Rectangle, bool) {
	y0 := toPixel(box.YMin, height)
	y1 := toPixel(box.YMax, height)
	x0 := toPixel(box.XMin, width)
	x1 := toPixel(box.XMax, width)

	r := image.Rect(x0, y0, x1, y1)
	return r, !r.Empty()
}

func toPixel(v float32, dim int) int {
	p := math.Floor(float64(v)*float64(dim) + pixelEpsilon)
	if p < 0 {
		return 0
	}
	if p > float64(dim) {
		return dim
	}
	return int(p)
}

// Extractor crops expanded regions around detections of one class.
type Extractor struct {
	TargetClass     int64
	VerticalScale   float64
	HorizontalScale float64

	// OutputDir receives crop files. Empty means next to the source image.
	OutputDir string

	mu   sync.Mutex
	next map[string]int
}

func NewExtractor() *Extractor {
	return &Extractor{
		TargetClass:     DefaultTargetClass,
		VerticalScale:   DefaultVerticalScale,
		HorizontalScale: DefaultHorizontalScale,
	}
}

// Crops returns one sub-image per detection of the target class whose
// expanded box overlaps the image, in detection order.
func (e *Extractor) Crops(img image.Image, detections []models.Detection) []image.Image {
	bounds := img.Bounds()
	var crops []image.Image

	for _, d := range detections {
		if d.Label != e.TargetClass {
			continue
		}
		rect, ok := PixelRect(Expand(d.Box, e.VerticalScale, e.HorizontalScale), bounds.Dy(), bounds.Dx())
		if !ok {
			continue
		}
		crops = append(crops, imaging.Crop(img, rect.Add(bounds.Min)))
	}
	return crops
}

// Save writes the crops of one source image as <stem>_<n>.png and returns
// the written paths. n counts from 0 per output name, and keeps counting
// across calls, so sources sharing a stem in one OutputDir get distinct files.
func (e *Extractor) Save(img image.Image, detections []models.Detection, sourcePath string) ([]string, error) {
	crops := e.Crops(img, detections)
	if len(crops) == 0 {
		return nil, nil
	}

	dir := e.OutputDir
	if dir == "" {
		dir = filepath.Dir(sourcePath)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create crop dir: %w", err)
	}

	first := e.reserve(CropPath(dir, sourcePath, 0), len(crops))

	paths := make([]string, 0, len(crops))
	for i, c := range crops {
		path := CropPath(dir, sourcePath, first+i)
		if err := imaging.Save(c, path); err != nil {
			return paths, fmt.Errorf("save crop %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// reserve hands out count consecutive indices for the output name key.
func (e *Extractor) reserve(key string, count int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.next == nil {
		e.next = make(map[string]int)
	}
	first := e.next[key]
	e.next[key] = first + count
	return first
}

// CropPath returns dir/<stem of source>_<index>.png.
func CropPath(dir, sourcePath string, index int) string {
	base := filepath.Base(sourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, fmt.Sprintf("%s_%d.png", stem, index))
}
