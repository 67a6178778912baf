package visualize

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"time"

	"github.com/Tutortoise/record-detector/models"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultMaxBoxes = 20
	lineThickness   = 3
)

var palette = []color.NRGBA{
	{R: 0x7F, G: 0xFF, B: 0x00, A: 0xFF},
	{R: 0xFF, G: 0x45, B: 0x00, A: 0xFF},
	{R: 0x1E, G: 0x90, B: 0xFF, A: 0xFF},
	{R: 0xFF, G: 0xD7, B: 0x00, A: 0xFF},
	{R: 0xDA, G: 0x70, B: 0xD6, A: 0xFF},
	{R: 0x00, G: 0xCE, B: 0xD1, A: 0xFF},
}

type Options struct {
	// MaxBoxes caps how many detections are drawn, in the order given.
	MaxBoxes   int
	SkipScores bool
	SkipLabels bool
}

func DefaultOptions() Options {
	return Options{MaxBoxes: DefaultMaxBoxes}
}

// ColorFor returns the box color of a class.
func ColorFor(label int64) color.NRGBA {
	i := label % int64(len(palette))
	if i < 0 {
		i += int64(len(palette))
	}
	return palette[i]
}

// Draw returns a copy of img with the detections drawn on top. The source
// image is left untouched.
func Draw(img image.Image, detections []models.Detection, categories models.CategoryIndex, opts Options) *image.NRGBA {
	out := imaging.Clone(img)
	bounds := out.Bounds()
	h, w := bounds.Dy(), bounds.Dx()

	limit := opts.MaxBoxes
	if limit <= 0 || limit > len(detections) {
		limit = len(detections)
	}

	for _, d := range detections[:limit] {
		col := ColorFor(d.Label)
		y1 := int(d.Box.YMin * float32(h))
		x1 := int(d.Box.XMin * float32(w))
		y2 := int(d.Box.YMax * float32(h))
		x2 := int(d.Box.XMax * float32(w))

		drawRect(out, y1, x1, y2, x2, col)

		if text := caption(d, categories, opts); text != "" {
			drawLabel(out, x1, y1, text, col)
		}
	}
	return out
}

func caption(d models.Detection, categories models.CategoryIndex, opts Options) string {
	switch {
	case opts.SkipLabels && opts.SkipScores:
		return ""
	case opts.SkipLabels:
		return fmt.Sprintf("%d%%", int(d.Score*100))
	case opts.SkipScores:
		return categories.Name(d.Label)
	default:
		return fmt.Sprintf("%s: %d%%", categories.Name(d.Label), int(d.Score*100))
	}
}

func drawRect(img *image.NRGBA, y1, x1, y2, x2 int, col color.Color) {
	bounds := img.Bounds()

	setPixel := func(x, y int) {
		if x >= bounds.Min.X && x < bounds.Max.X && y >= bounds.Min.Y && y < bounds.Max.Y {
			img.Set(x, y, col)
		}
	}

	for t := 0; t < lineThickness; t++ {
		for x := x1; x <= x2; x++ {
			setPixel(x, y1+t)
			setPixel(x, y2-t)
		}
		for y := y1; y <= y2; y++ {
			setPixel(x1+t, y)
			setPixel(x2-t, y)
		}
	}
}

// drawLabel writes text on a filled strip above the box, or inside it when
// the box touches the top edge.
func drawLabel(img *image.NRGBA, x, y int, text string, bg color.NRGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}

	width := d.MeasureString(text).Ceil() + 4
	height := face.Height + 2
	top := y - height
	if top < img.Bounds().Min.Y {
		top = y
	}

	strip := image.Rect(x, top, x+width, top+height).Intersect(img.Bounds())
	draw.Draw(img, strip, image.NewUniform(bg), image.Point{}, draw.Src)

	d.Dot = fixed.P(x+2, top+face.Ascent+1)
	d.DrawString(text)
}

// SaveOverlay writes img into dir as overlay_<unix-nanos>.png and returns
// the path.
func SaveOverlay(dir string, img image.Image) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("overlay directory not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create overlay dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("overlay_%d.png", time.Now().UnixNano()))
	if err := imaging.Save(img, path); err != nil {
		return "", fmt.Errorf("save overlay: %w", err)
	}
	return path, nil
}
