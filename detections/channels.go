package detections

import (
	"image"
	"runtime"
	"sync"
)

// packPixels lays an image out as a height×width×3 uint8 buffer (RGB,
// interleaved), the layout the detection graph's image_tensor expects. Rows
// are split across workers.
func packPixels(img image.Image) ([]uint8, int, int) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	buffer := make([]uint8, width*height*3)
	if width == 0 || height == 0 {
		return buffer, height, width
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > height {
		numWorkers = height
	}
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = height
		}

		go func(start, end int) {
			defer wg.Done()
			packRows(img, buffer, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
	return buffer, height, width
}

func packRows(img image.Image, buffer []uint8, start, end int) {
	bounds := img.Bounds()
	width := bounds.Dx()

	switch src := img.(type) {
	case *image.NRGBA:
		for y := start; y < end; y++ {
			row := src.Pix[src.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
			dst := buffer[y*width*3 : (y+1)*width*3]
			for x := 0; x < width; x++ {
				dst[x*3] = row[x*4]
				dst[x*3+1] = row[x*4+1]
				dst[x*3+2] = row[x*4+2]
			}
		}
	default:
		for y := start; y < end; y++ {
			offset := y * width * 3
			for x := 0; x < width; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				i := offset + x*3
				buffer[i] = uint8(r >> 8)
				buffer[i+1] = uint8(g >> 8)
				buffer[i+2] = uint8(b >> 8)
			}
		}
	}
}
