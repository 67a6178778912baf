package models

import (
	"fmt"
	"time"
)

// Box is a normalized bounding box, every coordinate in [0, 1].
type Box struct {
	YMin float32 `json:"ymin"`
	XMin float32 `json:"xmin"`
	YMax float32 `json:"ymax"`
	XMax float32 `json:"xmax"`
}

type Detection struct {
	Score float32 `json:"score"`
	Box   Box     `json:"box"`
	Label int64   `json:"label"`
}

// RawDetections holds the graph outputs cut to the detection count, before
// any score filtering. Boxes are ordered (ymin, xmin, ymax, xmax).
type RawDetections struct {
	Boxes  [][4]float32
	Scores []float32
	Labels []int64
}

func (r *RawDetections) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Scores)
}

type Category struct {
	ID   int64  `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type CategoryIndex map[int64]Category

func NewCategoryIndex(categories []Category) CategoryIndex {
	index := make(CategoryIndex, len(categories))
	for _, c := range categories {
		index[c.ID] = c
	}
	return index
}

// Name returns the display name for a class id, or "class <id>" when unknown.
func (c CategoryIndex) Name(id int64) string {
	if cat, ok := c[id]; ok && cat.Name != "" {
		return cat.Name
	}
	return fmt.Sprintf("class %d", id)
}

type ProcessingTimings struct {
	RunID       string
	Record      int
	ImageDecode time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Write       time.Duration
	Total       time.Duration
}
