package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/Tutortoise/record-detector/config"
	"github.com/Tutortoise/record-detector/detections"
	"github.com/Tutortoise/record-detector/models"
	"github.com/Tutortoise/record-detector/records"
	"github.com/Tutortoise/record-detector/visualize"

	"github.com/sirupsen/logrus"
)

// Pipeline drives one runner over records or image files, one input at a time.
type Pipeline struct {
	Runner     detections.Runner
	Config     *config.Config
	Categories models.CategoryIndex
	Logger     logrus.FieldLogger
	RunID      string
}

func NewPipeline(runner detections.Runner, cfg *config.Config, logger logrus.FieldLogger, runID string) *Pipeline {
	return &Pipeline{
		Runner:     runner,
		Config:     cfg,
		Categories: cfg.CategoryIndex(),
		Logger:     logger.WithField("run", runID),
		RunID:      runID,
	}
}

type detectionResult struct {
	Score float32 `json:"score"`
	YMin  float32 `json:"ymin"`
	XMin  float32 `json:"xmin"`
	YMax  float32 `json:"ymax"`
	XMax  float32 `json:"xmax"`
	Label int64   `json:"label"`
	Name  string  `json:"name"`
}

type imageResult struct {
	File       string            `json:"file"`
	Detections []detectionResult `json:"detections"`
}

// AnnotateRecords reads every record of the input files in order, adds the
// detections, and writes the records to output. A record that cannot be
// parsed or decoded stops the run; the records before it are still flushed
// to output and their count is returned.
func (p *Pipeline) AnnotateRecords(ctx context.Context, inputs []string, output string) (int, error) {
	f, err := os.Create(output)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}

	buf := bufio.NewWriter(f)
	written, stats, err := p.annotateAll(ctx, inputs, records.NewWriter(buf))

	if flushErr := buf.Flush(); flushErr != nil && err == nil {
		err = fmt.Errorf("flush output: %w", flushErr)
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close output: %w", closeErr)
	}
	if err != nil {
		return written, err
	}

	p.Logger.WithFields(logrus.Fields{
		"records":    written,
		"output":     output,
		"max_queued": stats.MaxQueued,
		"prefetch":   stats.Depth,
	}).Info("annotation finished")
	return written, nil
}

func (p *Pipeline) annotateAll(ctx context.Context, inputs []string, writer *records.Writer) (int, records.PrefetchStats, error) {
	prefetch := records.NewPrefetcher(inputs, p.Config.Prefetch)
	prefetch.Start(ctx)
	defer prefetch.Close()

	written := 0
	for {
		item, err := prefetch.Next(ctx)
		if errors.Is(err, io.EOF) {
			return written, prefetch.Stats(), nil
		}
		if err != nil {
			return written, prefetch.Stats(), err
		}

		if err := p.annotateRecord(ctx, item, writer, written); err != nil {
			return written, prefetch.Stats(), fmt.Errorf("%s record %d: %w", item.Path, item.Index, err)
		}
		written++
	}
}

func (p *Pipeline) annotateRecord(ctx context.Context, item records.Item, writer *records.Writer, n int) error {
	start := time.Now()
	timings := &models.ProcessingTimings{RunID: p.RunID, Record: n}

	ex, err := records.UnmarshalExample(item.Data)
	if err != nil {
		return err
	}

	decodeStart := time.Now()
	img, err := records.DecodeImage(ex)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return err
	}

	dets, err := detections.Infer(ctx, p.Runner, img, p.Config.Threshold, timings)
	if err != nil {
		return err
	}
	p.overlay(img, dets)

	detections.AnnotateExample(ex, dets, p.Config.DiscardPixels)

	writeStart := time.Now()
	if err := writer.Write(ex.Marshal()); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	timings.Write = time.Since(writeStart)
	timings.Total = time.Since(start)

	p.logTimings(timings, records.SourceName(ex, item.Path), len(dets))
	return nil
}

// DetectImages writes one JSON line per image file with the detections that
// passed the threshold.
func (p *Pipeline) DetectImages(ctx context.Context, paths []string, out io.Writer) error {
	enc := json.NewEncoder(out)

	for n, path := range paths {
		img, dets, err := p.detectFile(ctx, path, n)
		if err != nil {
			return err
		}
		p.overlay(img, dets)

		result := imageResult{File: path, Detections: make([]detectionResult, 0, len(dets))}
		for _, d := range dets {
			result.Detections = append(result.Detections, detectionResult{
				Score: d.Score,
				YMin:  d.Box.YMin,
				XMin:  d.Box.XMin,
				YMax:  d.Box.YMax,
				XMax:  d.Box.XMax,
				Label: d.Label,
				Name:  p.Categories.Name(d.Label),
			})
		}
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return nil
}

// CropImages saves target class crops for every image file and returns the
// written paths.
func (p *Pipeline) CropImages(ctx context.Context, paths []string) ([]string, error) {
	extractor := p.Config.Extractor()
	var saved []string

	for n, path := range paths {
		img, dets, err := p.detectFile(ctx, path, n)
		if err != nil {
			return saved, err
		}
		p.overlay(img, dets)

		files, err := extractor.Save(img, dets, path)
		saved = append(saved, files...)
		if err != nil {
			return saved, err
		}
		p.Logger.WithFields(logrus.Fields{
			"file":  path,
			"crops": len(files),
		}).Debug("crops saved")
	}
	return saved, nil
}

func (p *Pipeline) detectFile(ctx context.Context, path string, n int) (image.Image, []models.Detection, error) {
	start := time.Now()
	timings := &models.ProcessingTimings{RunID: p.RunID, Record: n}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read image: %w", err)
	}

	decodeStart := time.Now()
	img, err := records.DecodeBytes(data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	dets, err := detections.Infer(ctx, p.Runner, img, p.Config.Threshold, timings)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	timings.Total = time.Since(start)

	p.logTimings(timings, path, len(dets))
	return img, dets, nil
}

// overlay saves a debug rendering of the detections when enabled. Failures
// are logged and do not stop the run.
func (p *Pipeline) overlay(img image.Image, dets []models.Detection) {
	if !p.Config.Visualize.Enabled {
		return
	}

	annotated := visualize.Draw(img, dets, p.Categories, p.Config.VisualizeOptions())
	path, err := visualize.SaveOverlay(p.Config.Visualize.Dir, annotated)
	if err != nil {
		p.Logger.WithError(err).Warn("overlay not saved")
		return
	}
	p.Logger.WithField("path", path).Debug("overlay saved")
}

func (p *Pipeline) logTimings(t *models.ProcessingTimings, source string, found int) {
	p.Logger.WithFields(logrus.Fields{
		"record":      t.Record,
		"source":      source,
		"detections":  found,
		"decode":      t.ImageDecode,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"write":       t.Write,
		"total":       t.Total,
	}).Debug("processing times")
}
