// Package main runs the detector on synthetic images that contain no nuts or
// bolts and reports false positives and inference timings per confidence
// threshold.
package main

import (
	"context"
	"fmt"
	"log"
	"maps"
	"math/rand"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"

	"nutbolt/internal/config"
	"nutbolt/internal/logger"
	"nutbolt/internal/model"
	"nutbolt/internal/service/ai"
)

const (
	flagModel      = "model"
	flagThresholds = "thresholds"
	flagSize       = "size"
	flagRuns       = "runs"
	flagImage      = "image"
	flagSeed       = "seed"
)

var app = &cli.App{
	Name:  "diagnose",
	Usage: "check a model for false positives on blank, white, noise and gradient images",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  flagModel,
			Usage: "ONNX model path, defaults to MODEL_PATH",
		},
		&cli.Float64SliceFlag{
			Name:  flagThresholds,
			Usage: "confidence thresholds to test",
			Value: cli.NewFloat64Slice(0.25, 0.45, 0.6, 0.7, 0.8),
		},
		&cli.IntFlag{
			Name:  flagSize,
			Usage: "synthetic image side in pixels",
			Value: 640,
		},
		&cli.IntFlag{
			Name:  flagRuns,
			Usage: "inference runs per image and threshold",
			Value: 3,
		},
		&cli.StringSliceFlag{
			Name:  flagImage,
			Usage: "additional real image files to test",
		},
		&cli.Int64Flag{
			Name:  flagSeed,
			Usage: "seed for the noise image",
			Value: 1,
		},
	},
	Action: diagnose,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type testImage struct {
	name string
	data []byte
	// synthetic images contain no objects, so every detection is a false positive
	synthetic bool
}

func diagnose(c *cli.Context) error {
	cfg := config.Load()
	if path := c.String(flagModel); path != "" {
		cfg.ModelPath = path
	}

	detector := ai.NewDetectorService(cfg, logger.NewWriterLogger(os.Stderr))
	defer detector.Close()
	if !detector.Loaded() {
		return fmt.Errorf("%w: %s", ai.ErrModelNotLoaded, cfg.ModelPath)
	}

	images, err := syntheticImages(c.Int(flagSize), c.Int64(flagSeed))
	if err != nil {
		return err
	}
	for _, path := range c.StringSlice(flagImage) {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		images = append(images, testImage{name: path, data: data})
	}

	out := c.App.Writer
	fmt.Fprintf(out, "Model: %s (input %d, classes %v)\n\n", cfg.ModelPath, cfg.InputSize, cfg.ClassNames)
	fmt.Fprintf(out, "%-24s %6s %6s %-24s %10s %10s\n", "image", "conf", "found", "classes", "mean ms", "std ms")
	fmt.Fprintln(out, strings.Repeat("-", 86))

	falsePositives := 0
	for _, img := range images {
		for _, threshold := range c.Float64Slice(flagThresholds) {
			detections, timings, err := run(c.Context, detector, img.data, threshold, c.Int(flagRuns))
			if err != nil {
				return fmt.Errorf("%s at %.2f: %w", img.name, threshold, err)
			}
			if img.synthetic {
				falsePositives += len(detections)
			}

			stdDev := 0.0
			if len(timings) > 1 {
				stdDev = stat.StdDev(timings, nil)
			}
			fmt.Fprintf(out, "%-24s %6.2f %6d %-24s %10.1f %10.1f\n",
				img.name, threshold, len(detections), summarize(detections), stat.Mean(timings, nil), stdDev)
		}
	}

	fmt.Fprintln(out)
	if falsePositives > 0 {
		fmt.Fprintf(out, "%d false positive(s) on synthetic images. Raise CONFIDENCE_THRESHOLD or MIN_BOX_SIZE.\n", falsePositives)
	} else {
		fmt.Fprintln(out, "No false positives on synthetic images.")
	}
	return nil
}

// run infers runs times and returns the last detections with per-run timings.
func run(ctx context.Context, detector *ai.DetectorService, data []byte, confidence float64, runs int) ([]model.Detection, []float64, error) {
	if runs < 1 {
		runs = 1
	}

	var detections []model.Detection
	timings := make([]float64, 0, runs)
	for i := 0; i < runs; i++ {
		start := time.Now()
		result, err := detector.Detect(ctx, data, confidence)
		if err != nil {
			return nil, nil, err
		}
		timings = append(timings, float64(time.Since(start).Microseconds())/1000)
		detections = result.Detections
	}
	return detections, timings, nil
}

func summarize(detections []model.Detection) string {
	counts := model.CountByClass(detections)
	if len(counts) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(counts))
	for _, class := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s=%d", class, counts[class]))
	}
	return strings.Join(parts, ",")
}

// syntheticImages builds JPEG encoded black, white, noise and gradient
// images of size x size.
func syntheticImages(size int, seed int64) ([]testImage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", size)
	}

	rng := rand.New(rand.NewSource(seed))
	pixels := size * size * 3

	black := make([]byte, pixels)
	white := make([]byte, pixels)
	noise := make([]byte, pixels)
	gradient := make([]byte, pixels)
	for i := range white {
		white[i] = 255
	}
	rng.Read(noise)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := byte((x + y) * 255 / (2 * size))
			i := (y*size + x) * 3
			gradient[i], gradient[i+1], gradient[i+2] = v, v, v
		}
	}

	sources := []struct {
		name   string
		pixels []byte
	}{
		{"black", black},
		{"white", white},
		{"noise", noise},
		{"gradient", gradient},
	}

	images := make([]testImage, 0, len(sources))
	for _, src := range sources {
		data, err := encodeJPEG(src.pixels, size)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s image: %w", src.name, err)
		}
		images = append(images, testImage{name: src.name, data: data, synthetic: true})
	}
	return images, nil
}

func encodeJPEG(pixels []byte, size int) ([]byte, error) {
	mat, err := gocv.NewMatFromBytes(size, size, gocv.MatTypeCV8UC3, pixels)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}
