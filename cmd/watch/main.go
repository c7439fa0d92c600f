// Package main runs the detection loop headless against a detection server
// and prints stable nut and bolt counts.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"nutbolt/internal/client"
	"nutbolt/internal/logger"
	"nutbolt/internal/poller"
	"nutbolt/internal/stabilizer"
)

const (
	flagServer       = "server"
	flagCamera       = "camera"
	flagDir          = "dir"
	flagInterval     = "interval"
	flagTimeout      = "timeout"
	flagConfidence   = "confidence"
	flagMinFrames    = "min-frames"
	flagMemoryWindow = "memory-window"
	flagTolerance    = "tolerance"
	flagCycles       = "cycles"
	flagVerbose      = "verbose"
)

var app = &cli.App{
	Name:  "watch",
	Usage: "poll a detection server with camera or directory frames and print stable counts",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    flagServer,
			Usage:   "detection server base URL",
			Value:   "http://localhost:5000",
			EnvVars: []string{"DETECTION_SERVER"},
		},
		&cli.StringFlag{
			Name:  flagCamera,
			Usage: "capture device id or stream URL",
			Value: "0",
		},
		&cli.StringFlag{
			Name:  flagDir,
			Usage: "replay images from this directory instead of a camera",
		},
		&cli.DurationFlag{
			Name:  flagInterval,
			Usage: "time between detection requests",
			Value: time.Second,
		},
		&cli.DurationFlag{
			Name:  flagTimeout,
			Usage: "per-request timeout",
			Value: 10 * time.Second,
		},
		&cli.Float64Flag{
			Name:  flagConfidence,
			Usage: "confidence override, 0 uses the server default",
		},
		&cli.IntFlag{
			Name:  flagMinFrames,
			Usage: "frames a detection must appear in to be stable",
			Value: stabilizer.DefaultMinFrames,
		},
		&cli.IntFlag{
			Name:  flagMemoryWindow,
			Usage: "number of recent frames kept",
			Value: stabilizer.DefaultMemoryWindow,
		},
		&cli.Float64Flag{
			Name:  flagTolerance,
			Usage: "max per-coordinate pixel difference for the same object",
			Value: stabilizer.DefaultBoxTolerance,
		},
		&cli.IntFlag{
			Name:  flagCycles,
			Usage: "stop after this many successful cycles, 0 runs until interrupted",
		},
		&cli.BoolFlag{
			Name:  flagVerbose,
			Usage: "log loop warnings to stderr",
		},
	},
	Action: watch,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func watch(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	frames, closeFrames, err := openFrames(c)
	if err != nil {
		return err
	}
	defer closeFrames()

	var logOutput io.Writer = io.Discard
	if c.Bool(flagVerbose) {
		logOutput = os.Stderr
	}
	loopLogger := logger.NewWriterLogger(logOutput)

	detectionClient := client.New(c.String(flagServer), c.Duration(flagTimeout))
	health, err := detectionClient.Health(ctx)
	if err != nil {
		return fmt.Errorf("detection server unreachable: %w", err)
	}
	if !health.ModelLoaded {
		fmt.Fprintln(c.App.ErrWriter, "warning: server reports model not loaded, every cycle will fail")
	}

	maxCycles := uint64(c.Int(flagCycles))
	finished := make(chan struct{})
	var once sync.Once

	render := func(r poller.Result) {
		fmt.Fprintf(c.App.Writer, "[%s] cycle %d: raw=%d stable=%d %s (%.1fms)\n",
			time.Now().Format("15:04:05"), r.Cycle, len(r.Raw), r.Total, formatCounts(r.Counts), r.ProcessingTimeMs)
		if maxCycles > 0 && r.Cycle >= maxCycles {
			once.Do(func() { close(finished) })
		}
	}

	loop, err := poller.New(detectionClient, frames, render, poller.Options{
		Interval:   c.Duration(flagInterval),
		Confidence: c.Float64(flagConfidence),
		Stabilizer: stabilizer.Config{
			MinFrames:    c.Int(flagMinFrames),
			MemoryWindow: c.Int(flagMemoryWindow),
			BoxTolerance: c.Float64(flagTolerance),
		},
	}, loopLogger)
	if err != nil {
		return err
	}

	if err := loop.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-finished:
	}
	loop.Stop()

	stats := loop.Stats()
	fmt.Fprintf(c.App.Writer, "\ncycles=%d failures=%d skipped=%d stale=%d dropped=%d\n",
		stats.Cycles, stats.Failures, stats.Skipped, stats.Stale, stats.Dropped+uint64(detectionClient.Dropped()))
	if stats.ProcessingSamples > 0 {
		fmt.Fprintf(c.App.Writer, "server processing: mean %.1fms, p95 %.1fms over %d samples\n",
			stats.MeanProcessingMs, stats.P95ProcessingMs, stats.ProcessingSamples)
	}
	fmt.Fprintf(c.App.Writer, "last stable counts: %s\n", formatCounts(stats.StableCounts))
	return nil
}

func openFrames(c *cli.Context) (poller.FrameSource, func(), error) {
	if dir := c.String(flagDir); dir != "" {
		frames, err := poller.NewDirectoryFrames(dir)
		if err != nil {
			return nil, nil, err
		}
		return frames, func() {}, nil
	}

	camera, err := poller.OpenCamera(c.String(flagCamera))
	if err != nil {
		return nil, nil, errors.Join(err, errors.New("use --dir to replay images instead"))
	}
	return camera, func() { camera.Close() }, nil
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, name := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[name]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
