// Package stabilizer suppresses single-frame detection flicker by keeping
// only detections that were corroborated in recent frames.
package stabilizer

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"nutbolt/internal/model"
)

const (
	DefaultMinFrames    = 2
	DefaultMemoryWindow = 5
	DefaultBoxTolerance = 50.0
)

// ErrInvalidConfig is returned by New for out-of-range settings.
var ErrInvalidConfig = errors.New("invalid stabilizer config")

// Config tunes the filter.
type Config struct {
	MinFrames    int     // frames, including the latest, a detection must appear in
	MemoryWindow int     // history capacity
	BoxTolerance float64 // max per-coordinate pixel deviation for "same object"
}

// DefaultConfig returns minFrames=2, window=5, tolerance=50px.
func DefaultConfig() Config {
	return Config{
		MinFrames:    DefaultMinFrames,
		MemoryWindow: DefaultMemoryWindow,
		BoxTolerance: DefaultBoxTolerance,
	}
}

// Validate checks minFrames >= 1, memoryWindow >= minFrames and tolerance > 0.
func (c Config) Validate() error {
	if c.MinFrames < 1 {
		return fmt.Errorf("%w: min frames must be at least 1, got %d", ErrInvalidConfig, c.MinFrames)
	}
	if c.MemoryWindow < c.MinFrames {
		return fmt.Errorf("%w: memory window %d is smaller than min frames %d", ErrInvalidConfig, c.MemoryWindow, c.MinFrames)
	}
	if !(c.BoxTolerance > 0) || math.IsInf(c.BoxTolerance, 0) {
		return fmt.Errorf("%w: box tolerance must be a positive number, got %v", ErrInvalidConfig, c.BoxTolerance)
	}
	return nil
}

// IsSimilarBox reports whether every coordinate of a and b differs by
// strictly less than tolerance. It does not account for object scale.
func IsSimilarBox(a, b model.BBox, tolerance float64) bool {
	return math.Abs(a.X1-b.X1) < tolerance &&
		math.Abs(a.Y1-b.Y1) < tolerance &&
		math.Abs(a.X2-b.X2) < tolerance &&
		math.Abs(a.Y2-b.Y2) < tolerance
}

// ComputeStableDetections returns the detections of the latest frame in
// history (oldest first) that have a same-class, similar-box match in at
// least minFrames-1 earlier frames. With fewer than minFrames frames the
// latest frame is returned unfiltered.
func ComputeStableDetections(history [][]model.Detection, minFrames int, boxTolerance float64) []model.Detection {
	if len(history) == 0 {
		return []model.Detection{}
	}

	latest := history[len(history)-1]
	if len(history) < minFrames {
		return cloneFrame(latest)
	}

	earlier := history[:len(history)-1]
	stable := make([]model.Detection, 0, len(latest))
	for _, d := range latest {
		matches := 0
		for _, frame := range earlier {
			if frameContains(frame, d, boxTolerance) {
				matches++
			}
		}
		if matches >= minFrames-1 {
			stable = append(stable, d)
		}
	}
	return stable
}

// frameContains stops at the first match so a frame counts at most once.
func frameContains(frame []model.Detection, d model.Detection, tolerance float64) bool {
	for _, other := range frame {
		if other.Class == d.Class && IsSimilarBox(d.BBox, other.BBox, tolerance) {
			return true
		}
	}
	return false
}

func cloneFrame(frame []model.Detection) []model.Detection {
	out := slices.Clone(frame)
	if out == nil {
		out = []model.Detection{}
	}
	return out
}

// Filter owns one session's history and configuration. It is not safe for
// concurrent use; callers run it once per detection cycle.
type Filter struct {
	config  Config
	history *History
}

// New validates config and returns an empty filter.
func New(config Config) (*Filter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Filter{
		config:  config,
		history: NewHistory(config.MemoryWindow),
	}, nil
}

// Config returns the filter settings.
func (f *Filter) Config() Config {
	return f.config
}

// Push appends a frame, evicting the oldest one when the window is full.
func (f *Filter) Push(frame []model.Detection) {
	f.history.Push(frame)
}

// Stable computes the stable set for the current history.
func (f *Filter) Stable() []model.Detection {
	return ComputeStableDetections(f.history.Frames(), f.config.MinFrames, f.config.BoxTolerance)
}

// Update pushes frame and returns the resulting stable set.
func (f *Filter) Update(frame []model.Detection) []model.Detection {
	f.Push(frame)
	return f.Stable()
}

// Len returns the number of frames in history.
func (f *Filter) Len() int {
	return f.history.Len()
}

// History returns a copy of the stored frames, oldest first.
func (f *Filter) History() [][]model.Detection {
	frames := f.history.Frames()
	for i, frame := range frames {
		frames[i] = slices.Clone(frame)
	}
	return frames
}

// Reset clears the history.
func (f *Filter) Reset() {
	f.history.Reset()
}
