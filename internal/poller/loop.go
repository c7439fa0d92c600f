// Package poller drives the client side of detection: a periodic loop that
// captures a frame, asks a detection source for detections and feeds the
// result through a stabilizer.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nutbolt/internal/logger"
	"nutbolt/internal/model"
	"nutbolt/internal/stabilizer"
)

// ErrRunning is returned by Start while the loop is already active.
var ErrRunning = errors.New("detection loop already running")

// Source returns detections for one encoded frame.
type Source interface {
	Detect(ctx context.Context, image []byte, confidence float64) (*model.DetectResponse, error)
}

// FrameSource captures one encoded frame.
type FrameSource interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Result is delivered to the Renderer after every successful cycle.
type Result struct {
	Generation       uint64
	Cycle            uint64
	Raw              []model.Detection
	Stable           []model.Detection
	Counts           map[string]int
	Total            int
	ProcessingTimeMs float64
}

// Renderer receives results. It runs with the loop's lock held so that
// nothing is rendered once Stop has returned; it must not call Start or Stop.
type Renderer func(Result)

// Options configure a Loop.
type Options struct {
	Interval   time.Duration
	Confidence float64 // <= 0 uses the source default
	Stabilizer stabilizer.Config
}

// Loop runs at most one detection request at a time. Every Start begins a
// new generation with a fresh filter; responses from older generations are
// discarded.
type Loop struct {
	source Source
	frames FrameSource
	render Renderer
	opts   Options
	logger *logger.Logger

	mu         sync.Mutex
	active     bool
	generation uint64
	inFlight   bool
	filter     *stabilizer.Filter
	cancel     context.CancelFunc
	done       chan struct{}
	stats      *statsCollector
}

// New validates opts and returns a stopped loop.
func New(source Source, frames FrameSource, render Renderer, opts Options, logger *logger.Logger) (*Loop, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", opts.Interval)
	}
	if err := opts.Stabilizer.Validate(); err != nil {
		return nil, err
	}

	return &Loop{
		source: source,
		frames: frames,
		render: render,
		opts:   opts,
		logger: logger,
		stats:  newStatsCollector(),
	}, nil
}

// Start begins polling. The loop stops when Stop is called or ctx is done.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active {
		return ErrRunning
	}

	filter, err := stabilizer.New(l.opts.Stabilizer)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.filter = filter
	l.generation++
	l.inFlight = false
	l.active = true
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(runCtx, l.generation, l.done)

	l.logger.Info("Detection loop started (generation %d, every %v)", l.generation, l.opts.Interval)
	return nil
}

// Stop halts the timer, cancels the pending request and discards the
// session's history. Late responses are dropped. Stop is a no-op when the
// loop is not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	l.active = false
	l.generation++
	l.filter = nil
	l.cancel()
	done := l.done
	l.mu.Unlock()

	<-done
	l.logger.Info("Detection loop stopped")
}

// Active reports whether the loop is running.
func (l *Loop) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats.snapshot()
}

func (l *Loop) run(ctx context.Context, generation uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	l.tick(ctx, generation)
	for {
		select {
		case <-ctx.Done():
			l.expire(generation, ctx.Err())
			return
		case <-ticker.C:
			l.tick(ctx, generation)
		}
	}
}

// expire ends generation after its context was cancelled from outside.
// After Stop the generation has already moved on and nothing changes.
func (l *Loop) expire(generation uint64, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active || generation != l.generation {
		return
	}
	l.active = false
	l.generation++
	l.filter = nil
	l.cancel()
	l.logger.Info("Detection loop stopped: %v", cause)
}

// tick starts a cycle unless one is still pending.
func (l *Loop) tick(ctx context.Context, generation uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active || generation != l.generation {
		return
	}
	if l.inFlight {
		l.stats.skipped++
		return
	}
	l.inFlight = true

	go l.cycle(ctx, generation)
}

func (l *Loop) cycle(ctx context.Context, generation uint64) {
	frame, err := l.frames.Capture(ctx)
	if err != nil {
		l.complete(generation, nil, fmt.Errorf("capture failed: %w", err))
		return
	}

	response, err := l.source.Detect(ctx, frame, l.opts.Confidence)
	l.complete(generation, response, err)
}

// complete applies a finished cycle if it still belongs to the active generation.
func (l *Loop) complete(generation uint64, response *model.DetectResponse, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active || generation != l.generation {
		l.stats.stale++
		return
	}
	l.inFlight = false

	if err == nil && (response == nil || !response.Success) {
		msg := "empty response"
		if response != nil {
			msg = response.Error
		}
		err = fmt.Errorf("detection source failed: %s", msg)
	}
	if err != nil {
		l.stats.failures++
		l.logger.Warning("Detection cycle failed: %v", err)
		return
	}

	raw, dropped := validDetections(response.Detections)
	if dropped > 0 {
		l.logger.Warning("Dropped %d malformed detection(s)", dropped)
	}

	stable := l.filter.Update(raw)
	counts := model.CountByClass(stable)
	l.stats.record(counts, dropped, response.ProcessingTimeMs)

	if l.render != nil {
		l.render(Result{
			Generation:       generation,
			Cycle:            l.stats.cycles,
			Raw:              raw,
			Stable:           stable,
			Counts:           counts,
			Total:            len(stable),
			ProcessingTimeMs: response.ProcessingTimeMs,
		})
	}
}

// validDetections keeps the detections that pass validation.
func validDetections(detections []model.Detection) ([]model.Detection, int) {
	valid := make([]model.Detection, 0, len(detections))
	for _, d := range detections {
		if d.Validate() != nil {
			continue
		}
		valid = append(valid, d)
	}
	return valid, len(detections) - len(valid)
}
