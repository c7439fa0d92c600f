package poller

import (
	"maps"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// timingWindow bounds the processing-time samples kept for statistics.
const timingWindow = 100

// Stats summarizes a loop's activity across all generations.
type Stats struct {
	Cycles            uint64
	Failures          uint64
	Skipped           uint64 // ticks that fired while a request was pending
	Stale             uint64 // responses discarded after Stop
	Dropped           uint64 // malformed detections
	StableCounts      map[string]int
	MeanProcessingMs  float64
	P95ProcessingMs   float64
	ProcessingSamples int
}

type statsCollector struct {
	cycles   uint64
	failures uint64
	skipped  uint64
	stale    uint64
	dropped  uint64
	counts   map[string]int
	timings  []float64
	next     int
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		counts:  map[string]int{},
		timings: make([]float64, 0, timingWindow),
	}
}

func (s *statsCollector) record(counts map[string]int, dropped int, processingMs float64) {
	s.cycles++
	s.dropped += uint64(dropped)
	s.counts = maps.Clone(counts)

	if len(s.timings) < timingWindow {
		s.timings = append(s.timings, processingMs)
		return
	}
	s.timings[s.next] = processingMs
	s.next = (s.next + 1) % timingWindow
}

func (s *statsCollector) snapshot() Stats {
	out := Stats{
		Cycles:            s.cycles,
		Failures:          s.failures,
		Skipped:           s.skipped,
		Stale:             s.stale,
		Dropped:           s.dropped,
		StableCounts:      maps.Clone(s.counts),
		ProcessingSamples: len(s.timings),
	}
	if len(s.timings) == 0 {
		return out
	}

	sorted := slices.Clone(s.timings)
	slices.Sort(sorted)
	out.MeanProcessingMs = stat.Mean(sorted, nil)
	out.P95ProcessingMs = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return out
}
