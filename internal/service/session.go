package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"nutbolt/internal/model"
	"nutbolt/internal/stabilizer"
)

var (
	// ErrSessionBusy is returned when a frame arrives while the previous one
	// is still being processed. The frame is dropped.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionClosed is returned for frames processed after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Session is one streaming client. It owns a stabilizer and lets at most one
// frame be in flight so history appends stay in capture order.
type Session struct {
	id      string
	manager *Manager

	busy atomic.Bool

	mu     sync.Mutex
	filter *stabilizer.Filter
	closed bool
	frames uint64
}

func (s *Session) ID() string {
	return s.id
}

// Frames returns the number of frames appended to history.
func (s *Session) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Process runs detection on one frame and returns raw and stable detections.
// Failed detections leave the history untouched.
func (s *Session) Process(ctx context.Context, image []byte, confidence float64) (*model.StreamResult, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	defer s.busy.Store(false)

	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	response, err := s.manager.RunDetection(ctx, image, confidence)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The session may have been closed while the detector was running.
	if s.closed {
		return nil, ErrSessionClosed
	}

	s.frames++
	stable := s.filter.Update(response.Detections)

	return &model.StreamResult{
		Success:          true,
		Session:          s.id,
		Frame:            s.frames,
		Detections:       response.Detections,
		Stable:           stable,
		Counts:           model.CountByClass(stable),
		Total:            len(stable),
		HistorySize:      s.filter.Len(),
		ProcessingTimeMs: response.ProcessingTimeMs,
		ImageSize:        response.ImageSize,
	}, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.filter.Reset()
}
