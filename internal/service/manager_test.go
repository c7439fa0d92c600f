package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nutbolt/internal/config"
	"nutbolt/internal/logger"
	"nutbolt/internal/model"
	"nutbolt/internal/service/ai"
)

// ========================================
// Test Setup Helpers
// ========================================

type fakeDetector struct {
	mu      sync.Mutex
	results [][]model.Detection
	calls   int
	err     error
	block    chan struct{}
	closed   bool
	closeErr error
}

func (f *fakeDetector) Detect(ctx context.Context, image []byte, confidence float64) (*ai.Result, error) {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	var detections []model.Detection
	if f.calls < len(f.results) {
		detections = f.results[f.calls]
	}
	f.calls++
	return &ai.Result{Detections: detections, Width: 640, Height: 480}, nil
}

func (f *fakeDetector) Annotate(image []byte, detections []model.Detection) ([]byte, error) {
	return image, nil
}

func (f *fakeDetector) Loaded() bool { return true }

func (f *fakeDetector) Settings() ai.Settings { return ai.Settings{} }

func (f *fakeDetector) SetThresholds(confidence, iou *float64) (ai.Settings, error) {
	return ai.Settings{}, nil
}

func (f *fakeDetector) Close() error {
	f.closed = true
	return f.closeErr
}

func testConfig() *config.Config {
	return &config.Config{MinFrames: 2, MemoryWindow: 5, BoxTolerance: 50}
}

func nut(x float64) model.Detection {
	return model.Detection{Class: "Nut", Confidence: 0.9, BBox: model.BBox{X1: x, Y1: 10, X2: x + 40, Y2: 50}}
}

// ========================================
// Manager Tests
// ========================================

func TestManager_RunDetection(t *testing.T) {
	detector := &fakeDetector{results: [][]model.Detection{{nut(10), nut(200), {Class: "Bolt", Confidence: 0.8}}}}
	m := NewManager(detector, nil, testConfig(), logger.NewNop())

	resp, err := m.RunDetection(context.Background(), []byte("img"), 0)
	if err != nil {
		t.Fatalf("RunDetection failed: %v", err)
	}

	if !resp.Success {
		t.Error("Expected success")
	}
	if resp.Total != 3 {
		t.Errorf("Expected total 3, got %d", resp.Total)
	}
	if resp.Counts["Nut"] != 2 || resp.Counts["Bolt"] != 1 {
		t.Errorf("Unexpected counts: %v", resp.Counts)
	}
	if resp.ImageSize == nil || resp.ImageSize.Width != 640 {
		t.Errorf("Unexpected image size: %+v", resp.ImageSize)
	}
}

func TestManager_RunDetectionError(t *testing.T) {
	detector := &fakeDetector{err: ai.ErrModelNotLoaded}
	m := NewManager(detector, nil, testConfig(), logger.NewNop())

	if _, err := m.RunDetection(context.Background(), []byte("img"), 0); !errors.Is(err, ai.ErrModelNotLoaded) {
		t.Errorf("Expected ErrModelNotLoaded, got %v", err)
	}
}

func TestManager_CloseReleasesSessionsAndDetector(t *testing.T) {
	detector := &fakeDetector{}
	m := NewManager(detector, nil, testConfig(), logger.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := m.OpenSession(); err != nil {
			t.Fatalf("OpenSession failed: %v", err)
		}
	}
	if m.SessionCount() != 3 {
		t.Fatalf("Expected 3 sessions, got %d", m.SessionCount())
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if m.SessionCount() != 0 {
		t.Errorf("Expected no sessions after close, got %d", m.SessionCount())
	}
	if !detector.closed {
		t.Error("Expected detector closed")
	}
}

func TestManager_CloseReturnsDetectorError(t *testing.T) {
	closeErr := errors.New("net release failed")
	m := NewManager(&fakeDetector{closeErr: closeErr}, nil, testConfig(), logger.NewNop())
	if _, err := m.OpenSession(); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	err := m.Close()
	if !errors.Is(err, closeErr) {
		t.Errorf("Expected detector close error, got %v", err)
	}
	if m.SessionCount() != 0 {
		t.Errorf("Sessions must be closed even when the detector fails, got %d", m.SessionCount())
	}
}

func TestManager_OpenSessionInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryWindow = 1
	m := NewManager(&fakeDetector{}, nil, cfg, logger.NewNop())

	if _, err := m.OpenSession(); err == nil {
		t.Error("Expected error for window smaller than min frames")
	}
}

// ========================================
// Session Tests
// ========================================

func TestSession_StabilizesAcrossFrames(t *testing.T) {
	detector := &fakeDetector{results: [][]model.Detection{
		{nut(10)},
		{nut(12), nut(400)},
		{nut(11), nut(402)},
	}}
	m := NewManager(detector, nil, testConfig(), logger.NewNop())
	session, err := m.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	expectedStable := []int{1, 1, 2}
	for i, want := range expectedStable {
		res, err := session.Process(context.Background(), []byte("img"), 0)
		if err != nil {
			t.Fatalf("Frame %d: Process failed: %v", i, err)
		}
		if res.Total != want {
			t.Errorf("Frame %d: expected %d stable, got %d (%+v)", i, want, res.Total, res.Stable)
		}
		if res.Frame != uint64(i+1) {
			t.Errorf("Frame %d: expected frame number %d, got %d", i, i+1, res.Frame)
		}
		if res.Session != session.ID() {
			t.Errorf("Unexpected session id %s", res.Session)
		}
	}
}

func TestSession_FailedFrameLeavesHistoryUntouched(t *testing.T) {
	detector := &fakeDetector{results: [][]model.Detection{{nut(10)}}}
	m := NewManager(detector, nil, testConfig(), logger.NewNop())
	session, _ := m.OpenSession()

	if _, err := session.Process(context.Background(), []byte("img"), 0); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	detector.mu.Lock()
	detector.err = errors.New("inference failed")
	detector.mu.Unlock()

	if _, err := session.Process(context.Background(), []byte("img"), 0); err == nil {
		t.Fatal("Expected error")
	}
	if session.Frames() != 1 {
		t.Errorf("Failed frame must not be appended, frames=%d", session.Frames())
	}
}

func TestSession_DropsFramesWhileBusy(t *testing.T) {
	detector := &fakeDetector{block: make(chan struct{})}
	m := NewManager(detector, nil, testConfig(), logger.NewNop())
	session, _ := m.OpenSession()

	done := make(chan error, 1)
	go func() {
		_, err := session.Process(context.Background(), []byte("img"), 0)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !session.busy.Load() {
		if time.Now().After(deadline) {
			t.Fatal("First frame never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := session.Process(context.Background(), []byte("img"), 0); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("Expected ErrSessionBusy, got %v", err)
	}

	close(detector.block)
	if err := <-done; err != nil {
		t.Fatalf("First frame failed: %v", err)
	}
	if session.Frames() != 1 {
		t.Errorf("Expected exactly one appended frame, got %d", session.Frames())
	}
}

func TestSession_ResultAfterCloseDiscarded(t *testing.T) {
	detector := &fakeDetector{block: make(chan struct{}), results: [][]model.Detection{{nut(10)}}}
	m := NewManager(detector, nil, testConfig(), logger.NewNop())
	session, _ := m.OpenSession()

	done := make(chan error, 1)
	go func() {
		_, err := session.Process(context.Background(), []byte("img"), 0)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !session.busy.Load() {
		if time.Now().After(deadline) {
			t.Fatal("Frame never started")
		}
		time.Sleep(time.Millisecond)
	}

	m.CloseSession(session.ID())
	close(detector.block)

	if err := <-done; !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	if session.Frames() != 0 {
		t.Errorf("Closed session must not append history, frames=%d", session.Frames())
	}
}
