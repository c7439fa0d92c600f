package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"nutbolt/internal/config"
	"nutbolt/internal/logger"
	"nutbolt/internal/model"
	"nutbolt/internal/service/ai"
	"nutbolt/internal/service/websocket"
	"nutbolt/internal/stabilizer"

	"github.com/google/uuid"
)

// Detector is the inference backend used by the manager.
type Detector interface {
	Detect(ctx context.Context, image []byte, confidence float64) (*ai.Result, error)
	Annotate(image []byte, detections []model.Detection) ([]byte, error)
	Loaded() bool
	Settings() ai.Settings
	SetThresholds(confidence, iou *float64) (ai.Settings, error)
	Close() error
}

// Manager ties the detector, the viewer hub and the streaming sessions together.
type Manager struct {
	detector         Detector
	websocketService *websocket.HubService
	logger           *logger.Logger
	stabilizerConfig stabilizer.Config

	sessions   map[string]*Session
	sessionsMu sync.Mutex
}

func NewManager(detector Detector, websocketService *websocket.HubService, config *config.Config, logger *logger.Logger) *Manager {
	manager := &Manager{
		detector:         detector,
		websocketService: websocketService,
		logger:           logger,
		stabilizerConfig: stabilizer.Config{
			MinFrames:    config.MinFrames,
			MemoryWindow: config.MemoryWindow,
			BoxTolerance: config.BoxTolerance,
		},
		sessions: make(map[string]*Session),
	}

	manager.logger.Info("🎬 Manager started - stable after %d frame(s) in a window of %d, tolerance %.0fpx",
		config.MinFrames, config.MemoryWindow, config.BoxTolerance)
	return manager
}

func (m *Manager) GetWebsocketService() *websocket.HubService {
	return m.websocketService
}

func (m *Manager) GetDetector() Detector {
	return m.detector
}

// StabilizerConfig returns the settings new sessions are created with.
func (m *Manager) StabilizerConfig() stabilizer.Config {
	return m.stabilizerConfig
}

// RunDetection runs one inference and builds the success document.
func (m *Manager) RunDetection(ctx context.Context, image []byte, confidence float64) (*model.DetectResponse, error) {
	start := time.Now()

	result, err := m.detector.Detect(ctx, image, confidence)
	if err != nil {
		return nil, err
	}

	detections := result.Detections
	if detections == nil {
		detections = []model.Detection{}
	}

	return &model.DetectResponse{
		Success:          true,
		Detections:       detections,
		Counts:           model.CountByClass(detections),
		Total:            len(detections),
		ProcessingTimeMs: milliseconds(time.Since(start)),
		ImageSize:        &model.ImageSize{Width: result.Width, Height: result.Height},
	}, nil
}

// milliseconds rounds to 2 decimals.
func milliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

// OpenSession creates a streaming session with its own stabilizer.
func (m *Manager) OpenSession() (*Session, error) {
	filter, err := stabilizer.New(m.stabilizerConfig)
	if err != nil {
		return nil, err
	}

	session := &Session{
		id:      uuid.NewString(),
		manager: m,
		filter:  filter,
	}

	m.sessionsMu.Lock()
	m.sessions[session.id] = session
	count := len(m.sessions)
	m.sessionsMu.Unlock()

	m.logger.Info("Session %s opened. Active: %d", session.id, count)
	return session, nil
}

// CloseSession closes and forgets the session. Unknown ids are ignored.
func (m *Manager) CloseSession(id string) {
	m.sessionsMu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	count := len(m.sessions)
	m.sessionsMu.Unlock()

	if !ok {
		return
	}
	session.close()
	m.logger.Info("Session %s closed after %d frame(s). Active: %d", id, session.Frames(), count)
}

// SessionCount returns the number of open sessions.
func (m *Manager) SessionCount() int {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	return len(m.sessions)
}

// Broadcast sends a stream result to every viewer.
func (m *Manager) Broadcast(result *model.StreamResult) {
	if m.websocketService == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		m.logger.Error("Failed to encode stream result: %v", err)
		return
	}
	m.websocketService.Broadcast(data)
}

// Close ends every session and releases the detector.
func (m *Manager) Close() error {
	m.sessionsMu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.sessionsMu.Unlock()

	for _, id := range ids {
		m.CloseSession(id)
	}

	if m.detector == nil {
		return nil
	}
	if err := m.detector.Close(); err != nil {
		m.logger.Error("Error closing detector: %v", err)
		return fmt.Errorf("failed to close detector: %w", err)
	}
	return nil
}
