package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nutbolt/internal/config"
	"nutbolt/internal/logger"
	"nutbolt/internal/model"
	"nutbolt/internal/service"
	"nutbolt/internal/service/ai"
	hub "nutbolt/internal/service/websocket"

	"github.com/gorilla/websocket"
)

// ========================================
// Test Setup Helpers
// ========================================

type fakeDetector struct {
	mu         sync.Mutex
	loaded     bool
	frames     [][]model.Detection
	calls      int
	err        error
	confidence float64
	iou        float64
	lastConf   float64
	block      chan struct{}
}

func (f *fakeDetector) Detect(ctx context.Context, image []byte, confidence float64) (*ai.Result, error) {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastConf = confidence
	if f.err != nil {
		return nil, f.err
	}
	detections := []model.Detection{}
	if f.calls < len(f.frames) {
		detections = f.frames[f.calls]
	}
	f.calls++
	return &ai.Result{Detections: detections, Width: 640, Height: 480}, nil
}

func (f *fakeDetector) Annotate(image []byte, detections []model.Detection) ([]byte, error) {
	return append([]byte("annotated:"), image...), nil
}

func (f *fakeDetector) Loaded() bool { return f.loaded }

func (f *fakeDetector) Settings() ai.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ai.Settings{
		ModelPath:           "model/best.onnx",
		ConfidenceThreshold: f.confidence,
		IoUThreshold:        f.iou,
		InputSize:           640,
		ClassNames:          []string{"Bolt", "Nut"},
		ClassColors:         map[string][]int{"Bolt": {0, 191, 255}, "Nut": {255, 165, 0}},
	}
}

func (f *fakeDetector) SetThresholds(confidence, iou *float64) (ai.Settings, error) {
	for _, v := range []*float64{confidence, iou} {
		if v != nil && (*v < 0 || *v > 1) {
			return f.Settings(), ai.ErrInvalidThreshold
		}
	}
	f.mu.Lock()
	if confidence != nil {
		f.confidence = *confidence
	}
	if iou != nil {
		f.iou = *iou
	}
	f.mu.Unlock()
	return f.Settings(), nil
}

func (f *fakeDetector) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		MaxImageBytes: 1 << 20,
		MinFrames:     2,
		MemoryWindow:  5,
		BoxTolerance:  50,
	}
}

func newTestManager(detector *fakeDetector, h *hub.HubService) *service.Manager {
	return service.NewManager(detector, h, testConfig(), logger.NewNop())
}

func nut(x float64) model.Detection {
	return model.Detection{Class: "Nut", Confidence: 0.9, BBox: model.BBox{X1: x, Y1: 10, X2: x + 40, Y2: 50}}
}

func postJSON(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) model.DetectResponse {
	t.Helper()
	var resp model.DetectResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Response is not JSON: %v (%s)", err, rr.Body.String())
	}
	return resp
}

// ========================================
// Detect Handler Tests
// ========================================

func TestDetectHandler_Success(t *testing.T) {
	detector := &fakeDetector{loaded: true, frames: [][]model.Detection{{nut(10), nut(100)}}}
	h := DetectHandler(newTestManager(detector, nil), testConfig(), logger.NewNop())

	rr := postJSON(t, h, `{"image":"data:image/jpeg;base64,Zm9v","confidence":0.3}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if !resp.Success || resp.Total != 2 || resp.Counts["Nut"] != 2 {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if resp.ImageSize == nil || resp.ImageSize.Width != 640 {
		t.Errorf("Expected image size, got %+v", resp.ImageSize)
	}
	if detector.lastConf != 0.3 {
		t.Errorf("Expected confidence override 0.3, got %v", detector.lastConf)
	}
}

func TestDetectHandler_Errors(t *testing.T) {
	tests := []struct {
		name     string
		detector *fakeDetector
		body     string
		status   int
		message  string
	}{
		{"model not loaded", &fakeDetector{}, `{"image":"Zm9v"}`, http.StatusServiceUnavailable, msgModelNotLoaded},
		{"missing image", &fakeDetector{loaded: true}, `{}`, http.StatusBadRequest, msgNoImage},
		{"invalid json", &fakeDetector{loaded: true}, `not json`, http.StatusBadRequest, msgNoImage},
		{"bad base64", &fakeDetector{loaded: true}, `{"image":"***"}`, http.StatusBadRequest, msgDecodeFailed},
		{"confidence out of range", &fakeDetector{loaded: true}, `{"image":"Zm9v","confidence":2}`, http.StatusBadRequest, "Confidence must be between 0 and 1"},
		{"undecodable image", &fakeDetector{loaded: true, err: ai.ErrInvalidImage}, `{"image":"Zm9v"}`, http.StatusBadRequest, msgDecodeFailed},
		{"inference failure", &fakeDetector{loaded: true, err: errors.New("forward failed")}, `{"image":"Zm9v"}`, http.StatusInternalServerError, "Detection failed: forward failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := DetectHandler(newTestManager(tt.detector, nil), testConfig(), logger.NewNop())
			rr := postJSON(t, h, tt.body)

			if rr.Code != tt.status {
				t.Fatalf("Expected %d, got %d", tt.status, rr.Code)
			}
			resp := decodeResponse(t, rr)
			if resp.Success || resp.Error != tt.message {
				t.Errorf("Expected failure %q, got %+v", tt.message, resp)
			}
			if resp.Detections == nil || len(resp.Detections) != 0 {
				t.Errorf("Expected empty detections list")
			}
		})
	}
}

func TestDetectHandler_BodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxImageBytes = 16
	h := DetectHandler(newTestManager(&fakeDetector{loaded: true}, nil), cfg, logger.NewNop())

	rr := postJSON(t, h, `{"image":"`+strings.Repeat("A", 64)+`"}`)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rr.Code)
	}
}

func TestDetectAnnotatedHandler(t *testing.T) {
	detector := &fakeDetector{loaded: true, frames: [][]model.Detection{{nut(10)}}}
	h := DetectAnnotatedHandler(newTestManager(detector, nil), testConfig(), logger.NewNop())

	rr := postJSON(t, h, `{"image":"Zm9v"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", ct)
	}
	if rr.Header().Get("X-Detection-Count") != "1" {
		t.Errorf("Expected detection count header 1, got %q", rr.Header().Get("X-Detection-Count"))
	}
	if rr.Body.String() != "annotated:foo" {
		t.Errorf("Unexpected body %q", rr.Body.String())
	}
}

// ========================================
// Health & Config Handler Tests
// ========================================

func TestHealthHandler(t *testing.T) {
	m := newTestManager(&fakeDetector{loaded: true, confidence: 0.5}, nil)
	rr := httptest.NewRecorder()

	HealthHandler(m).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp model.HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if resp.Status != "online" || !resp.ModelLoaded || resp.InputSize != 640 || len(resp.ClassNames) != 2 {
		t.Errorf("Unexpected health: %+v", resp)
	}
}

func TestConfigHandlers(t *testing.T) {
	m := newTestManager(&fakeDetector{loaded: true, confidence: 0.5, iou: 0.45}, nil)

	req := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader(`{"confidence_threshold":0.7}`))
	rr := httptest.NewRecorder()
	UpdateConfigHandler(m, logger.NewNop()).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var update model.ConfigUpdateResponse
	json.Unmarshal(rr.Body.Bytes(), &update)
	if !update.Success || update.ConfidenceThreshold != 0.7 || update.IoUThreshold != 0.45 {
		t.Errorf("Unexpected update response: %+v", update)
	}

	rr = httptest.NewRecorder()
	GetConfigHandler(m).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/config", nil))

	var cfg model.ConfigResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if cfg.ConfidenceThreshold != 0.7 {
		t.Errorf("Expected updated confidence, got %v", cfg.ConfidenceThreshold)
	}
	if cfg.Stabilizer.MinFrames != 2 || cfg.Stabilizer.MemoryWindow != 5 || cfg.Stabilizer.BoxTolerancePixels != 50 {
		t.Errorf("Unexpected stabilizer settings: %+v", cfg.Stabilizer)
	}
	if len(cfg.ClassColors["Nut"]) != 3 {
		t.Errorf("Expected class colours, got %v", cfg.ClassColors)
	}
}

func TestUpdateConfigHandler_Invalid(t *testing.T) {
	m := newTestManager(&fakeDetector{loaded: true}, nil)

	for _, body := range []string{`{"iou_threshold":1.5}`, `{`} {
		rr := httptest.NewRecorder()
		UpdateConfigHandler(m, logger.NewNop()).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/config", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("Body %s: expected 400, got %d", body, rr.Code)
		}
	}
}

// ========================================
// Static, 404 & Log Handler Tests
// ========================================

func TestDynamicHTMLHandler(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>home</h1>"), 0644)
	h := DynamicHTMLHandler(dir)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "home") {
		t.Errorf("Expected index page, got %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rr.Code)
	}
	var body model.ErrorResponse
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body.Error != "Endpoint not found" || len(body.AvailableEndpoints) == 0 {
		t.Errorf("Unexpected 404 body: %+v", body)
	}
}

func TestLogsHandlers(t *testing.T) {
	cfg := &config.Config{LogDirectory: t.TempDir()}
	log := logger.NewLogger(cfg)
	defer log.Close()
	log.Info("detector ready")

	rr := httptest.NewRecorder()
	ShowLogsHandler(log, logger.InfoFile).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/logs/info", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "detector ready") {
		t.Fatalf("Expected log contents, got %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	ClearLogsHandler(log, logger.InfoFile).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/logs/info/clear", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}

	data, err := os.ReadFile(filepath.Join(cfg.LogDirectory, logger.InfoFile))
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if bytes.Contains(data, []byte("detector ready")) {
		t.Errorf("Expected log to be truncated, got %q", data)
	}
}

// ========================================
// WebSocket Tests
// ========================================

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func readResult(t *testing.T, conn *websocket.Conn) model.StreamResult {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var result model.StreamResult
	if err := conn.ReadJSON(&result); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return result
}

func TestStreamWebsocketHandler_StabilizesFrames(t *testing.T) {
	detector := &fakeDetector{loaded: true, frames: [][]model.Detection{
		{nut(10)},
		{nut(12), nut(300)},
	}}
	m := newTestManager(detector, nil)
	server := httptest.NewServer(StreamWebsocketHandler(m, testConfig(), logger.NewNop()))
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("frame-1")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	first := readResult(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"image":"Zm9v"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	second := readResult(t, conn)

	if !first.Success || first.Frame != 1 || first.Total != 1 {
		t.Errorf("Unexpected first result: %+v", first)
	}
	if !second.Success || second.Frame != 2 || len(second.Detections) != 2 || second.Total != 1 {
		t.Errorf("Expected transient nut filtered, got %+v", second)
	}
	if first.Session == "" || first.Session != second.Session {
		t.Errorf("Expected a stable session id, got %q and %q", first.Session, second.Session)
	}
}

func TestStreamWebsocketHandler_BadFrame(t *testing.T) {
	m := newTestManager(&fakeDetector{loaded: true}, nil)
	server := httptest.NewServer(StreamWebsocketHandler(m, testConfig(), logger.NewNop()))
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"image":""}`))
	result := readResult(t, conn)

	if result.Success || result.Error != msgNoImage {
		t.Errorf("Expected failure %q, got %+v", msgNoImage, result)
	}
}

func TestStreamWebsocketHandler_RejectsConfidenceOutOfRange(t *testing.T) {
	detector := &fakeDetector{loaded: true}
	m := newTestManager(detector, nil)
	server := httptest.NewServer(StreamWebsocketHandler(m, testConfig(), logger.NewNop()))
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()

	for _, body := range []string{`{"image":"Zm9v","confidence":1.5}`, `{"image":"Zm9v","confidence":-0.2}`} {
		conn.WriteMessage(websocket.TextMessage, []byte(body))
		result := readResult(t, conn)

		if result.Success || result.Error != msgConfidenceRange {
			t.Errorf("Body %s: expected failure %q, got %+v", body, msgConfidenceRange, result)
		}
	}

	detector.mu.Lock()
	defer detector.mu.Unlock()
	if detector.calls != 0 {
		t.Errorf("Detector must not run for rejected frames, got %d calls", detector.calls)
	}
}

func TestStreamWebsocketHandler_ReportsBusyDrop(t *testing.T) {
	detector := &fakeDetector{loaded: true, block: make(chan struct{}), frames: [][]model.Detection{{nut(10)}}}
	m := newTestManager(detector, nil)
	server := httptest.NewServer(StreamWebsocketHandler(m, testConfig(), logger.NewNop()))
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()

	conn.WriteMessage(websocket.BinaryMessage, []byte("frame-1"))
	conn.WriteMessage(websocket.BinaryMessage, []byte("frame-2"))

	dropped := readResult(t, conn)
	if dropped.Success || dropped.Error != msgSessionBusy {
		t.Fatalf("Expected busy failure, got %+v", dropped)
	}

	close(detector.block)
	processed := readResult(t, conn)
	if !processed.Success || processed.Frame != 1 || processed.Total != 1 {
		t.Errorf("Expected the first frame to complete, got %+v", processed)
	}
}

func TestStreamWebsocketHandler_ClosesSession(t *testing.T) {
	m := newTestManager(&fakeDetector{loaded: true}, nil)
	server := httptest.NewServer(StreamWebsocketHandler(m, testConfig(), logger.NewNop()))
	defer server.Close()

	conn := dial(t, server)
	conn.WriteMessage(websocket.BinaryMessage, []byte("frame"))
	readResult(t, conn)

	if m.SessionCount() != 1 {
		t.Fatalf("Expected 1 open session, got %d", m.SessionCount())
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Session not closed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestViewWebsocketHandler_ReceivesBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.NewHubService(logger.NewNop())
	go h.Run(ctx)

	m := newTestManager(&fakeDetector{loaded: true, frames: [][]model.Detection{{nut(10)}}}, h)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stream", StreamWebsocketHandler(m, testConfig(), logger.NewNop()))
	mux.HandleFunc("/api/view", ViewWebsocketHandler(m, logger.NewNop()))
	server := httptest.NewServer(mux)
	defer server.Close()

	viewerURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/view"
	viewer, _, err := websocket.DefaultDialer.Dial(viewerURL, nil)
	if err != nil {
		t.Fatalf("Viewer dial failed: %v", err)
	}
	defer viewer.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.GetClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Viewer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	streamURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/stream"
	stream, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err != nil {
		t.Fatalf("Stream dial failed: %v", err)
	}
	defer stream.Close()

	stream.WriteMessage(websocket.BinaryMessage, []byte("frame"))
	readResult(t, stream)

	broadcast := readResult(t, viewer)
	if !broadcast.Success || broadcast.Total != 1 || broadcast.Counts["Nut"] != 1 {
		t.Errorf("Unexpected broadcast: %+v", broadcast)
	}
}
