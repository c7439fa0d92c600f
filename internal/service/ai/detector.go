package ai

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"nutbolt/internal/config"
	"nutbolt/internal/logger"
	"nutbolt/internal/model"

	"gocv.io/x/gocv"
)

const warmupRuns = 3

var (
	// ErrModelNotLoaded is returned when inference is requested without a network.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrInvalidThreshold is returned for thresholds outside [0,1].
	ErrInvalidThreshold = errors.New("threshold must be in [0,1]")
)

// Settings is a snapshot of the detector's tunables.
type Settings struct {
	ModelPath           string
	ConfidenceThreshold float64
	IoUThreshold        float64
	InputSize           int
	ClassNames          []string
	ClassColors         map[string][]int
}

// Result is the output of one inference call.
type Result struct {
	Detections []model.Detection
	Width      int
	Height     int
	Duration   time.Duration
}

// DetectorService runs a YOLOv8 ONNX model through the OpenCV DNN module.
type DetectorService struct {
	net    gocv.Net
	loaded atomic.Bool
	netMu  sync.Mutex // gocv.Net is not safe for concurrent Forward calls

	settingsMu sync.RWMutex
	confidence float64
	iou        float64

	modelPath string
	inputSize int
	classes   *ClassTable
	limits    SizeLimits
	logger    *logger.Logger
}

// NewDetectorService creates a detector from config and tries to load the
// model. A missing model is logged; the service still starts and reports
// ErrModelNotLoaded on Detect.
func NewDetectorService(config *config.Config, logger *logger.Logger) *DetectorService {
	service := &DetectorService{
		confidence: config.ConfidenceThreshold,
		iou:        config.IoUThreshold,
		modelPath:  config.ModelPath,
		inputSize:  config.InputSize,
		classes:    NewClassTable(config.ClassNames),
		limits: SizeLimits{
			MinBoxSize:  config.MinBoxSize,
			MaxBoxSize:  config.MaxBoxSize,
			MaxBoxRatio: config.MaxBoxRatio,
		},
		logger: logger,
	}

	if err := service.initializeNet(); err != nil {
		service.logger.Warning("Could not initialize detection network: %v", err)
		service.logger.Warning("The server will start but detections will fail. Place the model at %s", service.modelPath)
		return service
	}

	return service
}

// initializeNet loads the ONNX network, selects the CPU target and warms it up.
func (s *DetectorService) initializeNet() error {
	if _, err := os.Stat(s.modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", s.modelPath)
	}

	net := gocv.ReadNet(s.modelPath, "")
	if net.Empty() {
		return fmt.Errorf("failed to load network from %s", s.modelPath)
	}

	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return fmt.Errorf("failed to set preferable backend or target")
	}

	s.net = net
	s.loaded.Store(true)
	s.logger.Info("Detection network loaded from %s", s.modelPath)

	if err := s.warmup(); err != nil {
		s.logger.Warning("Warmup failed: %v", err)
	} else {
		s.logger.Info("Warmup complete (%d runs)", warmupRuns)
	}
	return nil
}

func (s *DetectorService) warmup() error {
	blank := gocv.NewMatWithSize(s.inputSize, s.inputSize, gocv.MatTypeCV8UC3)
	defer blank.Close()

	for i := 0; i < warmupRuns; i++ {
		if _, err := s.infer(blank, float32(s.confidence), float32(s.iou)); err != nil {
			return err
		}
	}
	return nil
}

// Loaded reports whether a network is available.
func (s *DetectorService) Loaded() bool {
	return s.loaded.Load()
}

// Settings returns the current thresholds and model metadata.
func (s *DetectorService) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()

	return Settings{
		ModelPath:           s.modelPath,
		ConfidenceThreshold: s.confidence,
		IoUThreshold:        s.iou,
		InputSize:           s.inputSize,
		ClassNames:          s.classes.Names(),
		ClassColors:         s.classes.Colors(),
	}
}

// SetThresholds updates the thresholds that are non-nil.
func (s *DetectorService) SetThresholds(confidence, iou *float64) (Settings, error) {
	for _, v := range []*float64{confidence, iou} {
		if v != nil && (*v < 0 || *v > 1) {
			return s.Settings(), fmt.Errorf("%w: %v", ErrInvalidThreshold, *v)
		}
	}

	s.settingsMu.Lock()
	if confidence != nil {
		s.confidence = *confidence
	}
	if iou != nil {
		s.iou = *iou
	}
	s.settingsMu.Unlock()

	settings := s.Settings()
	s.logger.Info("Thresholds updated: confidence=%.2f iou=%.2f", settings.ConfidenceThreshold, settings.IoUThreshold)
	return settings, nil
}

// Detect decodes imageBytes and runs inference. A confidence <= 0 uses the
// configured threshold.
func (s *DetectorService) Detect(ctx context.Context, imageBytes []byte, confidence float64) (*Result, error) {
	if !s.Loaded() {
		return nil, ErrModelNotLoaded
	}
	if len(imageBytes) == 0 {
		return nil, ErrEmptyImage
	}

	start := time.Now()

	mat, err := gocv.IMDecode(imageBytes, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, fmt.Errorf("%w: decoded image is empty", ErrInvalidImage)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.settingsMu.RLock()
	iou := s.iou
	if confidence <= 0 {
		confidence = s.confidence
	}
	s.settingsMu.RUnlock()

	candidates, err := s.infer(mat, float32(confidence), float32(iou))
	if err != nil {
		return nil, err
	}

	width, height := mat.Cols(), mat.Rows()
	detections := make([]model.Detection, 0, len(candidates))
	for _, c := range candidates {
		c.box = clipBox(c.box, width, height)
		if !passesSizeLimits(c.box, width, height, s.limits) {
			s.logger.Info("Skipping %s box %.0fx%.0f outside size limits", s.classes.Name(c.classID), c.box.Width(), c.box.Height())
			continue
		}
		detections = append(detections, toDetection(c, s.classes))
	}

	if len(detections) > 0 {
		s.logger.Info("Found %d detection(s) with conf >= %.2f", len(detections), confidence)
	}

	return &Result{
		Detections: detections,
		Width:      width,
		Height:     height,
		Duration:   time.Since(start),
	}, nil
}

// infer runs the network on mat and returns NMS-filtered candidates in
// source pixel coordinates.
func (s *DetectorService) infer(mat gocv.Mat, confidence, iou float32) ([]candidate, error) {
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(s.inputSize, s.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	s.netMu.Lock()
	if !s.Loaded() {
		s.netMu.Unlock()
		return nil, ErrModelNotLoaded
	}
	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	s.netMu.Unlock()
	defer output.Close()

	sizes := output.Size()
	if len(sizes) != 3 {
		return nil, fmt.Errorf("unexpected output dimensions: %v", sizes)
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read network output: %w", err)
	}

	numChannels, numAnchors := sizes[1], sizes[2]
	if numChannels > numAnchors {
		// Some exports emit [1, anchors, channels].
		data = transpose(data, numChannels, numAnchors)
		numChannels, numAnchors = numAnchors, numChannels
	}

	scaleX := float64(mat.Cols()) / float64(s.inputSize)
	scaleY := float64(mat.Rows()) / float64(s.inputSize)

	candidates, err := decodeOutput(data, numChannels, numAnchors, confidence, scaleX, scaleY)
	if err != nil {
		return nil, err
	}
	return suppress(candidates, confidence, iou), nil
}

// transpose converts a rows x cols row-major matrix into cols x rows.
func transpose(data []float32, rows, cols int) []float32 {
	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return out
}

// Annotate draws detections onto the image and returns it JPEG encoded.
func (s *DetectorService) Annotate(img []byte, detections []model.Detection) ([]byte, error) {
	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, fmt.Errorf("%w: decoded image is empty", ErrInvalidImage)
	}

	for _, detection := range detections {
		c := toRGBA(detection.Color)
		rect := image.Rect(int(detection.BBox.X1), int(detection.BBox.Y1), int(detection.BBox.X2), int(detection.BBox.Y2))
		if err := gocv.Rectangle(&mat, rect, c, 2); err != nil {
			return nil, fmt.Errorf("failed to draw rectangle: %v", err)
		}

		label := fmt.Sprintf("%s (%.2f)", detection.Class, detection.Confidence)
		pt := image.Pt(rect.Min.X, rect.Min.Y-5)
		if err := gocv.PutText(&mat, label, pt, gocv.FontHersheySimplex, 0.5, c, 1); err != nil {
			return nil, fmt.Errorf("failed to draw text: %v", err)
		}
	}

	buf, err := gocv.IMEncode(".jpg", mat)
	if err != nil {
		s.logger.Error("Failed to encode image: %v", err)
		return nil, err
	}
	defer buf.Close()
	finalImage := make([]byte, len(buf.GetBytes()))
	copy(finalImage, buf.GetBytes())

	return finalImage, nil
}

func toRGBA(rgb []int) color.RGBA {
	if len(rgb) != 3 {
		return color.RGBA{G: 255}
	}
	return color.RGBA{R: uint8(rgb[0]), G: uint8(rgb[1]), B: uint8(rgb[2])}
}

// Close releases the network.
func (s *DetectorService) Close() error {
	s.netMu.Lock()
	defer s.netMu.Unlock()

	if !s.loaded.Swap(false) {
		return nil
	}
	return s.net.Close()
}
