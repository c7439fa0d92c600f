package model

import "encoding/json"

// DetectRequest is the body of POST /detect.
type DetectRequest struct {
	Image      string   `json:"image"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ImageSize is the decoded source image size in pixels.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DetectResponse is the Detection Source reply. On failure only Success,
// Error and an empty Detections list are set.
type DetectResponse struct {
	Success          bool           `json:"success"`
	Error            string         `json:"error,omitempty"`
	Detections       []Detection    `json:"detections"`
	Counts           map[string]int `json:"counts,omitempty"`
	Total            int            `json:"total"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	ImageSize        *ImageSize     `json:"image_size,omitempty"`
}

// NewFailure builds the failure document.
func NewFailure(message string) *DetectResponse {
	return &DetectResponse{
		Success:    false,
		Error:      message,
		Detections: []Detection{},
	}
}

// RawDetectResponse is DetectResponse with undecoded detections, used by
// clients that validate entries one by one.
type RawDetectResponse struct {
	Success          bool              `json:"success"`
	Error            string            `json:"error"`
	Detections       []json.RawMessage `json:"detections"`
	Counts           map[string]int    `json:"counts"`
	Total            int               `json:"total"`
	ProcessingTimeMs float64           `json:"processing_time_ms"`
	ImageSize        *ImageSize        `json:"image_size"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status              string   `json:"status"`
	ModelLoaded         bool     `json:"model_loaded"`
	ModelPath           string   `json:"model_path"`
	ClassNames          []string `json:"class_names"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	InputSize           int      `json:"input_size"`
}

// StabilizerSettings mirrors the filter configuration on the wire.
type StabilizerSettings struct {
	MinFrames          int     `json:"min_frames"`
	MemoryWindow       int     `json:"memory_window"`
	BoxTolerancePixels float64 `json:"box_tolerance_pixels"`
}

// ConfigResponse is returned by GET /config.
type ConfigResponse struct {
	ConfidenceThreshold float64            `json:"confidence_threshold"`
	IoUThreshold        float64            `json:"iou_threshold"`
	InputSize           int                `json:"input_size"`
	ClassNames          []string           `json:"class_names"`
	ClassColors         map[string][]int   `json:"class_colors"`
	Stabilizer          StabilizerSettings `json:"stabilizer"`
}

// ConfigUpdate is the body of POST /config.
type ConfigUpdate struct {
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
	IoUThreshold        *float64 `json:"iou_threshold"`
}

// ConfigUpdateResponse is returned by POST /config.
type ConfigUpdateResponse struct {
	Success             bool    `json:"success"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	IoUThreshold        float64 `json:"iou_threshold"`
}

// ErrorResponse is the generic JSON error body.
type ErrorResponse struct {
	Error              string   `json:"error"`
	Message            string   `json:"message,omitempty"`
	AvailableEndpoints []string `json:"available_endpoints,omitempty"`
}

// StreamResult is sent over the streaming websocket for every processed frame.
type StreamResult struct {
	Success          bool           `json:"success"`
	Error            string         `json:"error,omitempty"`
	Session          string         `json:"session"`
	Frame            uint64         `json:"frame"`
	Detections       []Detection    `json:"detections"`
	Stable           []Detection    `json:"stable"`
	Counts           map[string]int `json:"counts"`
	Total            int            `json:"total"`
	HistorySize      int            `json:"history_size"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	ImageSize        *ImageSize     `json:"image_size,omitempty"`
}
