package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"nutbolt/internal/config"
	"nutbolt/internal/logger"
	"nutbolt/internal/service"
	"nutbolt/internal/service/ai"
)

const (
	msgModelNotLoaded  = "Model not loaded. Please check server logs."
	msgNoImage         = "No image data provided. Send JSON with \"image\" field containing base64 data."
	msgDecodeFailed    = "Failed to decode image. Ensure valid base64 format."
	msgConfidenceRange = "Confidence must be between 0 and 1"
	msgSessionBusy     = "Frame dropped: previous frame still processing"
)

// requestError carries the status code a bad request is answered with.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string {
	return e.msg
}

// readDetectRequest decodes the JSON body into image bytes and an optional
// confidence override (0 means the server default).
func readDetectRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, float64, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	var request struct {
		Image      string   `json:"image"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, 0, &requestError{http.StatusRequestEntityTooLarge, fmt.Sprintf("Image exceeds %d bytes", tooLarge.Limit)}
		}
		return nil, 0, &requestError{http.StatusBadRequest, msgNoImage}
	}
	if request.Image == "" {
		return nil, 0, &requestError{http.StatusBadRequest, msgNoImage}
	}

	confidence := 0.0
	if request.Confidence != nil {
		confidence = *request.Confidence
		if confidence < 0 || confidence > 1 {
			return nil, 0, &requestError{http.StatusBadRequest, msgConfidenceRange}
		}
	}

	image, err := ai.DecodeImagePayload(request.Image)
	if err != nil {
		return nil, 0, &requestError{http.StatusBadRequest, msgDecodeFailed}
	}
	return image, confidence, nil
}

// detectionStatus maps a detector error to a status code and message.
func detectionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ai.ErrModelNotLoaded):
		return http.StatusServiceUnavailable, msgModelNotLoaded
	case errors.Is(err, ai.ErrInvalidImage), errors.Is(err, ai.ErrEmptyImage):
		return http.StatusBadRequest, msgDecodeFailed
	default:
		return http.StatusInternalServerError, "Detection failed: " + err.Error()
	}
}

// DetectHandler answers POST /detect with the detection document.
func DetectHandler(manager *service.Manager, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !manager.GetDetector().Loaded() {
			writeFailure(w, http.StatusServiceUnavailable, msgModelNotLoaded)
			return
		}

		image, confidence, err := readDetectRequest(w, r, cfg.MaxImageBytes)
		if err != nil {
			var reqErr *requestError
			errors.As(err, &reqErr)
			writeFailure(w, reqErr.status, reqErr.msg)
			return
		}

		response, err := manager.RunDetection(r.Context(), image, confidence)
		if err != nil {
			status, msg := detectionStatus(err)
			if status == http.StatusInternalServerError {
				logger.Error("Detection error: %v", err)
			}
			writeFailure(w, status, msg)
			return
		}

		writeJSON(w, http.StatusOK, response)
	}
}

// DetectAnnotatedHandler answers POST /detect/annotated with a JPEG that
// has the detections drawn on it.
func DetectAnnotatedHandler(manager *service.Manager, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detector := manager.GetDetector()
		if !detector.Loaded() {
			writeFailure(w, http.StatusServiceUnavailable, msgModelNotLoaded)
			return
		}

		image, confidence, err := readDetectRequest(w, r, cfg.MaxImageBytes)
		if err != nil {
			var reqErr *requestError
			errors.As(err, &reqErr)
			writeFailure(w, reqErr.status, reqErr.msg)
			return
		}

		response, err := manager.RunDetection(r.Context(), image, confidence)
		if err != nil {
			status, msg := detectionStatus(err)
			writeFailure(w, status, msg)
			return
		}

		annotated, err := detector.Annotate(image, response.Detections)
		if err != nil {
			logger.Error("Annotation error: %v", err)
			writeFailure(w, http.StatusInternalServerError, "Annotation failed: "+err.Error())
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("X-Detection-Count", strconv.Itoa(response.Total))
		w.WriteHeader(http.StatusOK)
		w.Write(annotated)
	}
}
