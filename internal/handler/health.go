package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"nutbolt/internal/logger"
	"nutbolt/internal/model"
	"nutbolt/internal/service"
	"nutbolt/internal/service/ai"
)

// HealthHandler reports whether the model is loaded.
func HealthHandler(manager *service.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detector := manager.GetDetector()
		settings := detector.Settings()

		writeJSON(w, http.StatusOK, model.HealthResponse{
			Status:              "online",
			ModelLoaded:         detector.Loaded(),
			ModelPath:           settings.ModelPath,
			ClassNames:          settings.ClassNames,
			ConfidenceThreshold: settings.ConfidenceThreshold,
			InputSize:           settings.InputSize,
		})
	}
}

// GetConfigHandler returns thresholds, classes and stabilizer defaults.
func GetConfigHandler(manager *service.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings := manager.GetDetector().Settings()
		stab := manager.StabilizerConfig()

		writeJSON(w, http.StatusOK, model.ConfigResponse{
			ConfidenceThreshold: settings.ConfidenceThreshold,
			IoUThreshold:        settings.IoUThreshold,
			InputSize:           settings.InputSize,
			ClassNames:          settings.ClassNames,
			ClassColors:         settings.ClassColors,
			Stabilizer: model.StabilizerSettings{
				MinFrames:          stab.MinFrames,
				MemoryWindow:       stab.MemoryWindow,
				BoxTolerancePixels: stab.BoxTolerance,
			},
		})
	}
}

// UpdateConfigHandler changes the confidence and/or IoU threshold.
func UpdateConfigHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var update model.ConfigUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON body", err.Error())
			return
		}

		settings, err := manager.GetDetector().SetThresholds(update.ConfidenceThreshold, update.IoUThreshold)
		if err != nil {
			if errors.Is(err, ai.ErrInvalidThreshold) {
				writeError(w, http.StatusBadRequest, "Invalid threshold", err.Error())
				return
			}
			logger.Error("Failed to update config: %v", err)
			writeError(w, http.StatusInternalServerError, "Internal server error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, model.ConfigUpdateResponse{
			Success:             true,
			ConfidenceThreshold: settings.ConfidenceThreshold,
			IoUThreshold:        settings.IoUThreshold,
		})
	}
}
