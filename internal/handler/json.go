package handler

import (
	"encoding/json"
	"net/http"

	"nutbolt/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.NewFailure(msg))
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg, Message: detail})
}
