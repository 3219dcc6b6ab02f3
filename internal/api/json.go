package api

import (
	"encoding/json"
	"net/http"
)

// ErrorDetail describes why a request failed.
type ErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// StandardResponse is the body of every ingress response.
type StandardResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error,omitempty"`
	// Recipients is the number of connections the event was queued for.
	Recipients *int `json:"recipients,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, recipients int) {
	writeJSON(w, http.StatusOK, StandardResponse{Success: true, Recipients: &recipients})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, StandardResponse{
		Success: false,
		Error:   &ErrorDetail{Code: status, Message: message},
	})
}
