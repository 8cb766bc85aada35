package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// RespondJSON writes v as JSON with the given status code.
func RespondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode JSON response")
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes err as an ErrorResponse.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondErrorString(w, status, err.Error())
}

// RespondErrorString writes message as an ErrorResponse.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
