package middleware

import (
	"encoding/json"
	"net/http"

	"coinledger/internal/metrics"
)

// deny writes the same {"error": ...} body the handlers use and counts the
// refusal under reason.
func deny(w http.ResponseWriter, status int, reason string) {
	metrics.RequestsDenied.WithLabelValues(reason).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
