package main

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

var startTime = time.Now()

// setupHandlers configures the demo endpoints. Responses are canned; the
// telemetry about them is real.
func setupHandlers(mux *http.ServeMux, logger logrus.FieldLogger) {
	mux.HandleFunc("/api/users", handleAPI(logger, 50, 50, 0.02, `{"users": [{"id": 1, "name": "Alice"}, {"id": 2, "name": "Bob"}]}`))
	mux.HandleFunc("/api/orders", handleAPI(logger, 80, 40, 0, `{"orders": [{"id": 1, "total": 99.99}, {"id": 2, "total": 149.99}]}`))
	mux.HandleFunc("/api/products", handleAPI(logger, 30, 30, 0, `{"products": [{"id": 1, "name": "Widget"}, {"id": 2, "name": "Gadget"}]}`))
	mux.HandleFunc("/health", handleHealth())
}

// handleAPI sleeps baseMs plus up to jitterMs, then fails with errorRate
// probability or writes body.
func handleAPI(logger logrus.FieldLogger, baseMs, jitterMs int, errorRate float32, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		latency := time.Duration(baseMs+rand.Intn(jitterMs)) * time.Millisecond
		time.Sleep(latency)

		log := logger.WithFields(logrus.Fields{"path": r.URL.Path, "latency": latency})
		if rand.Float32() < errorRate {
			log.Warn("Request failed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		log.Debug("Request served")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "healthy", "uptime": "` + time.Since(startTime).Round(time.Second).String() + `"}`))
	}
}
