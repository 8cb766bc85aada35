package main

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// runTrafficSimulator requests the demo endpoints in turn until ctx is done.
func runTrafficSimulator(ctx context.Context, baseURL string, every time.Duration, logger logrus.FieldLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	endpoints := []string{"/api/users", "/api/orders", "/api/products"}
	logger.WithField("every", every).Info("Traffic simulator started")

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			logger.Info("Traffic simulator stopped")
			return
		case <-ticker.C:
			endpoint := endpoints[n%len(endpoints)]
			go func(ep string) {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+ep, nil)
				if err != nil {
					return
				}
				resp, err := client.Do(req)
				if err != nil {
					logger.WithError(err).WithField("path", ep).Debug("Simulated request failed")
					return
				}
				resp.Body.Close()
			}(endpoint)
		}
	}
}
