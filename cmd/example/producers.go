package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyship/pkg/sdk"
	"github.com/nicktill/tinyship/pkg/sdk/delivery"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
	"github.com/nicktill/tinyship/pkg/sdk/transport"
)

// runProducers starts n goroutines that each store a record every interval
// until ctx is done. Roughly one record in fifty is IMMEDIATE and one in
// a hundred is DEFER.
func runProducers(ctx context.Context, client *sdk.Client, n int, interval time.Duration, logger logrus.FieldLogger) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		producer := fmt.Sprintf("producer-%d", i)
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for seq := 0; ; seq++ {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}

				rec := telemetry.Record{
					Kind:      "log",
					Severity:  telemetry.SeverityInfo,
					Body:      fmt.Sprintf("%s tick %d", producer, seq),
					Timestamp: time.Now(),
					Attributes: map[string]string{
						"producer": producer,
					},
				}
				switch p := rand.Intn(100); {
				case p < 2:
					rec.Severity = telemetry.SeverityError
					rec.SendMode = telemetry.SendModeImmediate
				case p < 3:
					rec.SendMode = telemetry.SendModeDefer
				}

				if err := client.StoreLogs(rec); err != nil {
					return fmt.Errorf("%s: %w", producer, err)
				}
			}
		})
	}

	err := g.Wait()
	logger.WithField("producers", n).Info("Producers stopped")
	return err
}

// session tracks the demo's single session.
type session struct {
	payload telemetry.SessionPayload
}

func newSession() *session {
	return &session{payload: telemetry.SessionPayload{
		SessionID:  uuid.NewString(),
		StartTime:  time.Now(),
		Attributes: map[string]string{"app": "example"},
	}}
}

// runSnapshots saves a periodic session snapshot every interval and emits
// a heartbeat event.
func (s *session) runSnapshots(ctx context.Context, client *sdk.Client, interval time.Duration, logger logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.SaveSession(s.payload, delivery.SnapshotPeriodic); err != nil {
				logger.WithError(err).Warn("Failed to save session snapshot")
			}
			event := map[string]any{
				"name":       "heartbeat",
				"session_id": s.payload.SessionID,
				"timestamp":  time.Now().UnixMilli(),
			}
			if err := client.Submit(transport.EndpointEvents, event, false); err != nil {
				logger.WithError(err).Debug("Heartbeat not sent")
			}
		}
	}
}

// end sends the finished session. With crashed set, it is only persisted.
func (s *session) end(client *sdk.Client, crashed bool) error {
	now := time.Now()
	s.payload.EndTime = &now

	snapshot := delivery.SnapshotNormalEnd
	if crashed {
		snapshot = delivery.SnapshotCrash
	}
	return client.SendSession(s.payload, snapshot)
}
