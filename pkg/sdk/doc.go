/*
Package sdk is the tinyship client: an in-process telemetry delivery
pipeline for Go applications.

# Quick Start

	cfg := config.Default()
	cfg.BaseURL = "http://localhost:8080"
	cfg.AppID = "abcde"
	cfg.CacheDir = "/var/lib/myapp/telemetry"

	client, err := sdk.New(sdk.Options{Config: cfg})
	if err != nil {
	    log.Fatal(err)
	}
	if err := client.Start(); err != nil {
	    log.Fatal(err)
	}
	defer client.Stop()

	client.StoreLogs(telemetry.Record{
	    Kind:      "log",
	    Severity:  telemetry.SeverityInfo,
	    Body:      "checkout completed",
	    Timestamp: time.Now(),
	})

# Pipeline

Records handed to StoreLogs land in a sink. DEFAULT records are batched and
flushed when a batch reaches its size limit, gets too old, or sees no new
records for a while. IMMEDIATE records are sent on their own right away and
DEFER records are written to disk without a network attempt.

Every batch goes through the delivery coordinator. A call that cannot be
delivered (offline, 5xx, timeout, 429) is written to the cache directory and
retried later. Rate-limited endpoints back off exponentially, honoring
Retry-After when the backend sends it. Calls rejected with 413 or another
4xx are dropped.

Pending calls survive restarts: New loads them from the cache directory and
Start delivers them, cached sessions first.

# Suspension

Call Flush(true) when the process is about to be suspended. Everything
buffered is persisted instead of sent. Stop does the same before shutting
the pipeline down.

# Connectivity

Forward the host's network signal with SetConnectivity. While unreachable,
nothing is sent and new calls are persisted. Delivery resumes as soon as
the network comes back.
*/
package sdk
