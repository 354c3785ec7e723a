// Package metrics records settlement and reconciliation outcomes to
// InfluxDB. All methods are safe on a nil Recorder, so metrics stay
// optional in embedded deployments.
package metrics

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder writes wallet metrics.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewRecorder creates a metrics recorder.
func NewRecorder(cfg Config) *Recorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// RecordSettlement records the outcome of settling one ledger record.
func (r *Recorder) RecordSettlement(ctx context.Context, direction, status string, attempts int, permanent bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("settlement_record",
		map[string]string{
			"direction": direction,
			"status":    status,
		},
		map[string]interface{}{
			"attempts":    attempts,
			"permanent":   permanent,
			"duration_ms": elapsed.Milliseconds(),
		},
		time.Now(),
	)
	_ = r.write.WritePoint(ctx, p)
}

// RecordSettlementRun records a full settlement pass.
func (r *Recorder) RecordSettlementRun(ctx context.Context, total, settled, failed int, elapsed time.Duration) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("settlement_run",
		nil,
		map[string]interface{}{
			"total":       total,
			"settled":     settled,
			"failed":      failed,
			"duration_ms": elapsed.Milliseconds(),
		},
		time.Now(),
	)
	_ = r.write.WritePoint(ctx, p)
}

// RecordReconcile records one reconciliation cycle.
func (r *Recorder) RecordReconcile(ctx context.Context, pulled, applied, pushed int, skipped bool) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("reconcile_cycle",
		nil,
		map[string]interface{}{
			"pulled":  pulled,
			"applied": applied,
			"pushed":  pushed,
			"skipped": skipped,
		},
		time.Now(),
	)
	_ = r.write.WritePoint(ctx, p)
}

// Close flushes and closes the underlying client.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.client.Close()
}
