package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/price-cache/pkg/config"
	"github.com/sirupsen/logrus"
)

// InfluxClient writes operational measurements (upstream fetch outcomes,
// batch job progress) to InfluxDB. Metric writes are best-effort: failures
// are logged and never propagate into the data path.
type InfluxClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *logrus.Entry
	cfg      *config.InfluxConfig
}

// NewInfluxClient creates a new InfluxDB client
func NewInfluxClient(cfg *config.InfluxConfig, logger *logrus.Logger) *InfluxClient {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds())).
			SetLogLevel(0), // Silent - no logs
	)

	return &InfluxClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:   logger.WithField("component", "influxdb"),
		cfg:      cfg,
	}
}

// Close closes the InfluxDB client
func (ic *InfluxClient) Close() {
	ic.client.Close()
}

// Health checks InfluxDB health
func (ic *InfluxClient) Health(ctx context.Context) error {
	health, err := ic.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb health check failed: %s", msg)
	}

	return nil
}

// WriteFetchMetric records one upstream fetch attempt.
func (ic *InfluxClient) WriteFetchMetric(ctx context.Context, symbol string, barCount int, duration time.Duration, success bool) {
	point := influxdb2.NewPoint(
		"upstream_fetch",
		map[string]string{
			"symbol":  symbol,
			"success": strconv.FormatBool(success),
		},
		map[string]interface{}{
			"bars":        barCount,
			"duration_ms": duration.Milliseconds(),
		},
		time.Now(),
	)

	if err := ic.writeAPI.WritePoint(ctx, point); err != nil {
		ic.logger.WithError(err).Debug("Failed to write fetch metric")
	}
}

// WriteJobMetric records batch job progress.
func (ic *InfluxClient) WriteJobMetric(ctx context.Context, jobID int64, processed, failed, total int) {
	point := influxdb2.NewPoint(
		"batch_job",
		map[string]string{
			"job_id": strconv.FormatInt(jobID, 10),
		},
		map[string]interface{}{
			"processed": processed,
			"failed":    failed,
			"total":     total,
		},
		time.Now(),
	)

	if err := ic.writeAPI.WritePoint(ctx, point); err != nil {
		ic.logger.WithError(err).Debug("Failed to write job metric")
	}
}
