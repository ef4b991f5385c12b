package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

const (
	jobsStream          = "JOBS"
	subjectJobProgress  = "jobs.progress"
	subjectJobCompleted = "jobs.completed"
	subjectJobAll       = "jobs.>"

	publishAckTimeout = 2 * time.Second
)

// NATSClient publishes and consumes batch job events over JetStream.
type NATSClient struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	encoder *nats.EncodedConn
	logger  *logrus.Entry
	cfg     *config.NATSConfig

	subs   map[string]*nats.Subscription
	subsMu sync.RWMutex
}

// NewNATSClient connects to NATS and ensures the job event stream exists.
func NewNATSClient(cfg *config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	encoder, err := nats.NewEncodedConn(conn, nats.JSON_ENCODER)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create encoded connection: %w", err)
	}

	nc := &NATSClient{
		conn:    conn,
		js:      js,
		encoder: encoder,
		logger:  logger.WithField("component", "nats"),
		cfg:     cfg,
		subs:    make(map[string]*nats.Subscription),
	}

	if err := nc.initializeStreams(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize streams: %w", err)
	}

	return nc, nil
}

// Close unsubscribes everything and closes the connection.
func (nc *NATSClient) Close() error {
	nc.subsMu.Lock()
	for _, sub := range nc.subs {
		sub.Unsubscribe()
	}
	nc.subs = make(map[string]*nats.Subscription)
	nc.subsMu.Unlock()

	nc.encoder.Close()
	nc.conn.Close()
	return nil
}

// IsConnected checks if NATS is connected.
func (nc *NATSClient) IsConnected() bool {
	return nc.conn.IsConnected()
}

// initializeStreams creates the JetStream stream for job events. Events are
// transient progress fan-out, so memory storage with a short retention is
// enough.
func (nc *NATSClient) initializeStreams() error {
	_, err := nc.js.AddStream(&nats.StreamConfig{
		Name:     jobsStream,
		Subjects: []string{subjectJobAll},
		Storage:  nats.MemoryStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create %s stream: %w", jobsStream, err)
	}
	return nil
}

// PublishJobProgress publishes a per-symbol progress update. Progress is the
// hot path during a batch run, so the publish is async with a bounded wait
// for the acknowledgment.
func (nc *NATSClient) PublishJobProgress(event *models.JobEvent) error {
	subject := fmt.Sprintf("%s.%d", subjectJobProgress, event.JobID)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	future, err := nc.js.PublishAsync(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish job progress: %w", err)
	}

	select {
	case <-future.Ok():
		return nil
	case err := <-future.Err():
		return fmt.Errorf("failed to publish job progress: %w", err)
	case <-time.After(publishAckTimeout):
		return fmt.Errorf("publish timeout for subject %s", subject)
	}
}

// PublishJobCompleted publishes the terminal event for a job.
func (nc *NATSClient) PublishJobCompleted(event *models.JobEvent) error {
	subject := fmt.Sprintf("%s.%d", subjectJobCompleted, event.JobID)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	if _, err := nc.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish job completion: %w", err)
	}
	return nil
}

// SubscribeJobEvents subscribes to all job events, progress and completion
// alike. The WebSocket bridge fans these out to connected clients.
func (nc *NATSClient) SubscribeJobEvents(handler func(*models.JobEvent)) error {
	sub, err := nc.encoder.Subscribe(subjectJobAll, func(event *models.JobEvent) {
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to job events: %w", err)
	}

	nc.subsMu.Lock()
	nc.subs[subjectJobAll] = sub
	nc.subsMu.Unlock()

	return nil
}

// Unsubscribe unsubscribes from a subject.
func (nc *NATSClient) Unsubscribe(subject string) error {
	nc.subsMu.Lock()
	defer nc.subsMu.Unlock()

	if sub, exists := nc.subs[subject]; exists {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
		delete(nc.subs, subject)
	}

	return nil
}

// Drain drains the connection (graceful shutdown).
func (nc *NATSClient) Drain() error {
	return nc.conn.Drain()
}
