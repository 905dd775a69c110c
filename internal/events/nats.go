package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/arena-ledger/internal/metrics"
)

const (
	// StreamName is the JetStream stream holding ledger events.
	StreamName = "ARENA_LEDGER_EVENTS"

	subjectPrefix = "arena.ledger.events"
)

// Subject returns the subject an event type is published on.
func Subject(eventType string) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, eventType)
}

// NATSPublisher queues events and publishes them to JetStream from Run.
// Subjects follow arena.ledger.events.{event_type}.
type NATSPublisher struct {
	js     jetstream.JetStream
	queue  chan Event
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher with a queue of size buffer.
func NewNATSPublisher(js jetstream.JetStream, buffer int, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{js: js, queue: make(chan Event, buffer), logger: logger}
}

// Publish queues evt. A full queue drops the event.
func (p *NATSPublisher) Publish(_ context.Context, evt Event) {
	select {
	case p.queue <- evt:
	default:
		metrics.EventsPublished.WithLabelValues("nats", "dropped").Inc()
		p.logger.Warn("event queue full, dropping", "type", evt.Type, "id", evt.ID.String())
	}
}

// Run publishes queued events until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.queue:
			if err := p.publish(ctx, evt); err != nil {
				metrics.EventsPublished.WithLabelValues("nats", "error").Inc()
				p.logger.Warn("outbound publish failed", "type", evt.Type, "id", evt.ID.String(), "err", err)
				continue
			}
			metrics.EventsPublished.WithLabelValues("nats", "ok").Inc()
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(evt.Type), data, jetstream.WithMsgID(evt.ID.String()))
	return err
}

// EnsureStream creates or updates the ledger events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	return nil
}

// Connect opens a NATS connection and its JetStream context.
func Connect(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
