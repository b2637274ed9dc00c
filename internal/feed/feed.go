// Package feed connects the collector to NATS: device state is published
// after every ingested batch, and batches can be submitted over a queue
// subscription as an alternative to HTTP.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"drone_telemetry/internal/ingest"
	"drone_telemetry/internal/telemetry"
	"drone_telemetry/internal/validation"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "telemetry"

// Connect opens a NATS connection that keeps reconnecting until closed.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("telemetry-collector"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// StateSubject returns the subject a device's state is published on.
func StateSubject(prefix, deviceID string) string {
	return prefix + ".state." + deviceID
}

// IngestSubject returns the subject batches are accepted on.
func IngestSubject(prefix string) string {
	return prefix + ".ingest"
}

// Publisher publishes device state.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// NewPublisher returns a Publisher using subjects under prefix.
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// PublishState publishes rec on the device's state subject.
func (p *Publisher) PublishState(ctx context.Context, rec telemetry.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return p.nc.Publish(StateSubject(p.prefix, rec.DeviceID), b)
}

// Ingester accepts raw batches.
type Ingester interface {
	Ingest(ctx context.Context, payload []byte) (ingest.Result, error)
}

// Reply is sent back to requesters that set a reply subject.
type Reply struct {
	OK         bool                          `json:"ok"`
	BatchID    string                        `json:"batch_id,omitempty"`
	Records    int                           `json:"records,omitempty"`
	Degraded   bool                          `json:"degraded,omitempty"`
	Error      string                        `json:"error,omitempty"`
	Violations []validation.RecordViolations `json:"violations,omitempty"`
}

// Subscriber feeds batches received on the ingest subject to an Ingester.
type Subscriber struct {
	nc           *nats.Conn
	prefix       string
	queue        string
	ingester     Ingester
	logger       *slog.Logger
	timeout      time.Duration
	drainTimeout time.Duration
}

// NewSubscriber returns a Subscriber. Instances sharing queue split the
// load between them.
func NewSubscriber(nc *nats.Conn, prefix, queue string, ingester Ingester, logger *slog.Logger) *Subscriber {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if queue == "" {
		queue = "collectors"
	}
	return &Subscriber{
		nc:       nc,
		prefix:   prefix,
		queue:    queue,
		ingester:     ingester,
		logger:       logger,
		timeout:      30 * time.Second,
		drainTimeout: 30 * time.Second,
	}
}

// Run subscribes and blocks until ctx is done, then drains the
// subscription. Messages already received when ctx ends are still ingested,
// and Run returns once the drain has finished.
func (s *Subscriber) Run(ctx context.Context) error {
	subject := IngestSubject(s.prefix)
	sub, err := s.nc.QueueSubscribe(subject, s.queue, func(msg *nats.Msg) {
		reply := s.handle(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		b, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error("encode reply", "error", err)
			return
		}
		if err := msg.Respond(b); err != nil {
			s.logger.Warn("nats reply failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.logger.Info("nats ingest subscription started", "subject", subject, "queue", s.queue)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain %s: %w", subject, err)
	}
	return waitDrained(sub, s.drainTimeout)
}

// waitDrained blocks until sub has delivered its pending messages and closed.
func waitDrained(sub *nats.Subscription, timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for sub.IsValid() {
		select {
		case <-deadline:
			return fmt.Errorf("drain %s: timed out after %s", sub.Subject, timeout)
		case <-tick.C:
		}
	}
	return nil
}

// handle ingests one message. The ingest context keeps the values of ctx
// but not its cancellation, so batches drained at shutdown still complete.
func (s *Subscriber) handle(ctx context.Context, data []byte) Reply {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	res, err := s.ingester.Ingest(ctx, data)
	if err != nil {
		s.logger.Warn("nats batch rejected", "error", err)
		reply := Reply{Error: err.Error()}
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			reply.Violations = verr.Records
		}
		return reply
	}

	return Reply{
		OK:       true,
		BatchID:  res.BatchID,
		Records:  res.Records,
		Degraded: res.Degraded,
	}
}
