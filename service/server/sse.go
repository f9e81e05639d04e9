package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/xrpgate/service/metrics"
	natspkg "github.com/brojonat/xrpgate/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultKeepalive = 10 * time.Second

// eventSource delivers raw payment event payloads for a subject filter
// until ctx is done.
type eventSource interface {
	Subscribe(ctx context.Context, subject string) (<-chan []byte, error)
	Close() error
}

// SSEPublisher manages Server-Sent Events connections for payment streaming.
type SSEPublisher struct {
	source    eventSource
	keepalive time.Duration
	logger    *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that consumes the payments
// stream from NATS JetStream.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := natspkg.Connect(natsURL, "xrpgate-sse-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)
	return newSSEPublisher(&jetStreamSource{nc: nc, js: js}, logger), nil
}

func newSSEPublisher(source eventSource, logger *slog.Logger) *SSEPublisher {
	return &SSEPublisher{
		source:    source,
		keepalive: defaultKeepalive,
		logger:    logger,
	}
}

// Close closes the underlying event source.
func (p *SSEPublisher) Close() error {
	if err := p.source.Close(); err != nil {
		return err
	}
	p.logger.Info("SSE publisher closed")
	return nil
}

// jetStreamSource reads payment events through an ephemeral consumer per
// subscription.
type jetStreamSource struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func (s *jetStreamSource) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	cons, err := s.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy, // only events after the client connects
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	out := make(chan []byte, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case out <- msg.Data():
			msg.Ack()
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming messages: %w", err)
	}

	// out is left open; the consume callback may still be running after Stop.
	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	return out, nil
}

func (s *jetStreamSource) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// handleStreamPayments handles SSE streaming of payment events.
// If the intent_id path parameter is empty, streams every payment.
func handleStreamPayments(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		intentID := r.PathValue("intent_id")
		subject := natspkg.StreamSubjects
		if intentID != "" {
			subject = natspkg.SubjectPrefix + intentID
		}

		flusher, _ := w.(http.Flusher)
		flush := func() {
			if flusher != nil {
				flusher.Flush()
			}
		}

		events, err := publisher.source.Subscribe(ctx, subject)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe to payment events",
				"subject", subject,
				"error", err,
			)
			writeSSE(w, "error", map[string]string{"error": "failed to subscribe"})
			flush()
			if m != nil {
				m.RecordSSEEventSent("error")
			}
			return
		}

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}

		logger.DebugContext(ctx, "SSE client connected",
			"subject", subject,
			"remote_addr", r.RemoteAddr,
		)

		writeSSE(w, "connected", map[string]string{"intent_id": intentID, "subject": subject})
		flush()
		if m != nil {
			m.RecordSSEEventSent("connected")
		}

		keepalive := time.NewTicker(publisher.keepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case data, ok := <-events:
				if !ok {
					return
				}
				var event natspkg.PaymentEvent
				if err := json.Unmarshal(data, &event); err != nil {
					logger.WarnContext(ctx, "failed to unmarshal payment event", "error", err)
					continue
				}
				writeSSE(w, "payment", &event)
				flush()
				if m != nil {
					m.RecordSSEEventSent("payment")
				}

				logger.DebugContext(ctx, "sent payment event",
					"intent_id", event.IntentID,
					"status", event.Status,
				)

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"subject", subject,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}

func writeSSE(w http.ResponseWriter, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
