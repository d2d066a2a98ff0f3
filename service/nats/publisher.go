package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/txlander/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing events to NATS.
type Publisher interface {
	// PublishSubmission publishes a terminal submission event to
	// "submissions.{status}".
	PublishSubmission(ctx context.Context, event *SubmissionEvent) error

	// PublishAccount publishes an account change to "accounts.{address}".
	PublishAccount(ctx context.Context, event *AccountEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// SubmissionStream holds submission outcomes.
	SubmissionStream = "SUBMISSIONS"
	// AccountStream holds account changes.
	AccountStream = "ACCOUNTS"

	// StreamRetention is how long messages are retained.
	StreamRetention = 30 * 24 * time.Hour
)

var streams = []jetstream.StreamConfig{
	{
		Name:        SubmissionStream,
		Description: "Terminal outcomes of ledger submissions",
		Subjects:    []string{"submissions.*"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	},
	{
		Name:        AccountStream,
		Description: "State changes of watched accounts",
		Subjects:    []string{"accounts.*"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	},
}

// NewPublisher connects to NATS and ensures the streams exist. m may be nil.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("txlander-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, cfg := range streams {
		if err := publisher.ensureStream(ctx, cfg); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream %s exists: %w", cfg.Name, err)
		}
	}

	logger.Info("NATS publisher initialized", "url", natsURL)
	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream(ctx context.Context, cfg jetstream.StreamConfig) error {
	stream, err := p.js.Stream(ctx, cfg.Name)
	if err == nil {
		if info, err := stream.Info(ctx); err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", cfg.Name,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", cfg.Name)
	if _, err := p.js.CreateStream(ctx, cfg); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishSubmission publishes a submission event.
func (p *JetStreamPublisher) PublishSubmission(ctx context.Context, event *SubmissionEvent) error {
	if err := p.publish(ctx, SubmissionSubject(event.Status), event); err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "published submission event",
		"operation_id", event.OperationID,
		"status", event.Status,
	)
	return nil
}

// PublishAccount publishes an account change event.
func (p *JetStreamPublisher) PublishAccount(ctx context.Context, event *AccountEvent) error {
	if err := p.publish(ctx, AccountSubject(event.Address), event); err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "published account event",
		"address", event.Address,
		"hash", event.Hash,
	)
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		// one label per stream
		p.metrics.RecordNATSPublish(subjectPrefix(subject), status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func subjectPrefix(subject string) string {
	prefix, _, _ := strings.Cut(subject, ".")
	return prefix
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
