package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/worker"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
)

// JobTypeSend delivers one notification through the configured Sender
const JobTypeSend = "notification.send"

// ErrMissingRecipient is returned when a notification has no recipient
var ErrMissingRecipient = errors.New("notification recipient is required")

// Sender delivers a notification payload to a recipient
type Sender interface {
	Send(ctx context.Context, recipient string, payload json.RawMessage) error
}

// Publisher is the part of the RabbitMQ client the sender needs
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Message is the body published for every notification
type Message struct {
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sent_at"`
}

// RabbitSender publishes notifications to a RabbitMQ exchange
type RabbitSender struct {
	publisher  Publisher
	routingKey string
	logger     *slog.Logger
	Now        func() time.Time
}

// NewRabbitSender creates a sender. An empty routingKey uses the client's
// configured key.
func NewRabbitSender(publisher Publisher, routingKey string, logger *slog.Logger) *RabbitSender {
	return &RabbitSender{
		publisher:  publisher,
		routingKey: routingKey,
		logger:     logger,
		Now:        time.Now,
	}
}

// Send implements Sender
func (s *RabbitSender) Send(ctx context.Context, recipient string, payload json.RawMessage) error {
	if strings.TrimSpace(recipient) == "" {
		return ErrMissingRecipient
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(Message{
		Recipient: recipient,
		Payload:   payload,
		SentAt:    s.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	if err := s.publisher.PublishWithRetry(ctx, s.routingKey, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	s.logger.Info("Notification published",
		slog.String("recipient", recipient),
		slog.Int("body_size", len(body)),
	)
	return nil
}

// SendPayload is the payload of a notification.send job
type SendPayload struct {
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
}

// Submit enqueues a notification.send job so delivery outcome is visible on
// the job row
func Submit(ctx context.Context, enqueuer worker.Enqueuer, recipient string, payload interface{}, opts ...worker.EnqueueOption) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", ErrMissingRecipient
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}

	return enqueuer.Enqueue(ctx, JobTypeSend, SendPayload{Recipient: recipient, Payload: raw}, opts...)
}

// Handler returns the notification.send job handler
func Handler(sender Sender) worker.Handler {
	return func(ctx context.Context, job *domain.Job) error {
		var p SendPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		if strings.TrimSpace(p.Recipient) == "" {
			return domain.NewPermanentError(ErrMissingRecipient)
		}
		return sender.Send(ctx, p.Recipient, p.Payload)
	}
}
