package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/worker"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/storage"
	"github.com/cuongbtq/ongkir-resilience/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishCall struct {
	routingKey  string
	body        []byte
	contentType string
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, routingKey string, body []byte, contentType string) error {
	p.calls = append(p.calls, publishCall{routingKey, body, contentType})
	return p.err
}

func TestRabbitSender_Send(t *testing.T) {
	ctx := context.Background()
	sentAt := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	t.Run("publishes the message envelope", func(t *testing.T) {
		pub := &fakePublisher{}
		s := NewRabbitSender(pub, "notifications.ops", logger.NewNop())
		s.Now = func() time.Time { return sentAt }

		require.NoError(t, s.Send(ctx, "ops@example.com", json.RawMessage(`{"subject":"check in"}`)))
		require.Len(t, pub.calls, 1)

		call := pub.calls[0]
		assert.Equal(t, "notifications.ops", call.routingKey)
		assert.Equal(t, "application/json", call.contentType)
		assert.JSONEq(t,
			`{"recipient":"ops@example.com","payload":{"subject":"check in"},"sent_at":"2026-03-01T08:30:00Z"}`,
			string(call.body))
	})

	t.Run("empty payload becomes an object", func(t *testing.T) {
		pub := &fakePublisher{}
		s := NewRabbitSender(pub, "", logger.NewNop())

		require.NoError(t, s.Send(ctx, "ops@example.com", nil))
		var msg Message
		require.NoError(t, json.Unmarshal(pub.calls[0].body, &msg))
		assert.JSONEq(t, `{}`, string(msg.Payload))
	})

	t.Run("rejects a blank recipient", func(t *testing.T) {
		pub := &fakePublisher{}
		s := NewRabbitSender(pub, "", logger.NewNop())

		assert.ErrorIs(t, s.Send(ctx, " ", nil), ErrMissingRecipient)
		assert.Empty(t, pub.calls)
	})

	t.Run("wraps publish errors", func(t *testing.T) {
		broker := errors.New("channel closed")
		s := NewRabbitSender(&fakePublisher{err: broker}, "", logger.NewNop())

		err := s.Send(ctx, "ops@example.com", nil)
		assert.ErrorIs(t, err, broker)
	})
}

type recordingSender struct {
	recipient string
	payload   json.RawMessage
	err       error
}

func (s *recordingSender) Send(_ context.Context, recipient string, payload json.RawMessage) error {
	s.recipient = recipient
	s.payload = payload
	return s.err
}

func TestSubmitAndHandle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	queue := worker.NewQueue(store, logger.NewNop(), 3)

	id, err := Submit(ctx, queue, "ops@example.com", map[string]string{"text": "heartbeat missed"})
	require.NoError(t, err)

	job, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobTypeSend, job.Type)

	sender := &recordingSender{}
	require.NoError(t, Handler(sender)(ctx, job))
	assert.Equal(t, "ops@example.com", sender.recipient)
	assert.JSONEq(t, `{"text":"heartbeat missed"}`, string(sender.payload))

	_, err = Submit(ctx, queue, "", nil)
	assert.ErrorIs(t, err, ErrMissingRecipient)
}

func TestHandler_Errors(t *testing.T) {
	ctx := context.Background()

	err := Handler(&recordingSender{})(ctx, &domain.Job{Payload: json.RawMessage(`[`)})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	err = Handler(&recordingSender{})(ctx, &domain.Job{Payload: json.RawMessage(`{"payload":{}}`)})
	assert.True(t, domain.IsPermanent(err))

	transient := errors.New("broker unreachable")
	err = Handler(&recordingSender{err: transient})(ctx, &domain.Job{Payload: json.RawMessage(`{"recipient":"a@b.c"}`)})
	assert.ErrorIs(t, err, transient)
	assert.False(t, domain.IsPermanent(err))
}
