package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/ossobv/osso-djuty-sub000/models"
	awspkg "github.com/ossobv/osso-djuty-sub000/pkg/aws"
	"go.uber.org/zap"
)

// MessageSender is satisfied by *awspkg.SQSQueue.
type MessageSender interface {
	SendMessage(ctx context.Context, body string, delaySeconds int32) error
}

// StatusPoller is satisfied by *services.Reconciler.
type StatusPoller interface {
	PollStatus(ctx context.Context, id uuid.UUID) error
}

// StatusPollQueue puts status poll requests on SQS.
type StatusPollQueue struct {
	sender MessageSender
}

func NewStatusPollQueue(sender MessageSender) *StatusPollQueue {
	return &StatusPollQueue{sender: sender}
}

// EnqueueStatusPoll sends req, delayed by at most the SQS maximum of 15 minutes.
func (q *StatusPollQueue) EnqueueStatusPoll(ctx context.Context, req models.StatusPollRequest, delay time.Duration) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal status poll: %w", err)
	}
	seconds := int32(math.Min(math.Ceil(delay.Seconds()), 900))
	if seconds < 0 {
		seconds = 0
	}
	return q.sender.SendMessage(ctx, string(body), seconds)
}

// snsEnvelope unwraps the SNS → SQS message wrapper
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// Counter is satisfied by *awspkg.MetricsClient.
type Counter interface {
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
}

// StatusPollConsumer handles status poll messages.
type StatusPollConsumer struct {
	poller  StatusPoller
	logger  *zap.Logger
	metrics Counter
}

func NewStatusPollConsumer(poller StatusPoller, logger *zap.Logger) *StatusPollConsumer {
	return &StatusPollConsumer{poller: poller, logger: logger}
}

// WithMetrics counts every processed message by outcome.
func (c *StatusPollConsumer) WithMetrics(m Counter) *StatusPollConsumer {
	c.metrics = m
	return c
}

// Run polls queue until ctx is cancelled.
func (c *StatusPollConsumer) Run(ctx context.Context, queue *awspkg.SQSQueue) error {
	return queue.StartPolling(ctx, c.Handle)
}

// Handle processes one message body. Only failures worth retrying are
// returned; the message then stays on the queue.
func (c *StatusPollConsumer) Handle(ctx context.Context, body string) error {
	payload := []byte(body)

	var envelope snsEnvelope
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Type == "Notification" {
		payload = []byte(envelope.Message)
	}

	var req models.StatusPollRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		// unparseable, delete to avoid an infinite loop
		c.logger.Error("Failed to unmarshal status poll", zap.Error(err))
		return nil
	}
	id, err := uuid.Parse(req.PaymentID)
	if err != nil {
		c.logger.Error("Status poll without a valid payment id", zap.String("payment_id", req.PaymentID))
		return nil
	}

	if err := c.poller.PollStatus(ctx, id); err != nil {
		c.logger.Warn("Status poll will be retried",
			zap.String("payment_id", req.PaymentID),
			zap.String("reason", req.Reason),
			zap.Error(err),
		)
		c.count(ctx, "retry")
		return err
	}
	c.count(ctx, "done")
	return nil
}

func (c *StatusPollConsumer) count(ctx context.Context, outcome string) {
	if c.metrics == nil {
		return
	}
	if err := c.metrics.RecordCount(ctx, awspkg.MetricSQSMessages, map[string]string{"Outcome": outcome}); err != nil {
		c.logger.Warn("Failed to record status poll metric", zap.Error(err))
	}
}
