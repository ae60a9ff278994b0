package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ossobv/osso-djuty-sub000/models"
	awspkg "github.com/ossobv/osso-djuty-sub000/pkg/aws"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// SNSHandler publishes payment_updated events to an SNS topic.
type SNSHandler struct {
	publisher awspkg.SNSPublisher
	topicArn  string
}

// NewSNSHandler creates an SNSHandler.
func NewSNSHandler(publisher awspkg.SNSPublisher, topicArn string) *SNSHandler {
	return &SNSHandler{publisher: publisher, topicArn: topicArn}
}

func (h *SNSHandler) HandlePaymentUpdated(ctx context.Context, ev PaymentUpdated) error {
	b, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, h.topicArn, b)
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaHandler writes payment_updated events to a Kafka topic keyed by
// payment id, so all events of one payment land on one partition in order.
type KafkaHandler struct {
	writer MessageWriter
}

// NewKafkaWriter creates the writer used by KafkaHandler.
func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	logger.Info("Kafka payment event writer initialized", zap.String("topic", topic), zap.Strings("brokers", brokers))
	return w
}

// NewKafkaHandler creates a KafkaHandler.
func NewKafkaHandler(writer MessageWriter) *KafkaHandler {
	return &KafkaHandler{writer: writer}
}

func (h *KafkaHandler) HandlePaymentUpdated(ctx context.Context, ev PaymentUpdated) error {
	b, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	return h.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Payment.ID.String()),
		Value: b,
	})
}

// MetricsRecorder is satisfied by *awspkg.MetricsClient.
type MetricsRecorder interface {
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
}

// MetricsHandler counts payment transitions in CloudWatch.
type MetricsHandler struct {
	metrics MetricsRecorder
}

// NewMetricsHandler creates a MetricsHandler.
func NewMetricsHandler(metrics MetricsRecorder) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

func (h *MetricsHandler) HandlePaymentUpdated(ctx context.Context, ev PaymentUpdated) error {
	name, ok := changeMetrics[ev.Change]
	if !ok {
		return nil
	}
	return h.metrics.RecordCount(ctx, name, map[string]string{
		"Provider": ev.Payment.Provider,
		"Currency": ev.Payment.Currency,
	})
}

var changeMetrics = map[models.Change]string{
	models.ChangePassed:  awspkg.MetricPaymentPassed,
	models.ChangeAborted: awspkg.MetricPaymentAborted,
	models.ChangeReset:   awspkg.MetricPaymentReset,
	models.ChangeRevoked: awspkg.MetricPaymentRevoked,
}

func marshalEvent(ev PaymentUpdated) ([]byte, error) {
	b, err := json.Marshal(models.NewPaymentEvent(ev.Payment, ev.Change, ev.At))
	if err != nil {
		return nil, fmt.Errorf("marshal payment event: %w", err)
	}
	return b, nil
}
