package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	awspkg "github.com/ossobv/osso-djuty-sub000/pkg/aws"
	"go.uber.org/zap"
)

// Alerter notifies operators about failures that need a human.
type Alerter interface {
	Alert(ctx context.Context, p *models.Payment, err error)
}

// AlertPublisher is satisfied by *awspkg.SNSClient.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, topicArn, subject string, message []byte) error
}

// MetricsRecorder is satisfied by *awspkg.MetricsClient.
type MetricsRecorder interface {
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
	RecordLatency(ctx context.Context, metricName string, duration time.Duration, dimensions map[string]string) error
}

type operatorAlerter struct {
	publisher AlertPublisher
	topicArn  string
	metrics   MetricsRecorder
	logger    *zap.Logger
}

// NewOperatorAlerter logs every alert and, when topicArn is set, publishes
// it to SNS. metrics may be nil.
func NewOperatorAlerter(logger *zap.Logger, publisher AlertPublisher, topicArn string, metrics MetricsRecorder) Alerter {
	return &operatorAlerter{publisher: publisher, topicArn: topicArn, metrics: metrics, logger: logger}
}

type alertMessage struct {
	PaymentID string    `json:"payment_id"`
	Provider  string    `json:"provider"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	UniqueKey string    `json:"unique_key,omitempty"`
	At        time.Time `json:"at"`
}

func (a *operatorAlerter) Alert(ctx context.Context, p *models.Payment, err error) {
	kind := apperrors.KindOf(err)
	fields := []zap.Field{zap.String("kind", string(kind)), zap.Error(err)}
	msg := alertMessage{Kind: string(kind), Error: err.Error(), At: time.Now().UTC()}
	if p != nil {
		fields = append(fields, zap.String("payment_id", p.ID.String()), zap.String("provider", p.Provider))
		msg.PaymentID = p.ID.String()
		msg.Provider = p.Provider
		msg.State = string(p.State())
		msg.Status = string(p.Status())
		msg.UniqueKey = p.UniqueKey
	}
	a.logger.Error("Payment needs operator attention", fields...)

	if a.metrics != nil {
		name := awspkg.MetricProviderErrors
		if kind == apperrors.KindPaymentSuspect {
			name = awspkg.MetricPaymentSuspect
		}
		if merr := a.metrics.RecordCount(ctx, name, map[string]string{"Provider": msg.Provider}); merr != nil {
			a.logger.Warn("Failed to record alert metric", zap.Error(merr))
		}
	}

	if a.publisher == nil || a.topicArn == "" {
		return
	}
	body, _ := json.Marshal(msg)
	subject := fmt.Sprintf("[payments] %s for payment %s", kind, msg.PaymentID)
	if perr := a.publisher.PublishAlert(ctx, a.topicArn, subject, body); perr != nil {
		a.logger.Error("Failed to publish operator alert", zap.Error(perr))
	}
}

// needsOperator reports whether err is a hard failure no retry will fix.
func needsOperator(err error) bool {
	return errors.Is(err, apperrors.ErrPaymentSuspect) || errors.Is(err, apperrors.ErrProviderError)
}
