// Package email publishes outbound email jobs to Kafka. Delivery is
// fire-and-forget: failures are logged for the mail pipeline to reconcile,
// never surfaced to the authentication flows.
package email

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"taskauth/internal/client"
	"taskauth/internal/models"
	"taskauth/internal/util"
)

const (
	TemplateVerification  = "email_verification"
	TemplatePasswordReset = "password_reset"
	TemplateLoginAlert    = "login_alert"
)

type Sender interface {
	SendVerification(ctx context.Context, to, name, verifyToken string)
	SendPasswordReset(ctx context.Context, to, resetToken string)
	SendLoginAlert(ctx context.Context, to string, meta models.ClientMeta)
}

type job struct {
	Template string            `json:"template"`
	To       string            `json:"to"`
	Data     map[string]string `json:"data,omitempty"`
	QueuedAt time.Time         `json:"queued_at"`
}

type kafkaSender struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSender(producer *client.KafkaProducer, topic string) Sender {
	return &kafkaSender{producer: producer, topic: topic}
}

func (s *kafkaSender) SendVerification(ctx context.Context, to, name, verifyToken string) {
	s.publish(ctx, job{
		Template: TemplateVerification,
		To:       to,
		Data: map[string]string{
			"name":         name,
			"verify_token": verifyToken,
		},
	})
}

func (s *kafkaSender) SendPasswordReset(ctx context.Context, to, resetToken string) {
	s.publish(ctx, job{
		Template: TemplatePasswordReset,
		To:       to,
		Data:     map[string]string{"reset_token": resetToken},
	})
}

func (s *kafkaSender) SendLoginAlert(ctx context.Context, to string, meta models.ClientMeta) {
	s.publish(ctx, job{
		Template: TemplateLoginAlert,
		To:       to,
		Data: map[string]string{
			"device_id":  meta.DeviceID,
			"user_agent": meta.UserAgent,
			"ip_address": meta.IPAddress,
		},
	})
}

func (s *kafkaSender) publish(ctx context.Context, j job) {
	j.QueuedAt = time.Now().UTC()

	payload, err := json.Marshal(j)
	if err != nil {
		util.Error("Failed to encode email job", zap.Error(err))
		return
	}

	// Detached so a finished request does not cancel the publish.
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.producer.Publish(sendCtx, s.topic, []byte(j.To), payload); err != nil {
			util.Error("Failed to publish email job",
				zap.String("template", j.Template),
				zap.Error(err))
		}
	}()
}

// NopSender discards all email jobs. Used in tests.
type NopSender struct{}

func (NopSender) SendVerification(context.Context, string, string, string) {}
func (NopSender) SendPasswordReset(context.Context, string, string)        {}
func (NopSender) SendLoginAlert(context.Context, string, models.ClientMeta) {}
