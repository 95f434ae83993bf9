package notify

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookSink отправляет события POST-запросом на внешний URL
type WebhookSink struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

var _ Sink = (*WebhookSink)(nil)

// NewWebhookSink создает канал доставки через HTTP webhook
func NewWebhookSink(url string, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		client: resty.New().SetHeader("Content-Type", "application/json"),
		url:    url,
		logger: logger,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Send доставляет одно событие без повторов
func (s *WebhookSink) Send(ctx context.Context, e Event) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-Event-Type", string(e.Type)).
		SetBody(e).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("ошибка отправки webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook ответил статусом %s", resp.Status())
	}

	s.logger.Debug("Webhook доставлен",
		zap.String("type", string(e.Type)),
		zap.Stringer("trade_id", e.TradeID),
	)
	return nil
}
