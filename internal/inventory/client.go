// Package inventory передает владение объявлениями после завершения обмена.
package inventory

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rajivgeraev/flippy-trades/internal/config"
)

// Transferer передает объявление новому владельцу
type Transferer interface {
	TransferOwnership(ctx context.Context, listingID, newOwnerID uuid.UUID) error
}

// RestClient - клиент сервиса объявлений
type RestClient struct {
	client     *resty.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

var _ Transferer = (*RestClient)(nil)

// NewRestClient создает клиент сервиса объявлений
func NewRestClient(cfg config.InventoryConfig, logger *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	retries := cfg.RetryCount
	if retries < 1 {
		retries = 1
	}

	return &RestClient{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		maxRetries: retries,
		backoff:    time.Second,
		logger:     logger,
	}
}

type transferRequest struct {
	NewOwnerID uuid.UUID `json:"new_owner_id"`
}

// TransferOwnership вызывает POST /listings/:id/transfer
func (c *RestClient) TransferOwnership(ctx context.Context, listingID, newOwnerID uuid.UUID) error {
	req := c.client.R().
		SetContext(ctx).
		SetPathParam("id", listingID.String()).
		SetBody(transferRequest{NewOwnerID: newOwnerID})

	if _, err := c.doRequest(ctx, http.MethodPost, "/listings/{id}/transfer", req); err != nil {
		return fmt.Errorf("ошибка передачи объявления %s: %w", listingID, err)
	}

	c.logger.Info("Объявление передано новому владельцу",
		zap.Stringer("listing_id", listingID),
		zap.Stringer("new_owner_id", newOwnerID),
	)
	return nil
}

// doRequest выполняет запрос с ограничением частоты и повторами на 429/5xx
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("ошибка ожидания лимитера: %w", err)
		}

		resp, err = req.Execute(method, url)
		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err != nil {
			shouldRetry = true
		} else {
			switch code := resp.StatusCode(); {
			case code == http.StatusTooManyRequests:
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			case code >= http.StatusInternalServerError:
				shouldRetry = true
			}
		}

		if !shouldRetry {
			return nil, fmt.Errorf("запрос завершился статусом %s: %s", resp.Status(), resp.String())
		}
		if err == nil {
			err = fmt.Errorf("статус %s", resp.Status())
		}
		if i == c.maxRetries-1 {
			break
		}

		if retryAfter == 0 {
			// 1x, 2x, 4x
			retryAfter = c.backoff << i
		}

		c.logger.Warn("Запрос к сервису объявлений не удался, повторяем",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("запрос не удался после %d попыток: %w", c.maxRetries, err)
}
