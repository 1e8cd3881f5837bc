package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"astralcore.app/crisis/internal/model"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

type Config struct {
	URL        string
	Token      string
	Timeout    time.Duration
	RatePerSec float64
	// RetryMax is the number of in-call retries for connection errors and 5xx
	// before the failure is reported as transient.
	RetryMax int
}

// WebhookClient delivers escalation payloads to the human-response system.
type WebhookClient struct {
	cfg     Config
	http    *retryablehttp.Client
	limiter *rate.Limiter
}

func NewWebhookClient(cfg Config) (*WebhookClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("escalation webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = slog.Default()
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Transport = otelhttp.NewTransport(client.HTTPClient.Transport)

	burst := max(1, int(cfg.RatePerSec))
	return &WebhookClient{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
	}, nil
}

// Deliver POSTs payload. It returns nil on 2xx, a TransientDeliveryError for
// 408, 429, 5xx and network failures, and a PermanentDeliveryError otherwise.
func (c *WebhookClient) Deliver(ctx context.Context, payload model.EscalationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return model.Permanent(model.DeliveryChannelEscalation, fmt.Errorf("encode payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return model.Transient(model.DeliveryChannelEscalation, fmt.Errorf("rate limiter: %w", err))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return model.Permanent(model.DeliveryChannelEscalation, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.IdempotencyKey())
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Transient(model.DeliveryChannelEscalation, fmt.Errorf("post escalation: %w", err))
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return classify(resp.StatusCode, snippet)
}

func classify(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return model.Transient(model.DeliveryChannelEscalation, fmt.Errorf("webhook returned %d: %s", status, body))
	default:
		return model.Permanent(model.DeliveryChannelEscalation, fmt.Errorf("webhook returned %d: %s", status, body))
	}
}
