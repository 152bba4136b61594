package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/circuitbreaker"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/pipeline/retry"
)

const (
	defaultHTTPTimeout  = 10 * time.Second
	defaultWebhookRate  = rate.Limit(10) // deliveries per second
	defaultWebhookBurst = 20
	connectRetryMax     = 2
	connectRetryInitial = 200 * time.Millisecond
)

// WebhookTransport POSTs a JSON envelope to the rule's configured URL. A
// per-transport circuit breaker sheds load after consecutive endpoint
// failures; connection-level errors within one attempt are retried with
// short exponential backoff before the dispatcher sees them.
type WebhookTransport struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

func NewWebhookTransport(logger *slog.Logger) *WebhookTransport {
	logger = logger.With("component", "webhook_transport")
	return &WebhookTransport{
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		limiter: rate.NewLimiter(defaultWebhookRate, defaultWebhookBurst),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("circuit state changed", "from", from.String(), "to", to.String())
			},
		}),
		now: time.Now,
	}
}

func (w *WebhookTransport) Channel() model.Channel {
	return model.ChannelWebhook
}

func (w *WebhookTransport) Send(ctx context.Context, n *model.AlertNotification) error {
	if n.Recipient == "" {
		return retry.Terminal(fmt.Errorf("webhook: no recipient configured for rule %s", n.RuleID))
	}
	if err := w.breaker.Allow(); err != nil {
		return retry.Transient(fmt.Errorf("webhook: %w", err))
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	payload := map[string]any{
		"rule_id":   n.RuleID.String(),
		"rule_name": n.RuleName,
		"severity":  string(n.Severity),
		"tx_id":     n.TxID,
		"message":   n.Message,
		"time":      w.now().UTC().Format(time.RFC3339),
	}
	if n.EventIndex != nil {
		payload["event_index"] = *n.EventIndex
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Terminal(fmt.Errorf("marshal webhook payload: %w", err))
	}

	err = postJSON(ctx, w.client, n.Recipient, body)
	if err != nil {
		w.breaker.RecordFailure()
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	w.breaker.RecordSuccess()
	return nil
}

// postJSON performs the POST, retrying connection-level errors a couple of
// times so a single dropped connection does not consume a dispatcher
// attempt. HTTP status handling: 2xx succeeds, 429 and 5xx are transient,
// everything else is terminal.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(retry.Terminal(fmt.Errorf("create request: %w", err)))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("post: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
		}()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		statusErr := fmt.Errorf("http status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return backoff.Permanent(retry.Transient(statusErr))
		}
		return backoff.Permanent(retry.Terminal(statusErr))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = connectRetryInitial
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, connectRetryMax), ctx))
}
