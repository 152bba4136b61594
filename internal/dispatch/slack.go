package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/circuitbreaker"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/pipeline/retry"
)

// SlackTransport delivers notifications to per-rule Slack incoming
// webhooks. Formatting follows Slack's plain-text webhook contract.
type SlackTransport struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
}

func NewSlackTransport(logger *slog.Logger) *SlackTransport {
	logger = logger.With("component", "slack_transport")
	return &SlackTransport{
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(1), 5), // incoming webhooks allow roughly 1 rps
		breaker: circuitbreaker.New(circuitbreaker.Config{
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("circuit state changed", "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (s *SlackTransport) Channel() model.Channel {
	return model.ChannelSlack
}

func (s *SlackTransport) Send(ctx context.Context, n *model.AlertNotification) error {
	if n.Recipient == "" {
		return retry.Terminal(fmt.Errorf("slack: no recipient configured for rule %s", n.RuleID))
	}
	if err := s.breaker.Allow(); err != nil {
		return retry.Transient(fmt.Errorf("slack: %w", err))
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	text := fmt.Sprintf("%s *[%s]* %s\n%s\ntx: `%s`",
		severityEmoji(n.Severity), n.Severity, n.RuleName, n.Message, n.TxID)

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return retry.Terminal(fmt.Errorf("marshal slack payload: %w", err))
	}

	if err := postJSON(ctx, s.client, n.Recipient, body); err != nil {
		s.breaker.RecordFailure()
		return fmt.Errorf("slack delivery failed: %w", err)
	}
	s.breaker.RecordSuccess()
	return nil
}

func severityEmoji(sev model.Severity) string {
	switch sev {
	case model.SeverityCritical:
		return ":rotating_light:"
	case model.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
