package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/pipeline/retry"
)

// EmailSender is the slice of the Resend client the transport uses.
type EmailSender interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailTransport sends notification emails through Resend.
type EmailTransport struct {
	sender EmailSender
	from   string
}

func NewEmailTransport(apiKey, from string) *EmailTransport {
	return &EmailTransport{
		sender: resend.NewClient(apiKey).Emails,
		from:   from,
	}
}

// NewEmailTransportWithSender is used by tests to substitute the Resend API.
func NewEmailTransportWithSender(sender EmailSender, from string) *EmailTransport {
	return &EmailTransport{sender: sender, from: from}
}

func (e *EmailTransport) Channel() model.Channel {
	return model.ChannelEmail
}

func (e *EmailTransport) Send(ctx context.Context, n *model.AlertNotification) error {
	if n.Recipient == "" {
		return retry.Terminal(fmt.Errorf("email: no recipient configured for rule %s", n.RuleID))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := fmt.Sprintf("[%s] %s", n.Severity, n.RuleName)
	var body strings.Builder
	fmt.Fprintf(&body, "%s\n\n", n.Message)
	fmt.Fprintf(&body, "Transaction: %s\n", n.TxID)
	if n.EventIndex != nil {
		fmt.Fprintf(&body, "Event index: %d\n", *n.EventIndex)
	}
	fmt.Fprintf(&body, "Rule: %s (%s)\n", n.RuleName, n.RuleID)

	_, err := e.sender.Send(&resend.SendEmailRequest{
		From:    e.from,
		To:      []string{n.Recipient},
		Subject: subject,
		Text:    body.String(),
	})
	if err != nil {
		return fmt.Errorf("email delivery failed: %w", err)
	}
	return nil
}
