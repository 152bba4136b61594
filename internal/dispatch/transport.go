package dispatch

import (
	"context"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
)

// Transport delivers one notification over a single channel. Send returns
// nil on delivery; errors are classified by the dispatcher to decide
// between retry and dead letter.
type Transport interface {
	Channel() model.Channel
	Send(ctx context.Context, n *model.AlertNotification) error
}
