package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/metrics"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/pipeline/retry"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store"
)

const (
	defaultMaxAttempts      = 3
	defaultAttemptDelayBase = 500 * time.Millisecond
	defaultAttemptDelayMax  = 5 * time.Second

	defaultStaleAfter = 5 * time.Minute
	defaultStaleLimit = 1000
)

// Dispatcher delivers committed notifications through their channel
// transports. Each notification gets a bounded number of attempts; after
// the last failure it is marked FAILED and recorded as a dead letter.
// Delivery failures never affect ingest: by the time Dispatch runs, the
// notification rows are already committed.
type Dispatcher struct {
	notifRepo  store.NotificationRepository
	deadRepo   store.DeadLetterRepository
	transports map[model.Channel]Transport
	logger     *slog.Logger

	maxAttempts int
	delayBase   time.Duration
	delayMax    time.Duration
	staleAfter  time.Duration
	staleLimit  int
	sleepFn     func(context.Context, time.Duration) error
	now         func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithAttemptDelays(base, max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.delayBase = base
		d.delayMax = max
	}
}

func WithStaleRecovery(after time.Duration, limit int) DispatcherOption {
	return func(d *Dispatcher) {
		if after > 0 {
			d.staleAfter = after
		}
		if limit > 0 {
			d.staleLimit = limit
		}
	}
}

func NewDispatcher(
	notifRepo store.NotificationRepository,
	deadRepo store.DeadLetterRepository,
	logger *slog.Logger,
	transports []Transport,
	opts ...DispatcherOption,
) *Dispatcher {
	byChannel := make(map[model.Channel]Transport, len(transports))
	for _, t := range transports {
		byChannel[t.Channel()] = t
	}
	d := &Dispatcher{
		notifRepo:   notifRepo,
		deadRepo:    deadRepo,
		transports:  byChannel,
		logger:      logger.With("component", "dispatcher"),
		maxAttempts: defaultMaxAttempts,
		delayBase:   defaultAttemptDelayBase,
		delayMax:    defaultAttemptDelayMax,
		staleAfter:  defaultStaleAfter,
		staleLimit:  defaultStaleLimit,
		sleepFn:     sleepContext,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// RecoverStale re-dispatches PENDING notifications that were committed but
// never delivered, which happens when the process stops between the stream
// ack and dispatch. Run once at startup.
func (d *Dispatcher) RecoverStale(ctx context.Context) error {
	cutoff := d.now().Add(-d.staleAfter)
	stale, err := d.notifRepo.FindStalePending(ctx, cutoff, d.staleLimit)
	if err != nil {
		return fmt.Errorf("find stale pending notifications: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	d.logger.Info("recovering stale pending notifications",
		"count", len(stale),
		"cutoff", cutoff,
	)
	d.Dispatch(ctx, stale)
	return nil
}

// Dispatch delivers every pending notification in order. One notification's
// terminal failure never blocks the rest of the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, pending []*model.AlertNotification) {
	for _, n := range pending {
		if ctx.Err() != nil {
			d.logger.Warn("dispatch interrupted; remaining notifications stay pending",
				"notification_id", n.ID,
			)
			return
		}
		d.dispatchOne(ctx, n)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, n *model.AlertNotification) {
	transport, ok := d.transports[n.Channel]
	if !ok {
		d.terminate(ctx, n, fmt.Errorf("no transport configured for channel %s", n.Channel))
		return
	}

	channel := string(n.Channel)
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		start := d.now()
		err := transport.Send(ctx, n)
		metrics.DispatchLatency.WithLabelValues(channel).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.DispatchAttempts.WithLabelValues(channel, "delivered").Inc()
			metrics.DispatchSent.WithLabelValues(channel).Inc()
			if markErr := d.notifRepo.MarkSent(ctx, n.ID, d.now()); markErr != nil {
				d.logger.Error("notification delivered but status update failed",
					"notification_id", n.ID,
					"error", markErr,
				)
			}
			d.logger.Info("notification delivered",
				"notification_id", n.ID,
				"channel", channel,
				"rule", n.RuleName,
				"attempt", attempt,
			)
			return
		}

		if ctx.Err() != nil {
			d.logger.Warn("dispatch canceled mid-delivery; notification stays pending",
				"notification_id", n.ID,
			)
			return
		}

		decision := retry.Classify(err)
		if !decision.IsTransient() {
			metrics.DispatchAttempts.WithLabelValues(channel, "permanent").Inc()
			d.terminate(ctx, n, err)
			return
		}
		metrics.DispatchAttempts.WithLabelValues(channel, "retryable").Inc()

		if attempt == d.maxAttempts {
			d.terminate(ctx, n, fmt.Errorf("attempts exhausted: %w", err))
			return
		}

		if markErr := d.notifRepo.MarkRetrying(ctx, n.ID); markErr != nil {
			d.logger.Error("mark retrying failed",
				"notification_id", n.ID,
				"error", markErr,
			)
		}
		d.logger.Warn("delivery attempt failed; retrying",
			"notification_id", n.ID,
			"channel", channel,
			"attempt", attempt,
			"max_attempts", d.maxAttempts,
			"classification_reason", decision.Reason,
			"error", err,
		)
		if sleepErr := d.sleepFn(ctx, d.attemptDelay(attempt)); sleepErr != nil {
			return
		}
	}
}

// terminate records the terminal failure: FAILED status plus exactly one
// dead letter per notification.
func (d *Dispatcher) terminate(ctx context.Context, n *model.AlertNotification, cause error) {
	if err := d.notifRepo.MarkFailed(ctx, n.ID); err != nil {
		d.logger.Error("mark failed failed",
			"notification_id", n.ID,
			"error", err,
		)
	}
	entry := &model.DeadLetterEntry{
		NotificationID: n.ID,
		RuleID:         n.RuleID,
		RuleName:       n.RuleName,
		Channel:        n.Channel,
		Recipient:      n.Recipient,
		Failure:        cause.Error(),
	}
	if err := d.deadRepo.Save(ctx, entry); err != nil {
		d.logger.Error("dead letter save failed",
			"notification_id", n.ID,
			"error", err,
		)
		return
	}
	metrics.DispatchDeadLetters.WithLabelValues(string(n.Channel)).Inc()
	d.logger.Error("notification dead lettered",
		"notification_id", n.ID,
		"channel", n.Channel,
		"rule", n.RuleName,
		"error", cause,
	)
}

func (d *Dispatcher) attemptDelay(attempt int) time.Duration {
	delay := d.delayBase << (attempt - 1)
	if delay > d.delayMax {
		delay = d.delayMax
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
