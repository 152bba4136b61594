package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/metrics"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store"
)

// Provider serves the current rule index and rebuilds it on an interval or
// on demand. Rebuilds construct a complete new Index and publish it with a
// single atomic pointer swap; readers never observe a half-built index.
type Provider struct {
	ruleRepo     store.RuleRepository
	rebuildEvery time.Duration
	logger       *slog.Logger

	current    atomic.Pointer[Index]
	invalidate chan struct{}
}

func NewProvider(ruleRepo store.RuleRepository, rebuildEvery time.Duration, logger *slog.Logger) *Provider {
	p := &Provider{
		ruleRepo:     ruleRepo,
		rebuildEvery: rebuildEvery,
		logger:       logger.With("component", "rule_index"),
		invalidate:   make(chan struct{}, 1),
	}
	p.current.Store(BuildIndex(nil))
	return p
}

// Current returns the active index. Always non-nil.
func (p *Provider) Current() *Index {
	return p.current.Load()
}

// Invalidate requests an out-of-band rebuild (rule catalog mutation).
// Non-blocking; coalesces with a pending request.
func (p *Provider) Invalidate() {
	select {
	case p.invalidate <- struct{}{}:
	default:
	}
}

// Rebuild loads the active rules and swaps in a fresh index. On failure the
// previous index keeps serving and the age gauge reflects how stale it is.
func (p *Provider) Rebuild(ctx context.Context) error {
	active, err := p.ruleRepo.FindActive(ctx)
	if err != nil {
		metrics.RuleIndexAgeSeconds.Set(p.Current().Age().Seconds())
		return fmt.Errorf("load active rules: %w", err)
	}
	idx := BuildIndex(active)
	p.current.Store(idx)
	metrics.RuleIndexSize.Set(float64(idx.Size()))
	metrics.RuleIndexRebuildsTotal.Inc()
	metrics.RuleIndexAgeSeconds.Set(0)
	p.logger.Debug("rule index rebuilt", "rules", idx.Size())
	return nil
}

// Run rebuilds immediately and then on every tick or Invalidate request
// until ctx is cancelled. A failed rebuild keeps serving the previous
// index; staleness is visible through the age metric.
func (p *Provider) Run(ctx context.Context) error {
	if err := p.Rebuild(ctx); err != nil {
		return fmt.Errorf("initial rule index build: %w", err)
	}

	ticker := time.NewTicker(p.rebuildEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.invalidate:
		}
		if err := p.Rebuild(ctx); err != nil {
			p.logger.Error("rule index rebuild failed; serving stale index",
				"age", p.Current().Age().String(),
				"error", err,
			)
		}
	}
}
