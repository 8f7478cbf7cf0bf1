// Package governor keeps local storage within bounds: it rederives
// meeting tiers from access recency and evicts heavy blob payloads when
// usage crosses the configured thresholds. Metadata is never evicted;
// the sync snapshot can always restore what was dropped.
package governor

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/minder/internal/bus"
	"github.com/basket/minder/internal/persistence"
)

// Config bounds the governor's behavior.
type Config struct {
	Policy        persistence.TierPolicy
	WarningBytes  int64
	CriticalBytes int64
	// WarmBatchSize caps how many warm meetings one critical pass may
	// evict, so a single pass cannot strip the store bare.
	WarmBatchSize int
}

// Governor runs tier recomputation and threshold-driven eviction.
type Governor struct {
	store *persistence.Store
	bus   *bus.Bus
	log   *slog.Logger
	cfg   Config
}

func New(store *persistence.Store, eventBus *bus.Bus, log *slog.Logger, cfg Config) *Governor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Policy == (persistence.TierPolicy{}) {
		cfg.Policy = persistence.DefaultTierPolicy
	}
	if cfg.WarmBatchSize <= 0 {
		cfg.WarmBatchSize = 10
	}
	return &Governor{store: store, bus: eventBus, log: log, cfg: cfg}
}

// Report summarizes one governor pass.
type Report struct {
	Retiered     int
	Evicted      int
	FreedBytes   int64
	UsageBefore  int64
	UsageAfter   int64
	OverCritical bool
}

// Run performs a full pass: retier, then evict if usage warrants it.
// When even the bounded eviction cannot get usage under the critical
// threshold, the pass returns a *persistence.QuotaExceededError along
// with the report of what it managed to free.
func (g *Governor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	retiered, err := g.store.RecomputeTiers(ctx, g.cfg.Policy, time.Now().UTC())
	if err != nil {
		return report, err
	}
	report.Retiered = retiered
	if retiered > 0 {
		g.publish(bus.TopicGovernorRetiered, retiered, 0, "retier")
	}

	usage, err := g.store.BlobUsageBytes(ctx)
	if err != nil {
		return report, err
	}
	report.UsageBefore = usage
	report.UsageAfter = usage
	if usage < g.cfg.WarningBytes {
		return report, nil
	}

	// Warning threshold: cold blobs are the cheapest to lose.
	res, err := g.store.EvictBlobs(ctx, persistence.TierCold, 0)
	if err != nil {
		return report, err
	}
	report.Evicted += res.Evicted
	report.FreedBytes += res.FreedBytes
	usage -= res.FreedBytes
	report.UsageAfter = usage
	if res.Evicted > 0 {
		g.log.Info("evicted cold blobs", "meetings", res.Evicted, "freed_bytes", res.FreedBytes, "usage_bytes", usage)
		g.publish(bus.TopicGovernorEvicted, res.Evicted, res.FreedBytes, "warning")
	}
	if usage < g.cfg.CriticalBytes {
		return report, nil
	}

	// Critical threshold: take a bounded batch of the least recently
	// accessed warm meetings.
	res, err = g.store.EvictBlobs(ctx, persistence.TierWarm, g.cfg.WarmBatchSize)
	if err != nil {
		return report, err
	}
	report.Evicted += res.Evicted
	report.FreedBytes += res.FreedBytes
	usage -= res.FreedBytes
	report.UsageAfter = usage
	if res.Evicted > 0 {
		g.log.Warn("evicted warm blobs", "meetings", res.Evicted, "freed_bytes", res.FreedBytes, "usage_bytes", usage)
		g.publish(bus.TopicGovernorEvicted, res.Evicted, res.FreedBytes, "critical")
	}

	if usage >= g.cfg.CriticalBytes {
		report.OverCritical = true
		return report, &persistence.QuotaExceededError{
			UsageBytes:    usage,
			CriticalBytes: g.cfg.CriticalBytes,
		}
	}
	return report, nil
}

func (g *Governor) publish(topic string, evicted int, freed int64, trigger string) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(topic, bus.EvictionEvent{
		Evicted:    evicted,
		FreedBytes: freed,
		Trigger:    trigger,
	})
}
