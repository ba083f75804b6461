// Package usage rolls per-session app records into daily per-package
// aggregates via the store's transactional update, so concurrent sessions
// for the same package and day converge to exact totals.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kidsafe/beacon/internal/bus"
	"github.com/kidsafe/beacon/internal/otel"
	"github.com/kidsafe/beacon/internal/store"
)

// Session is one completed foreground session of an app.
type Session struct {
	SessionID   string
	PackageName string
	AppName     string
	StartTime   int64 // unix millis
	EndTime     int64 // unix millis
	Duration    int64 // millis
	TimedOut    bool
}

// DayOf formats the calendar day a millisecond timestamp falls on.
func DayOf(millis int64) string {
	return time.UnixMilli(millis).Format("2006-01-02")
}

// MergeDailyUsage folds one session into the existing daily aggregate.
// existing is nil when no aggregate exists yet for the (date, package) node.
// Pure function: the store may invoke it repeatedly while resolving write
// conflicts.
func MergeDailyUsage(existing map[string]any, s Session) map[string]any {
	if existing == nil {
		return map[string]any{
			"package_name":   s.PackageName,
			"app_name":       s.AppName,
			"total_duration": s.Duration,
			"session_count":  int64(1),
			"last_used":      s.EndTime,
		}
	}
	merged := make(map[string]any, len(existing))
	for k, v := range existing {
		merged[k] = v
	}
	merged["package_name"] = s.PackageName
	merged["app_name"] = s.AppName
	merged["total_duration"] = asInt64(existing["total_duration"]) + s.Duration
	merged["session_count"] = asInt64(existing["session_count"]) + 1
	merged["last_used"] = maxInt64(asInt64(existing["last_used"]), s.EndTime)
	return merged
}

// Aggregator applies session merges against the store.
type Aggregator struct {
	store   store.Client
	paths   store.Paths
	logger  *slog.Logger
	events  *bus.Bus
	metrics *otel.Metrics
}

// NewAggregator wires an Aggregator. events and metrics may be nil.
func NewAggregator(client store.Client, paths store.Paths, logger *slog.Logger, events *bus.Bus, metrics *otel.Metrics) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: client, paths: paths, logger: logger, events: events, metrics: metrics}
}

// Apply merges the session into its day's aggregate and returns the
// committed aggregate. Conflicts retry inside the store; only a final,
// non-retryable error surfaces.
func (a *Aggregator) Apply(ctx context.Context, s Session) (map[string]any, error) {
	date := DayOf(s.StartTime)
	path := a.paths.AppUsage(date, s.PackageName)

	committed, err := a.store.Update(ctx, path, func(current map[string]any) map[string]any {
		return MergeDailyUsage(current, s)
	})
	if err != nil {
		a.logger.Error("usage: daily aggregate update failed", "package", s.PackageName, "date", date, "error", err)
		return nil, fmt.Errorf("update daily usage %s: %w", path, err)
	}

	a.logger.Debug("usage: daily aggregate updated", "package", s.PackageName, "date", date)
	if a.metrics != nil {
		a.metrics.AggregateMerges.Add(ctx, 1)
	}
	if a.events != nil {
		a.events.Publish(bus.TopicUsageAggregated, bus.TelemetryEvent{RecordType: "app_usage", Path: path})
	}
	return committed, nil
}

// asInt64 reads a numeric store value. The remote store round-trips numbers
// through JSON, so committed int64s come back as float64.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
