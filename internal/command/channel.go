package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/kidsafe/beacon/internal/bus"
	"github.com/kidsafe/beacon/internal/otel"
	"github.com/kidsafe/beacon/internal/shared"
	"github.com/kidsafe/beacon/internal/store"
)

// Executor runs one command. On success it owns the terminal executed write
// for the command node; on error the channel writes the failed status.
type Executor interface {
	Execute(ctx context.Context, cmd Command, date, timestamp string) error
}

// inflightKey identifies one command node for the dispatch guard.
type inflightKey struct {
	date      string
	timestamp string
}

// Channel watches the device's command tree and dispatches pending commands
// to the executor, at most once per node per process lifetime.
type Channel struct {
	store   store.Client
	paths   store.Paths
	exec    Executor
	logger  *slog.Logger
	events  *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	inflight map[inflightKey]struct{}
	active   bool

	sub *store.Subscription
	wg  sync.WaitGroup
}

// Config wires a Channel. Events and Metrics may be nil.
type Config struct {
	Store    store.Client
	Paths    store.Paths
	Executor Executor
	Logger   *slog.Logger
	Events   *bus.Bus
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	Now      func() time.Time
}

func NewChannel(cfg Config) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Channel{
		store:    cfg.Store,
		paths:    cfg.Paths,
		exec:     cfg.Executor,
		logger:   logger,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		tracer:   tracer,
		now:      now,
		inflight: make(map[inflightKey]struct{}),
	}
}

// Start subscribes to the command tree and begins dispatching. The watch
// replays existing date nodes, so commands that arrived while the device was
// offline are picked up on startup.
func (c *Channel) Start(ctx context.Context) error {
	sub, err := c.store.Watch(ctx, c.paths.Commands())
	if err != nil {
		return fmt.Errorf("watch commands: %w", err)
	}

	c.mu.Lock()
	c.sub = sub
	c.active = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx, sub)
	c.logger.Info("command channel started", "path", c.paths.Commands())
	return nil
}

// Stop unsubscribes and waits for in-flight dispatches to return. Completion
// handlers check the active flag before writing status, so a command racing
// shutdown is re-dispatched on next start rather than half-written.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.active = false
	sub := c.sub
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	c.wg.Wait()
	c.logger.Info("command channel stopped")
}

func (c *Channel) loop(ctx context.Context, sub *store.Subscription) {
	defer c.wg.Done()

	for ev := range sub.Events() {
		switch ev.Type {
		case store.EventAdded, store.EventChanged:
			c.handleDateNode(ctx, ev.Key, ev.Value)
		case store.EventCancelled:
			if ev.Err != nil {
				c.logger.Warn("command watch cancelled", "error", ev.Err)
			}
			return
		}
		if c.metrics != nil {
			c.metrics.WatchEvents.Add(ctx, 1)
		}
	}
}

// handleDateNode walks the timestamp children of one date node. Events
// arrive per date, so a single new command redelivers its whole day; the
// status check and the in-flight guard make the re-walk idempotent.
func (c *Channel) handleDateNode(ctx context.Context, date string, node map[string]any) {
	for timestamp, raw := range node {
		child, ok := raw.(map[string]any)
		if !ok {
			c.logger.Warn("command node is not an object, skipping", "date", date, "timestamp", timestamp)
			continue
		}
		c.maybeDispatch(ctx, date, timestamp, child)
	}
}

func (c *Channel) maybeDispatch(ctx context.Context, date, timestamp string, raw map[string]any) {
	cmd, err := Decode(date, timestamp, raw)
	if err != nil {
		c.logger.Warn("undecodable command, skipping", "date", date, "timestamp", timestamp, "error", err)
		c.skipped(date, timestamp, "undecodable")
		return
	}
	if cmd.Status != StatusPending {
		c.logger.Debug("command not pending, skipping",
			"date", date, "timestamp", timestamp, "command", cmd.Command, "status", cmd.Status)
		return
	}

	key := inflightKey{date: date, timestamp: timestamp}
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		c.logger.Debug("command already in flight, skipping", "date", date, "timestamp", timestamp)
		c.skipped(date, timestamp, "in_flight")
		return
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatch(ctx, cmd, key)
}

// dispatch runs one command to a terminal state. The guard entry is held
// until the terminal status write completes, so a Changed event fired by
// that write cannot re-dispatch the node.
func (c *Channel) dispatch(ctx context.Context, cmd Command, key inflightKey) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartSpan(ctx, c.tracer, "command.dispatch",
		otel.AttrCommand.String(cmd.Command),
		otel.AttrDate.String(cmd.Date),
		otel.AttrTimestamp.String(cmd.Timestamp),
	)
	defer span.End()

	started := c.now()
	c.logger.Info("dispatching command",
		"date", cmd.Date, "timestamp", cmd.Timestamp, "command", cmd.Command,
		"trace_id", shared.TraceID(ctx))
	if c.events != nil {
		c.events.Publish(bus.TopicCommandDispatched, bus.CommandEvent{
			Date: cmd.Date, Timestamp: cmd.Timestamp, Name: cmd.Command,
		})
	}
	if c.metrics != nil {
		c.metrics.CommandDispatches.Add(ctx, 1)
	}

	err := c.exec.Execute(ctx, cmd, cmd.Date, cmd.Timestamp)

	if c.metrics != nil {
		c.metrics.DispatchDuration.Record(ctx, c.now().Sub(started).Seconds())
	}
	if err == nil {
		if c.events != nil {
			c.events.Publish(bus.TopicCommandExecuted, bus.CommandEvent{
				Date: cmd.Date, Timestamp: cmd.Timestamp, Name: cmd.Command,
			})
		}
		return
	}

	c.logger.Error("command failed",
		"date", cmd.Date, "timestamp", cmd.Timestamp, "command", cmd.Command,
		"error", err, "trace_id", shared.TraceID(ctx))
	if c.metrics != nil {
		c.metrics.CommandFailures.Add(ctx, 1)
	}
	if c.events != nil {
		c.events.Publish(bus.TopicCommandFailed, bus.CommandEvent{
			Date: cmd.Date, Timestamp: cmd.Timestamp, Name: cmd.Command, Result: err.Error(),
		})
	}
	c.writeFailed(ctx, cmd, err)
}

// writeFailed records the terminal failed status on the command node,
// preserving the node's other fields.
func (c *Channel) writeFailed(ctx context.Context, cmd Command, execErr error) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if !active {
		return
	}

	path := c.paths.Command(cmd.Date, cmd.Timestamp)
	nowMillis := c.now().UnixMilli()
	_, err := c.store.Update(ctx, path, func(current map[string]any) map[string]any {
		if current == nil {
			current = make(map[string]any)
		}
		current["status"] = StatusFailed
		current["result"] = execErr.Error()
		current["lastUpdated"] = nowMillis
		return current
	})
	if err != nil {
		c.logger.Error("writing failed status", "path", path, "error", err)
	}
}

func (c *Channel) skipped(date, timestamp, reason string) {
	if c.events != nil {
		c.events.Publish(bus.TopicCommandSkipped, bus.CommandEvent{
			Date: date, Timestamp: timestamp, Result: reason,
		})
	}
}
