package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/kidsafe/beacon/internal/blob"
	"github.com/kidsafe/beacon/internal/bus"
	"github.com/kidsafe/beacon/internal/command"
	"github.com/kidsafe/beacon/internal/config"
	otelPkg "github.com/kidsafe/beacon/internal/otel"
	"github.com/kidsafe/beacon/internal/photos"
	"github.com/kidsafe/beacon/internal/schedule"
	"github.com/kidsafe/beacon/internal/spool"
	"github.com/kidsafe/beacon/internal/store"
	"github.com/kidsafe/beacon/internal/telemetry"
	"github.com/kidsafe/beacon/internal/uploader"
	"github.com/kidsafe/beacon/internal/usage"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// platformCollectors holds the device capture implementations. The default
// build carries none; platform builds populate it from build-tagged files.
var platformCollectors = command.Collectors{}

const journalRetention = 30 * 24 * time.Hour

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("beacon", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// File-only logs when stdout is not a terminal, unless quiet forces it.
	quietLogs := cfg.Quiet || !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version,
		"user_id", cfg.UserID, "device_id", cfg.DeviceID)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	var client store.Client
	switch cfg.Store.Backend {
	case "memory":
		client = store.NewMemory()
	default:
		remote, err := store.DialRemote(ctx, cfg.Store.URL, logger)
		if err != nil {
			fatalStartup(logger, "E_STORE_DIAL", err)
		}
		client = remote
	}
	defer client.Close()
	logger.Info("startup phase", "phase", "store_connected", "backend", cfg.Store.Backend)

	sp, err := spool.Open(cfg.SpoolPath, logger)
	if err != nil {
		fatalStartup(logger, "E_SPOOL_OPEN", err)
	}
	defer sp.Close()
	if pruned, err := sp.PruneJournal(ctx, journalRetention); err != nil {
		logger.Warn("journal prune failed", "error", err)
	} else if pruned > 0 {
		logger.Info("journal pruned", "keys", pruned)
	}
	if depth, err := sp.Depth(ctx); err == nil && depth > 0 {
		logger.Info("spool has records from a previous run", "depth", depth)
		metrics.SpoolDepth.Add(ctx, depth)
	}

	paths := store.Paths{UserID: cfg.UserID, DeviceID: cfg.DeviceID}
	agg := usage.NewAggregator(client, paths, logger, eventBus, metrics)
	up := uploader.New(uploader.Config{
		Store:      client,
		Paths:      paths,
		Logger:     logger,
		Events:     eventBus,
		Metrics:    metrics,
		Tracer:     otelProvider.Tracer,
		Journal:    sp,
		Outbox:     sp,
		Aggregator: agg,
	})

	var blobs *blob.Uploader
	if cfg.Blob.BaseURL != "" {
		blobs = blob.NewUploader(blob.Config{
			Objects: blob.NewHTTPStore(cfg.Blob.BaseURL),
			Paths:   paths,
			Logger:  logger,
			Events:  eventBus,
			Metrics: metrics,
			Tracer:  otelProvider.Tracer,
		})
	} else {
		logger.Warn("blob.base_url not configured; capture commands are disabled")
	}

	registry := command.NewRegistry(client, paths, logger)
	var blobSink command.BlobStore
	if blobs != nil {
		blobSink = blobs
	}
	registry.RegisterDefaults(platformCollectors, up, blobSink)

	channel := command.NewChannel(command.Config{
		Store:    client,
		Paths:    paths,
		Executor: registry,
		Logger:   logger,
		Events:   eventBus,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
	})
	if err := channel.Start(ctx); err != nil {
		fatalStartup(logger, "E_CHANNEL_START", err)
	}
	defer channel.Stop()

	var photoWatcher *photos.Watcher
	if cfg.Photos.Enabled && blobs != nil {
		photoWatcher = photos.NewWatcher(photos.Config{
			Dir:    cfg.Photos.Dir,
			Blobs:  blobs,
			Logger: logger,
		})
		if err := photoWatcher.Start(ctx); err != nil {
			fatalStartup(logger, "E_PHOTO_WATCHER_START", err)
		}
		defer photoWatcher.Stop()
	}

	scheduler := schedule.New(schedule.Config{Logger: logger})
	if cfg.Schedule.Screenshot != "" && blobs != nil && platformCollectors.Screen != nil {
		err := scheduler.Add("periodic_screenshot", cfg.Schedule.Screenshot, func(ctx context.Context) {
			data, err := platformCollectors.Screen.CaptureScreen(ctx)
			if err != nil {
				logger.Error("periodic screenshot capture failed", "error", err)
				return
			}
			if _, err := blobs.UploadScreenshot(ctx, data); err != nil {
				logger.Error("periodic screenshot upload failed", "error", err)
			}
		})
		if err != nil {
			fatalStartup(logger, "E_SCHEDULE_ADD", err)
		}
	}
	if cfg.Schedule.UsageSnapshot != "" && platformCollectors.Usage != nil {
		err := scheduler.Add("usage_snapshot", cfg.Schedule.UsageSnapshot, func(ctx context.Context) {
			snapshots, err := platformCollectors.Usage.Snapshots(ctx)
			if err != nil {
				logger.Error("usage snapshot collection failed", "error", err)
				return
			}
			for _, snap := range snapshots {
				if err := up.UploadAppUsageSnapshot(ctx, snap); err != nil {
					logger.Error("usage snapshot upload failed", "package", snap.PackageName, "error", err)
				}
			}
		})
		if err != nil {
			fatalStartup(logger, "E_SCHEDULE_ADD", err)
		}
	}
	err = scheduler.Add("spool_drain", "* * * * *", func(ctx context.Context) {
		drainSpool(ctx, sp, client, logger, metrics)
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULE_ADD", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Deliver anything spooled before the last shutdown.
	drainSpool(ctx, sp, client, logger, metrics)

	logger.Info("beacon running", "user_id", cfg.UserID, "device_id", cfg.DeviceID)
	<-ctx.Done()
	logger.Info("shutting down")
}

// drainSpool pushes spooled records to the store with the same
// check-then-write dedup the live upload path uses, journaling each
// delivered key.
func drainSpool(ctx context.Context, sp *spool.Spool, client store.Client, logger *slog.Logger, metrics *otelPkg.Metrics) {
	delivered, err := sp.Drain(ctx, func(ctx context.Context, rec spool.Record) error {
		snap, err := client.Get(ctx, rec.Path)
		if err != nil {
			return err
		}
		if !snap.Exists {
			if err := client.Set(ctx, rec.Path, rec.Payload); err != nil {
				return err
			}
		}
		if err := sp.MarkDelivered(rec.Path); err != nil {
			logger.Warn("journal write failed", "path", rec.Path, "error", err)
		}
		return nil
	})
	if err != nil {
		logger.Warn("spool drain interrupted", "delivered", delivered, "error", err)
	}
	if metrics != nil && delivered > 0 {
		metrics.SpoolDepth.Add(ctx, -int64(delivered))
	}
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "beacon: %s: %v\n", code, err)
	os.Exit(1)
}
