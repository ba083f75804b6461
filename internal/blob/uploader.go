package blob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/kidsafe/beacon/internal/bus"
	"github.com/kidsafe/beacon/internal/otel"
	"github.com/kidsafe/beacon/internal/store"
)

// Storage categories. Periodic and command screenshots land in flat
// folders; captures, recordings, and flagged photos are partitioned by day.
const (
	CategoryPeriodicScreenshots = "periodic_screenshots"
	CategoryScreenshotCommands  = "screenshot_commands"
	CategoryCameraCapture       = "camera_capture"
	CategoryAudioRecord         = "audio_record"
	CategoryPhotos              = "photos"
	CategoryNSFW                = "nsfw_detected"
)

// Uploader routes capture bytes to their category paths in the object
// store. Every path is partitioned under {userId}/{deviceId} so devices
// sharing one endpoint never collide.
type Uploader struct {
	objects ObjectStore
	paths   store.Paths
	logger  *slog.Logger
	events  *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

// Config wires an Uploader. Events and Metrics may be nil.
type Config struct {
	Objects ObjectStore
	Paths   store.Paths
	Logger  *slog.Logger
	Events  *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

func NewUploader(cfg Config) *Uploader {
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
	return &Uploader{
		objects: cfg.Objects,
		paths:   cfg.Paths,
		logger:  logger,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		tracer:  tracer,
		now:     now,
		newID:   uuid.NewString,
	}
}

// UploadScreenshot stores one periodic screenshot.
func (u *Uploader) UploadScreenshot(ctx context.Context, data []byte) (string, error) {
	name := fmt.Sprintf("%d_%s.jpg", u.now().UnixMilli(), u.newID()[:8])
	return u.put(ctx, CategoryPeriodicScreenshots, u.paths.Blob(CategoryPeriodicScreenshots, name), data)
}

// UploadCommandScreenshot stores a screenshot taken on command.
func (u *Uploader) UploadCommandScreenshot(ctx context.Context, data []byte) (string, error) {
	name := fmt.Sprintf("%d_%s.jpg", u.now().UnixMilli(), u.newID()[:8])
	return u.put(ctx, CategoryScreenshotCommands, u.paths.Blob(CategoryScreenshotCommands, name), data)
}

// UploadCameraCapture stores a camera shot under today's partition.
func (u *Uploader) UploadCameraCapture(ctx context.Context, data []byte) (string, error) {
	name := fmt.Sprintf("%d_%s.jpg", u.now().UnixMilli(), u.newID()[:8])
	return u.put(ctx, CategoryCameraCapture, u.paths.Blob(CategoryCameraCapture, u.today(), name), data)
}

// UploadAudioRecording stores an audio capture under today's partition.
func (u *Uploader) UploadAudioRecording(ctx context.Context, data []byte) (string, error) {
	name := fmt.Sprintf("%d_%s.m4a", u.now().UnixMilli(), u.newID()[:8])
	return u.put(ctx, CategoryAudioRecord, u.paths.Blob(CategoryAudioRecord, u.today(), name), data)
}

// UploadPhoto reads a photo from the local filesystem and stores it under
// the photos category, keeping its base name. A read failure surfaces as an
// error; nothing is uploaded for an unreadable file.
func (u *Uploader) UploadPhoto(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		u.failed(CategoryPhotos, localPath, err)
		return "", fmt.Errorf("read photo %s: %w", localPath, err)
	}
	name := fmt.Sprintf("%d_%s", u.now().UnixMilli(), store.Sanitize(filepath.Base(localPath)))
	return u.put(ctx, CategoryPhotos, u.paths.Blob(CategoryPhotos, name), data)
}

// UploadNSFWPhoto stores a flagged photo under the nsfw category, partitioned
// by day.
func (u *Uploader) UploadNSFWPhoto(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		u.failed(CategoryNSFW, localPath, err)
		return "", fmt.Errorf("read photo %s: %w", localPath, err)
	}
	name := fmt.Sprintf("%d_%s", u.now().UnixMilli(), store.Sanitize(filepath.Base(localPath)))
	return u.put(ctx, CategoryNSFW, u.paths.Blob(CategoryNSFW, u.today(), name), data)
}

func (u *Uploader) put(ctx context.Context, category, path string, data []byte) (string, error) {
	ctx, span := otel.StartClientSpan(ctx, u.tracer, "blob.put", otel.AttrBlobPath.String(path))
	defer span.End()

	ref, err := u.objects.Put(ctx, path, data)
	if err != nil {
		u.failed(category, path, err)
		return "", err
	}

	u.logger.Info("blob uploaded", "category", category, "path", path, "bytes", len(data))
	if u.metrics != nil {
		u.metrics.BlobUploadBytes.Add(ctx, int64(len(data)))
	}
	if u.events != nil {
		u.events.Publish(bus.TopicBlobUploaded, bus.BlobEvent{
			Category: category, Path: path, Ref: ref, Bytes: len(data),
		})
	}
	return ref, nil
}

func (u *Uploader) failed(category, path string, err error) {
	u.logger.Error("blob upload failed", "category", category, "path", path, "error", err)
	if u.metrics != nil {
		u.metrics.BlobUploadFailures.Add(context.Background(), 1)
	}
	if u.events != nil {
		u.events.Publish(bus.TopicBlobFailed, bus.BlobEvent{Category: category, Path: path})
	}
}

func (u *Uploader) today() string {
	return u.now().Format("2006-01-02")
}
