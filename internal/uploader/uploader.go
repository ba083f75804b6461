// Package uploader writes telemetry records to the remote store with
// per-type idempotency. Most variants use a check-then-write dedup: read the
// key, skip when present, write when absent. The check and the write are not
// atomic; two racing uploads of the same key can both observe "absent" and
// both write, the later one winning silently. Producers generate unique keys
// per physical event, so the window only matters for duplicate deliveries of
// the same event, where both writers carry identical payloads.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/kidsafe/beacon/internal/bus"
	"github.com/kidsafe/beacon/internal/otel"
	"github.com/kidsafe/beacon/internal/store"
	"github.com/kidsafe/beacon/internal/usage"
)

// Journal remembers dedup keys this device already delivered, letting the
// uploader skip a remote read for them. The remote check stays
// authoritative; the journal is a local shortcut.
type Journal interface {
	Seen(path string) (bool, error)
	MarkDelivered(path string) error
}

// Outbox buffers records the store could not accept, for a later drain.
type Outbox interface {
	Enqueue(ctx context.Context, recordType, path string, payload map[string]any) error
}

// Uploader is the telemetry write path for one device.
type Uploader struct {
	store   store.Client
	paths   store.Paths
	logger  *slog.Logger
	events  *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	journal Journal
	outbox  Outbox
	agg     *usage.Aggregator
	now     func() time.Time
	newKey  func() string
}

// Config wires an Uploader. Events, Metrics, and Journal may be nil.
type Config struct {
	Store   store.Client
	Paths   store.Paths
	Logger  *slog.Logger
	Events  *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Journal Journal
	// Outbox receives dedup-keyed records when the store is unreachable,
	// deferring delivery instead of dropping them. May be nil.
	Outbox Outbox
	// Aggregator folds session uploads into daily usage totals. Required
	// for UploadSession.
	Aggregator *usage.Aggregator
	// Now stamps creation/modification times; defaults to time.Now.
	Now func() time.Time
}

func New(cfg Config) *Uploader {
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
		store:   cfg.Store,
		paths:   cfg.Paths,
		logger:  logger,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		tracer:  tracer,
		journal: cfg.Journal,
		outbox:  cfg.Outbox,
		agg:     cfg.Aggregator,
		now:     now,
		newKey:  uuid.NewString,
	}
}

// UploadCall writes one call-log record, keyed by (date, call id).
func (u *Uploader) UploadCall(ctx context.Context, c Call) error {
	return u.dedupUpload(ctx, "calls", u.paths.Record("calls", c.Date, c.UniqueID), c.payload())
}

// UploadSMS writes one SMS record, keyed by (date, sms id).
func (u *Uploader) UploadSMS(ctx context.Context, s SMS) error {
	return u.dedupUpload(ctx, "sms", u.paths.Record("sms", s.Date, s.UniqueID), s.payload())
}

// UploadMMS writes one MMS record, keyed by (date, mms id).
func (u *Uploader) UploadMMS(ctx context.Context, m MMS) error {
	return u.dedupUpload(ctx, "mms", u.paths.Record("mms", m.Date, m.UniqueID), m.payload())
}

// UploadLocation writes a caller-supplied location map, keyed by the
// sanitized location id under its date.
func (u *Uploader) UploadLocation(ctx context.Context, date, uniqueID string, location map[string]any) error {
	path := u.paths.Record("location", date, store.Sanitize(uniqueID))
	return u.dedupUpload(ctx, "location", path, location)
}

// UploadSocialMessage writes one captured platform message, keyed by
// (date, platform, message id).
func (u *Uploader) UploadSocialMessage(ctx context.Context, m SocialMessage) error {
	path := u.paths.SocialMessage(m.Date, m.Platform, m.UniqueID)
	return u.dedupUpload(ctx, "social_media_messages", path, m.payload())
}

// UploadClipboard writes a clipboard capture under a generated key for
// today. Clipboard has no natural identity, so there is no dedup check.
func (u *Uploader) UploadClipboard(ctx context.Context, c Clipboard) error {
	date := u.today()
	path := u.paths.Clipboard(date, u.newKey())
	if err := u.store.Set(ctx, path, c.payload()); err != nil {
		u.uploadFailed("clipboard", path, err)
		return fmt.Errorf("upload clipboard: %w", err)
	}
	u.uploaded("clipboard", path)
	return nil
}

// UploadWebVisit writes a browser visit. A visit without a key gets one
// assigned and returned; re-uploads with the key update the same node.
func (u *Uploader) UploadWebVisit(ctx context.Context, w WebVisit) (string, error) {
	key := w.Key
	if key == "" {
		key = u.newKey()
	}
	path := u.paths.WebVisit(w.Date, key)
	if err := u.store.Set(ctx, path, w.payload()); err != nil {
		u.uploadFailed("web_visits", path, err)
		return key, fmt.Errorf("upload web visit: %w", err)
	}
	u.uploaded("web_visits", path)
	return key, nil
}

// UploadContact diffs the contact against the stored node. New contacts are
// stamped with a creation time. Known contacts are written only when the
// name or number changed, carrying the prior stored name in
// nameBeforeModification and a fresh lastModifiedTime. An unchanged contact
// is a no-op.
func (u *Uploader) UploadContact(ctx context.Context, c Contact) error {
	path := u.paths.Contact(c.UniqueID)
	snap, err := u.store.Get(ctx, path)
	if err != nil {
		u.uploadFailed("contacts", path, err)
		return fmt.Errorf("check contact %s: %w", path, err)
	}

	if !snap.Exists {
		c.CreationTime = u.now().UnixMilli()
		if err := u.store.Set(ctx, path, c.payload()); err != nil {
			u.uploadFailed("contacts", path, err)
			return fmt.Errorf("upload contact: %w", err)
		}
		u.uploaded("contacts", path)
		return nil
	}

	existingName, _ := snap.Value["name"].(string)
	existingNumber, _ := snap.Value["phoneNumber"].(string)
	if existingName == c.Name && existingNumber == c.PhoneNumber {
		u.logger.Debug("uploader: contact unchanged, skipping", "path", path)
		return nil
	}

	// The prior stored name is what goes into nameBeforeModification,
	// not the incoming one.
	c.NameBeforeModification = existingName
	c.LastModifiedTime = u.now().UnixMilli()
	if creation, ok := snap.Value["creationTime"]; ok {
		c.CreationTime = asInt64(creation)
	}
	if err := u.store.Set(ctx, path, c.payload()); err != nil {
		u.uploadFailed("contacts", path, err)
		return fmt.Errorf("upload contact: %w", err)
	}
	u.uploaded("contacts", path)
	return nil
}

// UploadAppInstall merges a caller-supplied app map into the apps node. A
// record whose status and version both match the stored one is a no-op.
// Otherwise lastUpdated is stamped now and firstInstalled carries over from
// the stored record when present, else is stamped now.
func (u *Uploader) UploadAppInstall(ctx context.Context, uniqueKey string, app map[string]any) error {
	path := u.paths.App(uniqueKey)
	snap, err := u.store.Get(ctx, path)
	if err != nil {
		u.uploadFailed("apps", path, err)
		return fmt.Errorf("check app %s: %w", path, err)
	}

	nowMillis := u.now().UnixMilli()
	payload := make(map[string]any, len(app)+2)
	for k, v := range app {
		payload[k] = v
	}

	if snap.Exists {
		existingStatus, _ := snap.Value["status"].(string)
		existingVersion, _ := snap.Value["version"].(string)
		newStatus, _ := app["status"].(string)
		newVersion, _ := app["version"].(string)
		if existingStatus != "" && newStatus != "" && existingVersion != "" && newVersion != "" &&
			existingStatus == newStatus && existingVersion == newVersion {
			u.logger.Debug("uploader: app unchanged, skipping", "path", path)
			return nil
		}
		payload["lastUpdated"] = nowMillis
		if first, ok := snap.Value["firstInstalled"]; ok {
			payload["firstInstalled"] = first
		} else {
			payload["firstInstalled"] = nowMillis
		}
	} else {
		payload["firstInstalled"] = nowMillis
		payload["lastUpdated"] = nowMillis
	}

	if err := u.store.Set(ctx, path, payload); err != nil {
		u.uploadFailed("apps", path, err)
		return fmt.Errorf("upload app: %w", err)
	}
	u.uploaded("apps", path)
	return nil
}

// UploadAppUsageSnapshot additively merges a periodic usage snapshot into
// today's node for the package. An all-zero snapshot is skipped to avoid
// churn. The merge is a plain read-then-write: concurrent snapshots for the
// same package can lose an increment. That is an accepted approximation for
// this path; exact totals come from the transactional session aggregation.
func (u *Uploader) UploadAppUsageSnapshot(ctx context.Context, snap AppUsageSnapshot) error {
	if snap.UsageDuration == 0 && snap.LaunchCount == 0 {
		u.logger.Debug("uploader: no usage to report, skipping", "package", snap.PackageName)
		return nil
	}

	date := u.today()
	path := u.paths.AppUsage(date, snap.PackageName)
	payload := snap.payload(u.now().UnixMilli())

	existing, err := u.store.Get(ctx, path)
	if err != nil {
		u.uploadFailed("app_usage", path, err)
		return fmt.Errorf("check app usage %s: %w", path, err)
	}
	if existing.Exists {
		payload["usage_duration"] = asInt64(existing.Value["usage_duration"]) + snap.UsageDuration
		payload["launch_count"] = asInt64(existing.Value["launch_count"]) + snap.LaunchCount
	}

	if err := u.store.Set(ctx, path, payload); err != nil {
		u.uploadFailed("app_usage", path, err)
		return fmt.Errorf("upload app usage: %w", err)
	}
	u.uploaded("app_usage", path)
	return nil
}

// UploadSession writes one app session under its unique session id and, on
// success, folds it into the day's usage aggregate.
func (u *Uploader) UploadSession(ctx context.Context, s usage.Session) error {
	date := usage.DayOf(s.StartTime)
	path := u.paths.Session(date, s.PackageName, s.SessionID)

	payload := map[string]any{
		"package_name": s.PackageName,
		"app_name":     s.AppName,
		"start_time":   s.StartTime,
		"end_time":     s.EndTime,
		"duration":     s.Duration,
		"timed_out":    s.TimedOut,
	}
	if err := u.store.Set(ctx, path, payload); err != nil {
		u.uploadFailed("app_sessions", path, err)
		return fmt.Errorf("upload session: %w", err)
	}
	u.uploaded("app_sessions", path)

	if u.agg != nil {
		if _, err := u.agg.Apply(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// dedupUpload is the generic check-then-write path: read the key, skip as a
// duplicate when present, write when absent.
func (u *Uploader) dedupUpload(ctx context.Context, recordType, path string, payload map[string]any) error {
	ctx, span := otel.StartClientSpan(ctx, u.tracer, "telemetry.upload",
		otel.AttrRecordType.String(recordType),
		otel.AttrStorePath.String(path),
	)
	defer span.End()

	if u.journal != nil {
		if seen, err := u.journal.Seen(path); err == nil && seen {
			u.duplicate(recordType, path)
			return nil
		}
	}

	snap, err := u.store.Get(ctx, path)
	if err != nil {
		return u.spillOrFail(ctx, recordType, path, payload, err)
	}
	if snap.Exists {
		u.duplicate(recordType, path)
		return nil
	}

	if err := u.store.Set(ctx, path, payload); err != nil {
		return u.spillOrFail(ctx, recordType, path, payload, err)
	}

	if u.journal != nil {
		if err := u.journal.MarkDelivered(path); err != nil {
			u.logger.Warn("uploader: journal write failed", "path", path, "error", err)
		}
	}
	u.uploaded(recordType, path)
	return nil
}

// spillOrFail parks the record in the outbox when one is configured.
// Replaying a spooled record repeats the same dedup check at drain time, so
// a record that arrived by another route in the meantime is not duplicated.
func (u *Uploader) spillOrFail(ctx context.Context, recordType, path string, payload map[string]any, cause error) error {
	if u.outbox == nil {
		u.uploadFailed(recordType, path, cause)
		return fmt.Errorf("upload %s: %w", path, cause)
	}
	if err := u.outbox.Enqueue(ctx, recordType, path, payload); err != nil {
		u.uploadFailed(recordType, path, cause)
		return fmt.Errorf("spool %s after store error: %w", path, err)
	}
	u.logger.Warn("uploader: store unreachable, record spooled",
		"record_type", recordType, "path", path, "error", cause)
	if u.metrics != nil {
		u.metrics.SpoolDepth.Add(ctx, 1)
	}
	return nil
}

func (u *Uploader) uploaded(recordType, path string) {
	u.logger.Debug("uploader: record uploaded", "record_type", recordType, "path", path)
	if u.metrics != nil {
		u.metrics.UploadsTotal.Add(context.Background(), 1)
	}
	if u.events != nil {
		u.events.Publish(bus.TopicTelemetryUploaded, bus.TelemetryEvent{RecordType: recordType, Path: path})
	}
}

func (u *Uploader) duplicate(recordType, path string) {
	u.logger.Info("uploader: duplicate record, skipping", "record_type", recordType, "path", path)
	if u.metrics != nil {
		u.metrics.DuplicatesSkipped.Add(context.Background(), 1)
	}
	if u.events != nil {
		u.events.Publish(bus.TopicTelemetryDuplicate, bus.TelemetryEvent{RecordType: recordType, Path: path})
	}
}

func (u *Uploader) uploadFailed(recordType, path string, err error) {
	u.logger.Error("uploader: store operation failed", "record_type", recordType, "path", path, "error", err)
	if u.metrics != nil {
		u.metrics.UploadErrors.Add(context.Background(), 1)
	}
}

func (u *Uploader) today() string {
	return u.now().Format("2006-01-02")
}

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
