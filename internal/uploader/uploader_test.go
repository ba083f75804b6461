package uploader

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/kidsafe/beacon/internal/store"
	"github.com/kidsafe/beacon/internal/usage"
)

func testUploader(t *testing.T) (*Uploader, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	paths := store.Paths{UserID: "user1", DeviceID: "device1"}
	u := New(Config{
		Store:      mem,
		Paths:      paths,
		Logger:     slog.New(slog.DiscardHandler),
		Aggregator: usage.NewAggregator(mem, paths, slog.New(slog.DiscardHandler), nil, nil),
		Now:        func() time.Time { return time.UnixMilli(1700000000000) },
	})
	return u, mem
}

func TestUploadCallDedup(t *testing.T) {
	u, mem := testUploader(t)
	ctx := context.Background()

	call := Call{
		UniqueID:  "call-1",
		Date:      "2026-08-31",
		Number:    "+15551234567",
		Type:      "incoming",
		Duration:  "42",
		Timestamp: 1700000000000,
	}
	if err := u.UploadCall(ctx, call); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	path := u.paths.Record("calls", "2026-08-31", "call-1")
	snap, err := mem.Get(ctx, path)
	if err != nil || !snap.Exists {
		t.Fatalf("record missing after upload: exists=%v err=%v", snap.Exists, err)
	}

	// Second delivery of the same call must not overwrite.
	call.Duration = "999"
	if err := u.UploadCall(ctx, call); err != nil {
		t.Fatalf("second upload: %v", err)
	}
	snap, _ = mem.Get(ctx, path)
	if got := snap.Value["duration"]; got != "42" {
		t.Fatalf("duplicate upload overwrote record: duration=%v", got)
	}
}

func TestUploadLocationSanitizesKey(t *testing.T) {
	u, mem := testUploader(t)
	ctx := context.Background()

	err := u.UploadLocation(ctx, "2026-08-31", "loc.1#a", map[string]any{"lat": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := mem.Get(ctx, u.paths.Record("location", "2026-08-31", "loc_1_a"))
	if !snap.Exists {
		t.Fatal("sanitized location key not found")
	}
}

type memJournal struct {
	seen map[string]bool
}

func (j *memJournal) Seen(path string) (bool, error)  { return j.seen[path], nil }
func (j *memJournal) MarkDelivered(path string) error { j.seen[path] = true; return nil }

func TestJournalShortCircuitsRemoteCheck(t *testing.T) {
	u, mem := testUploader(t)
	u.journal = &memJournal{seen: map[string]bool{}}
	ctx := context.Background()

	sms := SMS{UniqueID: "sms-1", Date: "2026-08-31", Body: "hi", Timestamp: 1}
	if err := u.UploadSMS(ctx, sms); err != nil {
		t.Fatal(err)
	}
	path := u.paths.Record("sms", "2026-08-31", "sms-1")
	if seen, _ := u.journal.Seen(path); !seen {
		t.Fatal("journal not marked after delivery")
	}

	// Remove the remote node; a journaled key must still be skipped, not
	// re-written.
	if err := mem.Set(ctx, path, nil); err != nil {
		t.Fatal(err)
	}
	if err := u.UploadSMS(ctx, sms); err != nil {
		t.Fatal(err)
	}
	snap, _ := mem.Get(ctx, path)
	if snap.Exists {
		t.Fatal("journaled duplicate was re-uploaded")
	}
}

func TestUploadContactLifecycle(t *testing.T) {
	u, mem := testUploader(t)
	ctx := context.Background()

	c := Contact{UniqueID: "c1", Name: "Alice", PhoneNumber: "+15550001111"}
	if err := u.UploadContact(ctx, c); err != nil {
		t.Fatal(err)
	}
	path := u.paths.Contact("c1")
	snap, _ := mem.Get(ctx, path)
	if snap.Value["creationTime"] != int64(1700000000000) {
		t.Fatalf("creationTime not stamped: %v", snap.Value["creationTime"])
	}

	// Unchanged contact: no write, creationTime untouched.
	if err := u.UploadContact(ctx, c); err != nil {
		t.Fatal(err)
	}

	// Renamed contact: prior stored name lands in nameBeforeModification.
	c.Name = "Alicia"
	if err := u.UploadContact(ctx, c); err != nil {
		t.Fatal(err)
	}
	snap, _ = mem.Get(ctx, path)
	if snap.Value["name"] != "Alicia" {
		t.Fatalf("name not updated: %v", snap.Value["name"])
	}
	if snap.Value["nameBeforeModification"] != "Alice" {
		t.Fatalf("nameBeforeModification = %v, want Alice", snap.Value["nameBeforeModification"])
	}
	if snap.Value["lastModifiedTime"] != int64(1700000000000) {
		t.Fatalf("lastModifiedTime not stamped: %v", snap.Value["lastModifiedTime"])
	}
	if snap.Value["creationTime"] != int64(1700000000000) {
		t.Fatalf("creationTime lost on update: %v", snap.Value["creationTime"])
	}
}

func TestUploadAppInstallMerge(t *testing.T) {
	u, mem := testUploader(t)
	ctx := context.Background()

	app := map[string]any{
		"package_name": "com.example.game",
		"status":       "installed",
		"version":      "1.0",
	}
	if err := u.UploadAppInstall(ctx, "com.example.game", app); err != nil {
		t.Fatal(err)
	}
	path := u.paths.App("com.example.game")
	snap, _ := mem.Get(ctx, path)
	first := snap.Value["firstInstalled"]
	if first != int64(1700000000000) {
		t.Fatalf("firstInstalled not stamped: %v", first)
	}

	// Same status and version: no-op.
	if err := u.UploadAppInstall(ctx, "com.example.game", app); err != nil {
		t.Fatal(err)
	}

	// Version bump: lastUpdated stamped, firstInstalled preserved.
	u.now = func() time.Time { return time.UnixMilli(1700000005000) }
	app["version"] = "1.1"
	if err := u.UploadAppInstall(ctx, "com.example.game", app); err != nil {
		t.Fatal(err)
	}
	snap, _ = mem.Get(ctx, path)
	if snap.Value["firstInstalled"] != first {
		t.Fatalf("firstInstalled changed across update: %v", snap.Value["firstInstalled"])
	}
	if snap.Value["lastUpdated"] != int64(1700000005000) {
		t.Fatalf("lastUpdated = %v", snap.Value["lastUpdated"])
	}
	if snap.Value["version"] != "1.1" {
		t.Fatalf("version = %v", snap.Value["version"])
	}
}

func TestUploadAppUsageSnapshot(t *testing.T) {
	u, mem := testUploader(t)
	ctx := context.Background()

	// All-zero snapshot is skipped outright.
	if err := u.UploadAppUsageSnapshot(ctx, AppUsageSnapshot{PackageName: "com.example.game"}); err != nil {
		t.Fatal(err)
	}
	path := u.paths.AppUsage(u.today(), "com.example.game")
	if snap, _ := mem.Get(ctx, path); snap.Exists {
		t.Fatal("zero snapshot was written")
	}

	snap1 := AppUsageSnapshot{PackageName: "com.example.game", UsageDuration: 60000, LaunchCount: 2}
	if err := u.UploadAppUsageSnapshot(ctx, snap1); err != nil {
		t.Fatal(err)
	}
	snap2 := AppUsageSnapshot{PackageName: "com.example.game", UsageDuration: 30000, LaunchCount: 1}
	if err := u.UploadAppUsageSnapshot(ctx, snap2); err != nil {
		t.Fatal(err)
	}

	got, _ := mem.Get(ctx, path)
	if got.Value["usage_duration"] != int64(90000) {
		t.Fatalf("usage_duration = %v, want 90000", got.Value["usage_duration"])
	}
	if got.Value["launch_count"] != int64(3) {
		t.Fatalf("launch_count = %v, want 3", got.Value["launch_count"])
	}
}

func TestUploadSessionAggregates(t *testing.T) {
	u, mem := testUploader(t)
	ctx := context.Background()

	s := usage.Session{
		SessionID:   "s1",
		PackageName: "com.example.game",
		AppName:     "Game",
		StartTime:   1700000000000,
		EndTime:     1700000060000,
		Duration:    60000,
	}
	if err := u.UploadSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	date := usage.DayOf(s.StartTime)
	sess, _ := mem.Get(ctx, u.paths.Session(date, s.PackageName, "s1"))
	if !sess.Exists {
		t.Fatal("session record missing")
	}
	daily, _ := mem.Get(ctx, u.paths.AppUsage(date, s.PackageName))
	if !daily.Exists {
		t.Fatal("daily aggregate missing after session upload")
	}
	if daily.Value["total_duration"] != int64(60000) {
		t.Fatalf("total_duration = %v", daily.Value["total_duration"])
	}
	if daily.Value["session_count"] != int64(1) {
		t.Fatalf("session_count = %v", daily.Value["session_count"])
	}
}

func TestUploadWebVisitAssignsKey(t *testing.T) {
	u, mem := testUploader(t)
	u.newKey = func() string { return "fixed-key" }
	ctx := context.Background()

	key, err := u.UploadWebVisit(ctx, WebVisit{Date: "2026-08-31", URL: "https://example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if key != "fixed-key" {
		t.Fatalf("key = %q", key)
	}

	// Re-upload with the key updates in place.
	_, err = u.UploadWebVisit(ctx, WebVisit{Key: key, Date: "2026-08-31", URL: "https://example.com", Title: "Example"})
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := mem.Get(ctx, u.paths.WebVisit("2026-08-31", key))
	if snap.Value["title"] != "Example" {
		t.Fatalf("title = %v", snap.Value["title"])
	}
}

type failingStore struct{ err error }

func (f *failingStore) Get(ctx context.Context, path string) (store.Snapshot, error) {
	return store.Snapshot{}, f.err
}
func (f *failingStore) Set(ctx context.Context, path string, value map[string]any) error {
	return f.err
}
func (f *failingStore) Update(ctx context.Context, path string, merge store.MergeFunc) (map[string]any, error) {
	return nil, f.err
}
func (f *failingStore) Watch(ctx context.Context, path string) (*store.Subscription, error) {
	return nil, f.err
}
func (f *failingStore) Close() error { return nil }

type memOutbox struct {
	paths    []string
	payloads []map[string]any
}

func (o *memOutbox) Enqueue(ctx context.Context, recordType, path string, payload map[string]any) error {
	o.paths = append(o.paths, path)
	o.payloads = append(o.payloads, payload)
	return nil
}

func TestUnreachableStoreSpoolsRecord(t *testing.T) {
	outbox := &memOutbox{}
	paths := store.Paths{UserID: "user1", DeviceID: "device1"}
	u := New(Config{
		Store:  &failingStore{err: errors.New("connection lost")},
		Paths:  paths,
		Logger: slog.New(slog.DiscardHandler),
		Outbox: outbox,
	})
	ctx := context.Background()

	call := Call{UniqueID: "call-9", Date: "2026-08-31", Number: "+15550000000"}
	if err := u.UploadCall(ctx, call); err != nil {
		t.Fatalf("spooled upload should not error: %v", err)
	}
	if len(outbox.paths) != 1 {
		t.Fatalf("outbox holds %d records, want 1", len(outbox.paths))
	}
	want := paths.Record("calls", "2026-08-31", "call-9")
	if outbox.paths[0] != want {
		t.Fatalf("spooled path = %q, want %q", outbox.paths[0], want)
	}
	if outbox.payloads[0]["number"] != "+15550000000" {
		t.Fatalf("spooled payload = %v", outbox.payloads[0])
	}
}

func TestUnreachableStoreWithoutOutboxErrors(t *testing.T) {
	u := New(Config{
		Store:  &failingStore{err: errors.New("connection lost")},
		Paths:  store.Paths{UserID: "user1", DeviceID: "device1"},
		Logger: slog.New(slog.DiscardHandler),
	})
	err := u.UploadCall(context.Background(), Call{UniqueID: "call-9", Date: "2026-08-31"})
	if err == nil {
		t.Fatal("expected error when no outbox is configured")
	}
}
