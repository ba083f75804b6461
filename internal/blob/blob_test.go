package blob

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kidsafe/beacon/internal/store"
)

func TestHTTPStorePut(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, "blobs/abc123\n")
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL)
	ref, err := s.Put(context.Background(), "photos/p1.jpg", []byte("jpeg"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != "blobs/abc123" {
		t.Fatalf("ref = %q", ref)
	}
	if gotPath != "/photos/p1.jpg" {
		t.Fatalf("path = %q", gotPath)
	}
	if string(gotBody) != "jpeg" {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestHTTPStorePutEmptyBodyFallsBackToPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ref, err := NewHTTPStore(srv.URL).Put(context.Background(), "photos/p1.jpg", []byte("jpeg"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != "photos/p1.jpg" {
		t.Fatalf("ref = %q", ref)
	}
}

func TestHTTPStorePutErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	_, err := NewHTTPStore(srv.URL).Put(context.Background(), "photos/p1.jpg", []byte("jpeg"))
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v, want server error text", err)
	}
}

type fakeObjects struct {
	paths []string
	err   error
}

func (f *fakeObjects) Put(ctx context.Context, path string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.paths = append(f.paths, path)
	return "ref:" + path, nil
}

func testBlobUploader(objects ObjectStore) *Uploader {
	u := NewUploader(Config{
		Objects: objects,
		Paths:   store.Paths{UserID: "user1", DeviceID: "device1"},
		Logger:  slog.New(slog.DiscardHandler),
		Now:     func() time.Time { return time.UnixMilli(1700000000000) },
	})
	u.newID = func() string { return "aaaabbbb-0000-0000-0000-000000000000" }
	return u
}

func TestUploaderCategoryPaths(t *testing.T) {
	objects := &fakeObjects{}
	u := testBlobUploader(objects)
	ctx := context.Background()
	day := time.UnixMilli(1700000000000).Format("2006-01-02")

	tests := []struct {
		name   string
		upload func() (string, error)
		want   string
	}{
		{"periodic screenshot", func() (string, error) { return u.UploadScreenshot(ctx, []byte("x")) },
			"user1/device1/periodic_screenshots/1700000000000_aaaabbbb.jpg"},
		{"command screenshot", func() (string, error) { return u.UploadCommandScreenshot(ctx, []byte("x")) },
			"user1/device1/screenshot_commands/1700000000000_aaaabbbb.jpg"},
		{"camera capture", func() (string, error) { return u.UploadCameraCapture(ctx, []byte("x")) },
			"user1/device1/camera_capture/" + day + "/1700000000000_aaaabbbb.jpg"},
		{"audio recording", func() (string, error) { return u.UploadAudioRecording(ctx, []byte("x")) },
			"user1/device1/audio_record/" + day + "/1700000000000_aaaabbbb.m4a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := tt.upload()
			if err != nil {
				t.Fatalf("upload: %v", err)
			}
			if ref != "ref:"+tt.want {
				t.Fatalf("ref = %q, want ref:%s", ref, tt.want)
			}
			last := objects.paths[len(objects.paths)-1]
			if last != tt.want {
				t.Fatalf("path = %q, want %q", last, tt.want)
			}
			// Every object lands inside the device's partition.
			if !strings.HasPrefix(last, "user1/device1/") {
				t.Fatalf("path %q escapes the device partition", last)
			}
		})
	}
}

func TestUploadPhotoReadsLocalFile(t *testing.T) {
	objects := &fakeObjects{}
	u := testBlobUploader(objects)
	ctx := context.Background()

	dir := t.TempDir()
	file := filepath.Join(dir, "IMG 001.jpg")
	if err := os.WriteFile(file, []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	ref, err := u.UploadPhoto(ctx, file)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := "user1/device1/photos/1700000000000_IMG_001_jpg"
	if ref != "ref:"+want {
		t.Fatalf("ref = %q", ref)
	}

	// Unreadable file surfaces the read error and uploads nothing.
	_, err = u.UploadPhoto(ctx, filepath.Join(dir, "missing.jpg"))
	if err == nil {
		t.Fatal("want read error")
	}
	if len(objects.paths) != 1 {
		t.Fatalf("paths = %v, want no upload for unreadable file", objects.paths)
	}
}

func TestUploadNSFWPhotoPartitionsByDay(t *testing.T) {
	objects := &fakeObjects{}
	u := testBlobUploader(objects)

	dir := t.TempDir()
	file := filepath.Join(dir, "flagged.jpg")
	if err := os.WriteFile(file, []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	day := time.UnixMilli(1700000000000).Format("2006-01-02")
	ref, err := u.UploadNSFWPhoto(context.Background(), file)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := "user1/device1/nsfw_detected/" + day + "/1700000000000_flagged_jpg"
	if ref != "ref:"+want {
		t.Fatalf("ref = %q", ref)
	}
}
