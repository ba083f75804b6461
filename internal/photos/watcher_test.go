package photos

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeBlobs struct {
	mu      sync.Mutex
	regular []string
	flagged []string
}

func (f *fakeBlobs) UploadPhoto(ctx context.Context, localPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regular = append(f.regular, filepath.Base(localPath))
	return "ref:" + localPath, nil
}

func (f *fakeBlobs) UploadNSFWPhoto(ctx context.Context, localPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged = append(f.flagged, filepath.Base(localPath))
	return "ref:" + localPath, nil
}

func (f *fakeBlobs) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.regular), len(f.flagged)
}

type nameClassifier struct{}

func (nameClassifier) Classify(ctx context.Context, path string) (bool, error) {
	return strings.Contains(filepath.Base(path), "flagme"), nil
}

func startWatcher(t *testing.T, blobs Blobs) string {
	t.Helper()
	dir := t.TempDir()
	w := NewWatcher(Config{
		Dir:        dir,
		Blobs:      blobs,
		Classifier: nameClassifier{},
		Logger:     slog.New(slog.DiscardHandler),
		Settle:     50 * time.Millisecond,
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(w.Stop)
	return dir
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherUploadsNewImages(t *testing.T) {
	blobs := &fakeBlobs{}
	dir := startWatcher(t, blobs)

	if err := os.WriteFile(filepath.Join(dir, "holiday.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "photo upload", func() bool {
		regular, _ := blobs.counts()
		return regular == 1
	})

	blobs.mu.Lock()
	got := blobs.regular[0]
	blobs.mu.Unlock()
	if got != "holiday.jpg" {
		t.Fatalf("uploaded %q", got)
	}
}

func TestWatcherRoutesFlaggedImages(t *testing.T) {
	blobs := &fakeBlobs{}
	dir := startWatcher(t, blobs)

	if err := os.WriteFile(filepath.Join(dir, "flagme.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "flagged upload", func() bool {
		_, flagged := blobs.counts()
		return flagged == 1
	})

	regular, _ := blobs.counts()
	if regular != 0 {
		t.Fatalf("flagged image also hit the regular path")
	}
}

func TestWatcherIgnoresNonImages(t *testing.T) {
	blobs := &fakeBlobs{}
	dir := startWatcher(t, blobs)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("text"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "real.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "image upload", func() bool {
		regular, _ := blobs.counts()
		return regular == 1
	})
	time.Sleep(100 * time.Millisecond)
	regular, flagged := blobs.counts()
	if regular != 1 || flagged != 0 {
		t.Fatalf("regular = %d flagged = %d, want only the image", regular, flagged)
	}
}
