// Package photos watches the device's photo directory and uploads new
// images as they appear. An injected classifier decides whether an image is
// routed to the flagged category instead of the regular photos path.
package photos

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Classifier inspects an image file on disk. Flagged images are uploaded to
// the nsfw category instead of the photos category. The model behind it is a
// black box.
type Classifier interface {
	Classify(ctx context.Context, path string) (flagged bool, err error)
}

// Blobs is the slice of the blob uploader the watcher needs.
type Blobs interface {
	UploadPhoto(ctx context.Context, localPath string) (string, error)
	UploadNSFWPhoto(ctx context.Context, localPath string) (string, error)
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".heic": true,
}

// Watcher uploads images created in one directory. Files are uploaded only
// after their events go quiet for a settle window, so a photo still being
// written is not shipped half-finished.
type Watcher struct {
	dir        string
	blobs      Blobs
	classifier Classifier
	logger     *slog.Logger
	settle     time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]time.Time
}

// Config wires a Watcher. Classifier may be nil, in which case nothing is
// flagged.
type Config struct {
	Dir        string
	Blobs      Blobs
	Classifier Classifier
	Logger     *slog.Logger
	// Settle is how long a file's events must be quiet before upload.
	// Defaults to 500ms.
	Settle time.Duration
}

func NewWatcher(cfg Config) *Watcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settle := cfg.Settle
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	return &Watcher{
		dir:        cfg.Dir,
		blobs:      cfg.Blobs,
		classifier: cfg.Classifier,
		logger:     logger,
		settle:     settle,
		pending:    make(map[string]time.Time),
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx, fsw)
	w.logger.Info("photo watcher started", "dir", w.dir)
	return nil
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("photo watcher stopped")
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !imageExtensions[strings.ToLower(filepath.Ext(ev.Name))] {
				continue
			}
			w.mu.Lock()
			w.pending[ev.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("photo watcher error", "error", err)
		case <-ticker.C:
			for _, path := range w.takeSettled() {
				w.upload(ctx, path)
			}
		}
	}
}

// takeSettled removes and returns files whose events have been quiet for the
// settle window.
func (w *Watcher) takeSettled() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var settled []string
	cutoff := time.Now().Add(-w.settle)
	for path, last := range w.pending {
		if last.Before(cutoff) {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	return settled
}

func (w *Watcher) upload(ctx context.Context, path string) {
	flagged := false
	if w.classifier != nil {
		var err error
		flagged, err = w.classifier.Classify(ctx, path)
		if err != nil {
			// An unclassifiable image still goes to the regular path.
			w.logger.Warn("photo classification failed", "path", path, "error", err)
			flagged = false
		}
	}

	var ref string
	var err error
	if flagged {
		ref, err = w.blobs.UploadNSFWPhoto(ctx, path)
	} else {
		ref, err = w.blobs.UploadPhoto(ctx, path)
	}
	if err != nil {
		w.logger.Error("photo upload failed", "path", path, "error", err)
		return
	}
	w.logger.Info("photo uploaded", "path", path, "ref", ref, "flagged", flagged)
}
