// Package blob uploads binary captures (screenshots, camera shots, audio,
// photos) to an object store, one category per capture source. Uploads are
// single-shot: a failed upload surfaces its error and is not retried, and no
// reference exists until the store has accepted the bytes.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ObjectStore persists a blob at a path and returns its durable reference.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte) (ref string, err error)
}

// HTTPStore is an ObjectStore over plain HTTP: PUT base/path with the blob
// as the body; the response body carries the durable reference.
type HTTPStore struct {
	base   string
	client *http.Client
}

func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *HTTPStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	url := s.base + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build blob request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("put blob %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read blob response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("put blob %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	ref := strings.TrimSpace(string(body))
	if ref == "" {
		// Some stores answer 2xx with an empty body; the path itself is
		// then the reference.
		ref = path
	}
	return ref, nil
}
