// Package store abstracts the remote hierarchical store the daemon syncs
// against: point reads/writes, subtree change notification, and
// conflict-retrying transactional updates. Two implementations are provided:
// Memory (in-process, used by tests and offline mode) and Remote (websocket).
package store

import (
	"context"
	"errors"
)

// EventType classifies a change-stream event.
type EventType string

const (
	EventAdded     EventType = "added"
	EventChanged   EventType = "changed"
	EventRemoved   EventType = "removed"
	EventCancelled EventType = "cancelled"
)

// Event is one entry in a watch stream. Key is the immediate child segment
// under the watched path; Value is that child's subtree at event time.
// Err is set only for EventCancelled.
type Event struct {
	Type  EventType
	Key   string
	Value map[string]any
	Err   error
}

// Snapshot is the result of a point read.
type Snapshot struct {
	Exists bool
	Value  map[string]any
}

// MergeFunc computes the new value for a transactional update. current is
// nil when the node does not exist. It must be a pure function of its input:
// the store re-invokes it after every write conflict until the commit lands.
type MergeFunc func(current map[string]any) map[string]any

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("store: client closed")

// Client is the device's handle on the remote hierarchical store.
type Client interface {
	// Get reads the node at path. A missing node is not an error; the
	// returned snapshot has Exists=false.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set writes value at path, replacing any existing subtree. A nil
	// value deletes the node; watchers see an EventRemoved carrying the
	// prior value.
	Set(ctx context.Context, path string, value map[string]any) error

	// Update applies merge to the node at path under the store's
	// conflict-retry loop and returns the committed value. Concurrent
	// updates to the same path serialize: each committed merge observed
	// the previously committed value.
	Update(ctx context.Context, path string, merge MergeFunc) (map[string]any, error)

	// Watch subscribes to child events under path. Existing children are
	// replayed as Added events on subscribe, so a reconnecting consumer
	// re-observes still-present nodes.
	Watch(ctx context.Context, path string) (*Subscription, error)

	Close() error
}

// Subscription is a handle on an active watch.
type Subscription struct {
	ch     chan Event
	cancel func()
}

// Events returns the channel the watch delivers on. The channel is closed
// after Cancel or after an EventCancelled is delivered.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel detaches the watch. In-flight events already buffered are still
// readable; no further events are delivered.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}
