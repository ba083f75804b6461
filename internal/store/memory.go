package store

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// maxUpdateAttempts caps the Update conflict-retry loop. Mirrors the cap the
// remote store applies server-side.
const maxUpdateAttempts = 25

// ErrTooManyConflicts is returned when an Update cannot commit within the
// retry cap.
var ErrTooManyConflicts = errors.New("store: update aborted after repeated conflicts")

const watchBufferSize = 100

// Memory is an in-process Client over a nested map tree. Update is a real
// compare-and-swap loop against per-path revisions, so concurrent writers
// interleave the same way they would against the remote store. Tests and the
// daemon's offline mode use it.
type Memory struct {
	mu        sync.Mutex
	root      map[string]any
	revs      map[string]uint64
	watchers  map[int]*memWatcher
	nextWatch int
	closed    bool
}

type memWatcher struct {
	path string
	sub  *Subscription
	once sync.Once
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		root:     make(map[string]any),
		revs:     make(map[string]uint64),
		watchers: make(map[int]*memWatcher),
	}
}

func (m *Memory) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Snapshot{}, ErrClosed
	}
	value, ok := m.lookup(path)
	if !ok {
		return Snapshot{}, nil
	}
	return Snapshot{Exists: true, Value: asMap(copyValue(value))}, nil
}

func (m *Memory) Set(ctx context.Context, path string, value map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if value == nil {
		m.write(path, nil)
	} else {
		m.write(path, copyValue(value))
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, merge MergeFunc) (map[string]any, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		var current map[string]any
		if value, ok := m.lookup(path); ok {
			current = asMap(copyValue(value))
		}
		rev := m.revs[path]
		m.mu.Unlock()

		// merge runs outside the lock: a concurrent writer can land in
		// between, which the revision check below detects.
		next := merge(current)

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if m.revs[path] != rev {
			m.mu.Unlock()
			continue
		}
		committed := copyValue(next)
		if committed == nil {
			m.write(path, nil)
		} else {
			m.write(path, committed)
		}
		m.mu.Unlock()
		return copyValue(committed), nil
	}
	return nil, ErrTooManyConflicts
}

func (m *Memory) Watch(ctx context.Context, path string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	id := m.nextWatch
	m.nextWatch++

	w := &memWatcher{path: path}
	sub := &Subscription{ch: make(chan Event, watchBufferSize)}
	sub.cancel = func() {
		m.mu.Lock()
		if _, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			w.close()
		}
		m.mu.Unlock()
	}
	w.sub = sub
	m.watchers[id] = w

	// Replay existing children as Added so a late or reconnecting consumer
	// observes nodes that are already present.
	if value, ok := m.lookup(path); ok {
		if children, ok := value.(map[string]any); ok {
			for key, child := range children {
				w.deliver(Event{Type: EventAdded, Key: key, Value: asMap(copyValue(child))})
			}
		}
	}
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, w := range m.watchers {
		w.deliver(Event{Type: EventCancelled, Err: ErrClosed})
		w.close()
		delete(m.watchers, id)
	}
	return nil
}

// deliver sends without blocking; a consumer that stops draining loses
// events rather than wedging writers.
func (w *memWatcher) deliver(ev Event) {
	select {
	case w.sub.ch <- ev:
	default:
	}
}

func (w *memWatcher) close() {
	w.once.Do(func() { close(w.sub.ch) })
}

// write stores value at path, bumps revisions, and notifies watchers. A nil
// value removes the node, matching the remote store's set-null-deletes rule.
// Caller holds m.mu.
func (m *Memory) write(path string, value any) {
	segments := splitPath(path)

	// Capture, per watcher, the relevant child's prior state so the event
	// type is correct.
	type pending struct {
		w       *memWatcher
		key     string
		existed bool
		prior   map[string]any
	}
	var notify []pending
	for _, w := range m.watchers {
		key, ok := childSegment(w.path, path)
		if !ok {
			continue
		}
		before, existed := m.lookup(Join(w.path, key))
		notify = append(notify, pending{w: w, key: key, existed: existed, prior: asMap(copyValue(before))})
	}

	prior, hadPrior := m.lookup(path)

	node := m.root
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			if value == nil {
				return
			}
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	last := segments[len(segments)-1]
	if value == nil {
		if _, ok := node[last]; !ok {
			return
		}
		delete(node, last)
	} else {
		node[last] = value
	}

	for i := range segments {
		m.revs[Join(segments[:i+1]...)]++
	}
	// Replacing or deleting a subtree invalidates every node that was under
	// it, so a racing Update on a descendant cannot commit against its old
	// revision.
	if hadPrior {
		bumpSubtreeRevs(m.revs, path, prior)
	}

	for _, p := range notify {
		child, ok := m.lookup(Join(p.w.path, p.key))
		switch {
		case !ok:
			if p.existed {
				p.w.deliver(Event{Type: EventRemoved, Key: p.key, Value: p.prior})
			}
		case p.existed:
			p.w.deliver(Event{Type: EventChanged, Key: p.key, Value: asMap(copyValue(child))})
		default:
			p.w.deliver(Event{Type: EventAdded, Key: p.key, Value: asMap(copyValue(child))})
		}
	}
}

func bumpSubtreeRevs(revs map[string]uint64, path string, value any) {
	children, ok := value.(map[string]any)
	if !ok {
		return
	}
	for key, child := range children {
		childPath := Join(path, key)
		revs[childPath]++
		bumpSubtreeRevs(revs, childPath, child)
	}
}

// lookup walks the tree. Caller holds m.mu.
func (m *Memory) lookup(path string) (any, bool) {
	var node any = m.root
	for _, seg := range splitPath(path) {
		asMap, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = asMap[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// childSegment returns the immediate child segment of watchPath on the way
// to mutated, or false when mutated is not strictly below watchPath.
func childSegment(watchPath, mutated string) (string, bool) {
	prefix := watchPath + "/"
	if !strings.HasPrefix(mutated, prefix) {
		return "", false
	}
	rest := mutated[len(prefix):]
	if rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], true
	}
	return rest, true
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func copyValue[T any](value T) T {
	// comma-ok: asserting a nil interface to T panics otherwise.
	out, _ := deepCopy(any(value)).(T)
	return out
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if v == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return v
	}
}

func asMap(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return nil
}
