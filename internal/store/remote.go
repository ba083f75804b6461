package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Remote is a Client over a websocket sync endpoint. Requests and responses
// are JSON frames correlated by id; watch events are server-pushed frames
// carrying a watch_id. Transactional updates are client-driven
// compare-and-swap: read the node with its revision, apply the merge
// locally, and submit the new value conditioned on that revision; on
// conflict the loop re-reads and re-applies.
type Remote struct {
	url    string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
	watches map[string]*remoteWatch
	closed  bool

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

type remoteWatch struct {
	path string
	sub  *Subscription
	once sync.Once
}

// frame is the single wire shape for requests, responses, and pushed events.
type frame struct {
	ID       string         `json:"id,omitempty"`
	Op       string         `json:"op,omitempty"`
	Path     string         `json:"path,omitempty"`
	Value    map[string]any `json:"value,omitempty"`
	Rev      uint64         `json:"rev,omitempty"`
	OK       bool           `json:"ok,omitempty"`
	Exists   bool           `json:"exists,omitempty"`
	Conflict bool           `json:"conflict,omitempty"`
	Error    string         `json:"error,omitempty"`
	WatchID  string         `json:"watch_id,omitempty"`
	Event    string         `json:"event,omitempty"`
	Key      string         `json:"key,omitempty"`
}

var errConnectionLost = errors.New("store: connection lost")

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// DialRemote connects to the sync endpoint and starts the read loop.
func DialRemote(ctx context.Context, url string, logger *slog.Logger) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	r := &Remote{
		url:     url,
		logger:  logger,
		conn:    conn,
		pending: make(map[string]chan frame),
		watches: make(map[string]*remoteWatch),
		runCtx:  runCtx,
		stop:    stop,
	}
	r.wg.Add(1)
	go r.readLoop()
	return r, nil
}

func (r *Remote) Get(ctx context.Context, path string) (Snapshot, error) {
	resp, err := r.call(ctx, frame{Op: "get", Path: path})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Exists: resp.Exists, Value: resp.Value}, nil
}

func (r *Remote) Set(ctx context.Context, path string, value map[string]any) error {
	_, err := r.call(ctx, frame{Op: "set", Path: path, Value: value})
	return err
}

func (r *Remote) Update(ctx context.Context, path string, merge MergeFunc) (map[string]any, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		read, err := r.call(ctx, frame{Op: "get", Path: path})
		if err != nil {
			return nil, err
		}
		var current map[string]any
		if read.Exists {
			current = read.Value
		}

		next := merge(current)

		resp, err := r.call(ctx, frame{Op: "cas", Path: path, Value: next, Rev: read.Rev})
		if err != nil {
			return nil, err
		}
		if resp.Conflict {
			continue
		}
		return next, nil
	}
	return nil, ErrTooManyConflicts
}

func (r *Remote) Watch(ctx context.Context, path string) (*Subscription, error) {
	watchID := uuid.NewString()

	w := &remoteWatch{path: path}
	sub := &Subscription{ch: make(chan Event, watchBufferSize)}
	sub.cancel = func() {
		r.mu.Lock()
		if _, ok := r.watches[watchID]; ok {
			delete(r.watches, watchID)
			w.close()
		}
		conn := r.conn
		r.mu.Unlock()
		if conn != nil {
			// Best effort; the server drops the watch with the connection anyway.
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = wsjson.Write(writeCtx, conn, frame{Op: "unwatch", WatchID: watchID})
		}
	}
	w.sub = sub

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.watches[watchID] = w
	r.mu.Unlock()

	if _, err := r.call(ctx, frame{Op: "watch", Path: path, WatchID: watchID}); err != nil {
		r.mu.Lock()
		delete(r.watches, watchID)
		r.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	for id, w := range r.watches {
		w.deliver(Event{Type: EventCancelled, Err: ErrClosed})
		w.close()
		delete(r.watches, id)
	}
	r.failPendingLocked(ErrClosed)
	r.mu.Unlock()

	r.stop()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	r.wg.Wait()
	return nil
}

// call sends a request frame and waits for its correlated response.
func (r *Remote) call(ctx context.Context, req frame) (frame, error) {
	req.ID = uuid.NewString()
	ch := make(chan frame, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return frame{}, ErrClosed
	}
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return frame{}, errConnectionLost
	}
	r.pending[req.ID] = ch
	r.mu.Unlock()

	if err := wsjson.Write(ctx, conn, req); err != nil {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return frame{}, fmt.Errorf("%s %s: %w", req.Op, req.Path, err)
	}

	select {
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return frame{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return frame{}, errConnectionLost
		}
		if resp.Error != "" {
			return frame{}, fmt.Errorf("%s %s: %s", req.Op, req.Path, resp.Error)
		}
		return resp, nil
	}
}

// readLoop dispatches inbound frames and reconnects on connection loss,
// re-registering active watches. The server replays existing children after
// re-registration, so consumers re-observe still-present nodes.
func (r *Remote) readLoop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		conn := r.conn
		closed := r.closed
		r.mu.Unlock()
		if closed || conn == nil {
			return
		}

		var f frame
		if err := wsjson.Read(r.runCtx, conn, &f); err != nil {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return
			}
			r.conn = nil
			r.failPendingLocked(errConnectionLost)
			r.mu.Unlock()

			if !r.reconnect() {
				return
			}
			continue
		}
		r.dispatch(f)
	}
}

func (r *Remote) dispatch(f frame) {
	if f.WatchID != "" && f.Event != "" {
		r.mu.Lock()
		w := r.watches[f.WatchID]
		r.mu.Unlock()
		if w == nil {
			return
		}
		ev := Event{Type: EventType(f.Event), Key: f.Key, Value: f.Value}
		if f.Error != "" {
			ev.Err = errors.New(f.Error)
		}
		w.deliver(ev)
		return
	}
	if f.ID != "" {
		r.mu.Lock()
		ch := r.pending[f.ID]
		delete(r.pending, f.ID)
		r.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// client closes. Returns false when the client closed.
func (r *Remote) reconnect() bool {
	backoff := reconnectBaseDelay
	for {
		select {
		case <-r.runCtx.Done():
			return false
		case <-time.After(backoff):
		}

		dialCtx, cancel := context.WithTimeout(r.runCtx, 15*time.Second)
		conn, _, err := websocket.Dial(dialCtx, r.url, nil)
		cancel()
		if err != nil {
			r.logger.Warn("store: reconnect failed", "error", err, "backoff", backoff)
			if backoff *= 2; backoff > reconnectMaxDelay {
				backoff = reconnectMaxDelay
			}
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			return false
		}
		r.conn = conn
		watches := make(map[string]*remoteWatch, len(r.watches))
		for id, w := range r.watches {
			watches[id] = w
		}
		r.mu.Unlock()

		r.logger.Info("store: reconnected", "url", r.url)
		for id, w := range watches {
			writeCtx, cancel := context.WithTimeout(r.runCtx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame{ID: uuid.NewString(), Op: "watch", Path: w.path, WatchID: id})
			cancel()
			if err != nil {
				r.logger.Warn("store: watch re-registration failed", "path", w.path, "error", err)
			}
		}
		return true
	}
}

// failPendingLocked answers every in-flight call with err. Caller holds r.mu.
func (r *Remote) failPendingLocked(err error) {
	for id, ch := range r.pending {
		ch <- frame{ID: id, Error: err.Error()}
		delete(r.pending, id)
	}
}

func (w *remoteWatch) deliver(ev Event) {
	select {
	case w.sub.ch <- ev:
	default:
	}
}

func (w *remoteWatch) close() {
	w.once.Do(func() { close(w.sub.ch) })
}
