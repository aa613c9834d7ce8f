package signaling

import (
	"log/slog"
	"sync"

	"github.com/camdash/camdash/internal/metrics"
)

// Inbox receives signaling traffic for one mounted camera session.
//
// Delivery is enqueue-based: implementations must not block. Deliver reports
// whether the message was accepted; a rejected message is dropped by the
// registry (counted, never queued for later).
type Inbox interface {
	Deliver(msg Message) bool
	Fail(err error)
	Closed()
}

// Registry maps camera identity to the inbox of the currently mounted session
// for that camera. It owns no session state of its own; entries exist only
// while their session is mounted.
//
// The registry also remembers the channel-scoped client identity and channel
// open state so that sessions mounted late (after pagination) catch up via
// synthetic "id" / "ws_ready" messages instead of waiting for the next real
// channel event.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	inboxes     map[string]Inbox
	clientID    string
	channelOpen bool
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		log:     logger,
		metrics: m,
		inboxes: make(map[string]Inbox),
	}
}

// Register installs inbox as the handler for cameraID, replacing any existing
// registration (last register wins). If a client identity is already known, a
// synthetic "id" message is delivered immediately; likewise a synthetic
// "ws_ready" when the channel is already open.
//
// The returned function unregisters the inbox and is idempotent. It only
// removes the registration if it is still the current one, so a stale
// unregister from a replaced session never evicts its successor.
func (r *Registry) Register(cameraID string, inbox Inbox) func() {
	r.mu.Lock()
	r.inboxes[cameraID] = inbox
	clientID := r.clientID
	open := r.channelOpen
	r.mu.Unlock()

	r.log.Debug("session registered", "camera_id", cameraID)

	if clientID != "" {
		r.deliver(cameraID, inbox, Message{Type: TypeID, ID: clientID})
	}
	if open {
		r.deliver(cameraID, inbox, Message{Type: TypeWSReady})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.inboxes[cameraID] == inbox {
				delete(r.inboxes, cameraID)
			}
			r.mu.Unlock()
			r.log.Debug("session unregistered", "camera_id", cameraID)
		})
	}
}

// Size reports the number of currently registered sessions.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inboxes)
}

// ClientID returns the channel-scoped client identity, or "" when unknown.
func (r *Registry) ClientID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientID
}

// Route dispatches an inbound message. "id" messages update the stored client
// identity and fan out to every session (identity is channel-scoped, not
// camera-scoped); camera-addressed messages go to the single owning session
// and are dropped when none is registered.
func (r *Registry) Route(msg Message) {
	if msg.Type == TypeID {
		r.mu.Lock()
		r.clientID = msg.ID
		targets := r.snapshotLocked()
		r.mu.Unlock()
		for id, inbox := range targets {
			r.deliver(id, inbox, msg)
		}
		return
	}

	if msg.CameraID == "" {
		r.metrics.Inc(metrics.RouteDropped)
		r.log.Warn("dropping unroutable signaling message", "type", msg.Type)
		return
	}

	r.mu.Lock()
	inbox, ok := r.inboxes[msg.CameraID]
	r.mu.Unlock()
	if !ok {
		r.metrics.Inc(metrics.RouteDropped)
		r.log.Warn("no session registered for camera", "camera_id", msg.CameraID, "type", msg.Type)
		return
	}
	r.deliver(msg.CameraID, inbox, msg)
}

// MarkOpen records that the channel is open and broadcasts a synthetic
// "ws_ready" so sessions created before channel-open can proceed.
func (r *Registry) MarkOpen() {
	r.mu.Lock()
	r.channelOpen = true
	targets := r.snapshotLocked()
	r.mu.Unlock()
	for id, inbox := range targets {
		r.deliver(id, inbox, Message{Type: TypeWSReady})
	}
}

// MarkClosed clears the client identity and open flag, then notifies every
// session that the channel closed.
func (r *Registry) MarkClosed() {
	r.mu.Lock()
	r.channelOpen = false
	r.clientID = ""
	targets := r.snapshotLocked()
	r.mu.Unlock()
	for _, inbox := range targets {
		inbox.Closed()
	}
}

// FailAll surfaces a channel-level error to every registered session.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	targets := r.snapshotLocked()
	r.mu.Unlock()
	for _, inbox := range targets {
		inbox.Fail(err)
	}
}

func (r *Registry) deliver(cameraID string, inbox Inbox, msg Message) {
	if !inbox.Deliver(msg) {
		r.metrics.Inc(metrics.InboxOverflow)
		r.log.Warn("session inbox full, dropping message", "camera_id", cameraID, "type", msg.Type)
	}
}

func (r *Registry) snapshotLocked() map[string]Inbox {
	out := make(map[string]Inbox, len(r.inboxes))
	for id, inbox := range r.inboxes {
		out[id] = inbox
	}
	return out
}
