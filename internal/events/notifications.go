// Package events fans out operation notifications to UI subscribers.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Status of a notification. Pending and Processing are in-flight, the rest are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusRejected   Status = "rejected"
	StatusError      Status = "error"
)

// Terminal reports whether s ends a notification.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusRejected || s == StatusError
}

// Notification is a toast-style status message. Later notifications with the same ID replace earlier ones.
type Notification struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

const terminalRetention = 10 * time.Minute

// Notifier tracks notifications by id and publishes every transition to subscribers,
// dropping messages for slow readers.
type Notifier struct {
	latest *xsync.Map[string, Notification]
	now    func() time.Time
	l      *zap.Logger

	mu     sync.RWMutex
	subs   map[chan Notification]struct{}
	buffer int
}

// NewNotifier creates a notifier with the given per-subscriber buffer.
func NewNotifier(buffer int, l *zap.Logger) *Notifier {
	if buffer < 1 {
		buffer = 64
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Notifier{
		latest: xsync.NewMap[string, Notification](),
		now:    time.Now,
		l:      l.With(zap.String("component", "notifier")),
		subs:   make(map[chan Notification]struct{}),
		buffer: buffer,
	}
}

// Start opens an in-flight notification and returns its id.
func (n *Notifier) Start(message string) string {
	n.prune()

	note := Notification{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Message:   message,
		Timestamp: n.now(),
	}
	n.latest.Store(note.ID, note)
	n.publish(note)
	return note.ID
}

// Update replaces the message of an in-flight notification.
func (n *Notifier) Update(id, message string) bool {
	return n.transition(id, StatusProcessing, message)
}

// Complete ends a notification successfully.
func (n *Notifier) Complete(id, message string) bool {
	return n.transition(id, StatusSuccess, message)
}

// Reject ends a notification declined by the user.
func (n *Notifier) Reject(id, message string) bool {
	return n.transition(id, StatusRejected, message)
}

// Fail ends a notification with an error.
func (n *Notifier) Fail(id, message string) bool {
	return n.transition(id, StatusError, message)
}

// Immediate publishes an already terminal notification, used when an operation
// fails before anything was started.
func (n *Notifier) Immediate(status Status, message string) string {
	note := Notification{
		ID:        uuid.NewString(),
		Status:    status,
		Message:   message,
		Timestamp: n.now(),
	}
	n.latest.Store(note.ID, note)
	n.publish(note)
	return note.ID
}

// transition replaces notification id in place. Terminal notifications are never reopened.
func (n *Notifier) transition(id string, status Status, message string) bool {
	var applied bool
	note, _ := n.latest.Compute(id, func(old Notification, loaded bool) (Notification, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		if old.Status.Terminal() {
			return old, xsync.CancelOp
		}
		applied = true
		old.Status = status
		old.Message = message
		old.Timestamp = n.now()
		return old, xsync.UpdateOp
	})

	if !applied {
		n.l.Debug("ignoring notification transition", zap.String("id", id), zap.String("status", string(status)))
		return false
	}
	n.publish(note)
	return true
}

// Get returns the current state of notification id.
func (n *Notifier) Get(id string) (Notification, bool) {
	return n.latest.Load(id)
}

// Active returns in-flight notifications, oldest first.
func (n *Notifier) Active() []Notification {
	out := make([]Notification, 0)
	n.latest.Range(func(_ string, note Notification) bool {
		if !note.Status.Terminal() {
			out = append(out, note)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (n *Notifier) prune() {
	cutoff := n.now().Add(-terminalRetention)
	n.latest.Range(func(id string, note Notification) bool {
		if note.Status.Terminal() && note.Timestamp.Before(cutoff) {
			n.latest.Delete(id)
		}
		return true
	})
}

func (n *Notifier) publish(note Notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subs {
		select {
		case ch <- note:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives notifications until Unsubscribe is called.
func (n *Notifier) Subscribe() chan Notification {
	ch := make(chan Notification, n.buffer)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (n *Notifier) Unsubscribe(ch chan Notification) {
	n.mu.Lock()
	if _, ok := n.subs[ch]; ok {
		delete(n.subs, ch)
		close(ch)
	}
	n.mu.Unlock()
}
