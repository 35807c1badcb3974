package dispatcher

import (
	"sync"
	"time"
)

// ChangeKind tags a change notification with the event kind that caused it.
type ChangeKind string

const (
	ChangePublished      ChangeKind = "artifact_published"
	ChangeUpdated        ChangeKind = "artifact_updated"
	ChangeDeprecated     ChangeKind = "artifact_deprecated"
	ChangeRevoked        ChangeKind = "artifact_revoked"
	ChangeLicenseRevoked ChangeKind = "license_revoked"
)

// Change describes one applied event for presentation-layer listeners.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	ArtifactID string     `json:"artifact_id,omitempty"`
	Version    string     `json:"version,omitempty"`
	LicenseCID string     `json:"license_cid,omitempty"`
	At         time.Time  `json:"at"`
}

const defaultListenerBuffer = 64

// Notifier fans applied-event notifications out to registered listeners.
// Exactly one notification is emitted per applied event, never batched. A
// listener that stops draining its channel loses notifications rather than
// blocking ingestion.
type Notifier struct {
	mu    sync.Mutex
	next  int
	feeds map[int]chan Change
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{feeds: make(map[int]chan Change)}
}

// Subscribe registers a listener and returns its channel plus a cancel
// function that must be called to release it.
func (n *Notifier) Subscribe() (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan Change, defaultListenerBuffer)
	n.feeds[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if existing, ok := n.feeds[id]; ok {
			delete(n.feeds, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Publish delivers c to every listener without blocking.
func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.feeds {
		select {
		case ch <- c:
		default:
		}
	}
}

// Listeners returns the number of registered listeners.
func (n *Notifier) Listeners() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.feeds)
}
