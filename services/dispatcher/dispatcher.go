// Package dispatcher ingests marketplace mesh events into the local read
// model and revocation cache, tracks subscription liveness, and reconciles
// missed events with peers after a disconnect.
package dispatcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/macula-io/macula-marketplace/pkg/mesh"
	"github.com/macula-io/macula-marketplace/services/catalog"
	"github.com/macula-io/macula-marketplace/services/events"
	"github.com/macula-io/macula-marketplace/services/revocation"
)

// State is the dispatcher's subscription lifecycle position.
type State int32

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// ArtifactStore is the slice of the read model the dispatcher mutates.
type ArtifactStore interface {
	Upsert(ctx context.Context, rec catalog.Record) (catalog.Record, error)
	MarkRevoked(ctx context.Context, artifactID, version, reason, advisoryURL string, revokedAt time.Time) (catalog.Record, error)
	MarkDeprecated(ctx context.Context, artifactID, version, reason, replacementID string, deprecatedAt time.Time) (catalog.Record, error)
	ListChangedSince(ctx context.Context, since time.Time, limit int) ([]catalog.Record, error)
}

// RevocationCache is the slice of the revocation cache the dispatcher feeds.
type RevocationCache interface {
	Add(ctx context.Context, licenseCID string, revokedAt time.Time) error
	EntriesSince(ctx context.Context, since time.Time, limit int) ([]revocation.Entry, error)
}

// Progress exposes liveness counters for staleness observation. Counters
// reset on restart; they exist to let callers decide whether the local view
// might be stale, not as durable bookkeeping.
type Progress struct {
	Subscribed      bool      `json:"subscribed"`
	LastEventAt     time.Time `json:"last_event_at"`
	EventsProcessed uint64    `json:"events_processed"`
}

// Config tunes dispatcher behaviour. Zero values fall back to defaults.
type Config struct {
	// Namespace prefixes every topic name.
	Namespace string
	// Disabled pins the dispatcher to Unsubscribed; queries keep working
	// from local state only.
	Disabled bool
	// RetryBackoff separates subscribe attempts after a transport failure.
	RetryBackoff time.Duration
	// RefreshTimeout bounds the reconciliation request/response call.
	RefreshTimeout time.Duration
	// RefreshWindow bounds how long a reply channel stays subscribed after a
	// successful refresh request.
	RefreshWindow time.Duration
	// RefreshBatchSize caps how many events a peer replays per request.
	RefreshBatchSize int
	// Registerer receives the dispatcher's metrics; defaults to the global
	// prometheus registerer.
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = events.DefaultNamespace
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 10 * time.Second
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = 2 * time.Minute
	}
	if c.RefreshBatchSize <= 0 {
		c.RefreshBatchSize = 100
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	return c
}

// Dispatcher routes inbound mesh events to the read model and revocation
// cache. A single malformed event is logged and dropped; ingestion of the
// stream never halts.
type Dispatcher struct {
	mesh     mesh.Transport
	store    ArtifactStore
	cache    RevocationCache
	notifier *Notifier
	logger   *log.Logger
	cfg      Config
	metrics  *metrics

	mu        sync.Mutex
	state     State
	subs      []mesh.Subscription
	replySubs []mesh.Subscription
	progress  Progress
}

// New constructs a Dispatcher with explicit dependencies; there is no
// ambient registry to look anything up in.
func New(transport mesh.Transport, store ArtifactStore, cache RevocationCache, notifier *Notifier, logger *log.Logger, cfg Config) (*Dispatcher, error) {
	if transport == nil && !cfg.Disabled {
		return nil, errors.New("mesh transport is required")
	}
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if cache == nil {
		return nil, errors.New("revocation cache is required")
	}
	if notifier == nil {
		notifier = NewNotifier()
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		mesh:     transport,
		store:    store,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		metrics:  m,
	}, nil
}

// Notifier returns the change-notification feed fed by applied events.
func (d *Dispatcher) Notifier() *Notifier { return d.notifier }

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Connected reports whether live events are currently flowing in.
func (d *Dispatcher) Connected() bool { return d.State() == StateSubscribed }

// Progress returns a snapshot of the liveness counters.
func (d *Dispatcher) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.progress
	p.Subscribed = d.state == StateSubscribed
	return p
}

// Run subscribes to the marketplace topics and keeps retrying with a fixed
// backoff until ctx is cancelled. When the mesh is administratively disabled
// it returns immediately and the node serves local state only.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.cfg.Disabled {
		d.logger.Printf("INFO mesh disabled, serving local state only")
		return nil
	}

	// NATS reestablishes subscriptions across a reconnect on its own, but
	// events published during the outage are gone. Reconcile from a cursor
	// near the last applied event whenever the connection comes back.
	if rn, ok := d.mesh.(mesh.ReconnectNotifier); ok {
		rn.OnReconnect(func() {
			d.logger.Printf("INFO mesh reconnected, reconciling missed events")
			d.reconcile(ctx, d.refreshCursor())
		})
	}

	for {
		d.setState(StateSubscribing)

		err := d.subscribeAll(ctx)
		if err == nil {
			d.setState(StateSubscribed)
			d.logger.Printf("INFO subscribed to %d marketplace topics", len(events.Kinds()))

			// Reconcile missed events now that live traffic is flowing.
			d.reconcile(ctx, time.Time{})

			<-ctx.Done()
			d.teardown()
			d.setState(StateUnsubscribed)
			return ctx.Err()
		}

		d.teardown()
		d.logger.Printf("WARN subscribe failed, retrying in %s: %v", d.cfg.RetryBackoff, err)

		select {
		case <-ctx.Done():
			d.setState(StateUnsubscribed)
			return ctx.Err()
		case <-time.After(d.cfg.RetryBackoff):
		}
	}
}

// reconcile requests a refresh from peers and degrades quietly when none is
// online. Refresh failure never takes live ingestion down.
func (d *Dispatcher) reconcile(ctx context.Context, since time.Time) {
	if _, err := d.RequestRefresh(ctx, since); err != nil {
		if errors.Is(err, mesh.ErrNoResponders) {
			d.logger.Printf("INFO no refresh peers online, working from local state")
			return
		}
		d.logger.Printf("WARN refresh failed: %v", err)
	}
}

// reconnectReplaySlack backs the reconnect cursor off from the last applied
// event so events that raced the disconnect are replayed rather than
// skipped. Overlap is harmless on the idempotent apply path.
const reconnectReplaySlack = time.Minute

func (d *Dispatcher) refreshCursor() time.Time {
	d.mu.Lock()
	last := d.progress.LastEventAt
	d.mu.Unlock()
	if last.IsZero() {
		return time.Time{}
	}
	return last.Add(-reconnectReplaySlack)
}

func (d *Dispatcher) subscribeAll(ctx context.Context) error {
	for _, kind := range events.Kinds() {
		topic := events.Topic(d.cfg.Namespace, kind)
		sub, err := d.mesh.Subscribe(topic, func(subject string, data []byte) {
			d.HandleEvent(ctx, subject, data)
		})
		if err != nil {
			return err
		}

		d.mu.Lock()
		d.subs = append(d.subs, sub)
		d.mu.Unlock()
	}
	return nil
}

func (d *Dispatcher) teardown() {
	d.mu.Lock()
	subs := append(d.subs, d.replySubs...)
	d.subs = nil
	d.replySubs = nil
	d.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.metrics.setConnected(s == StateSubscribed)
}

// HandleEvent decodes and applies one event payload. Replayed and live
// events share this path, so applying an already-known event is a safe
// no-op. Failures are logged and dropped; this method never panics the
// ingestion stream.
func (d *Dispatcher) HandleEvent(ctx context.Context, topic string, payload []byte) {
	kind := kindFromTopic(topic)

	switch kind {
	case events.KindArtifactPublished, events.KindArtifactUpdated:
		d.handleArtifact(ctx, kind, payload)
	case events.KindArtifactDeprecated:
		d.handleDeprecation(ctx, payload)
	case events.KindArtifactRevoked:
		d.handleRevocation(ctx, payload)
	case events.KindLicenseRevoked:
		d.handleLicenseRevoked(ctx, payload)
	default:
		d.logger.Printf("DEBUG ignoring event on unrecognized topic %s", topic)
	}
}

func (d *Dispatcher) handleArtifact(ctx context.Context, kind string, payload []byte) {
	env, err := events.DecodeArtifact(kind, payload)
	if err != nil {
		d.drop(kind, "decode", err)
		return
	}

	rec, err := d.store.Upsert(ctx, env.Manifest.ToRecord())
	if err != nil {
		var verr *catalog.ValidationError
		if errors.As(err, &verr) {
			// Publishers resend corrected manifests under a new update; no
			// retry here.
			d.drop(kind, "validation", err)
			return
		}
		d.drop(kind, "store", err)
		return
	}

	d.applied(kind)
	d.notifier.Publish(Change{
		Kind:       ChangeKind(kind),
		ArtifactID: rec.ArtifactID,
		Version:    rec.Version,
		At:         time.Now().UTC(),
	})
}

func (d *Dispatcher) handleDeprecation(ctx context.Context, payload []byte) {
	env, err := events.DecodeDeprecation(payload)
	if err != nil {
		d.drop(events.KindArtifactDeprecated, "decode", err)
		return
	}

	rec, err := d.store.MarkDeprecated(ctx, env.ArtifactID, env.Version, env.Reason, env.ReplacementID, env.Timestamp)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			// The status event outran its publish event. Dropped; the later
			// publish lands clean and a refresh replay repairs the status.
			d.drop(events.KindArtifactDeprecated, "not_found", err)
			return
		}
		d.drop(events.KindArtifactDeprecated, "store", err)
		return
	}

	d.applied(events.KindArtifactDeprecated)
	d.notifier.Publish(Change{
		Kind:       ChangeDeprecated,
		ArtifactID: rec.ArtifactID,
		Version:    rec.Version,
		At:         time.Now().UTC(),
	})
}

func (d *Dispatcher) handleRevocation(ctx context.Context, payload []byte) {
	env, err := events.DecodeRevocation(payload)
	if err != nil {
		d.drop(events.KindArtifactRevoked, "decode", err)
		return
	}

	rec, err := d.store.MarkRevoked(ctx, env.ArtifactID, env.Version, env.Reason, env.AdvisoryURL, env.RevokedAt)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			d.drop(events.KindArtifactRevoked, "not_found", err)
			return
		}
		d.drop(events.KindArtifactRevoked, "store", err)
		return
	}

	d.applied(events.KindArtifactRevoked)
	d.notifier.Publish(Change{
		Kind:       ChangeRevoked,
		ArtifactID: rec.ArtifactID,
		Version:    rec.Version,
		At:         time.Now().UTC(),
	})
}

func (d *Dispatcher) handleLicenseRevoked(ctx context.Context, payload []byte) {
	env, err := events.DecodeLicenseRevoked(payload)
	if err != nil {
		d.drop(events.KindLicenseRevoked, "decode", err)
		return
	}

	if err := d.cache.Add(ctx, env.LicenseCID, env.RevokedAt); err != nil {
		d.drop(events.KindLicenseRevoked, "store", err)
		return
	}

	d.applied(events.KindLicenseRevoked)
	d.notifier.Publish(Change{
		Kind:       ChangeLicenseRevoked,
		LicenseCID: env.LicenseCID,
		At:         time.Now().UTC(),
	})
}

func (d *Dispatcher) applied(kind string) {
	d.mu.Lock()
	d.progress.LastEventAt = time.Now().UTC()
	d.progress.EventsProcessed++
	d.mu.Unlock()
	d.metrics.processed(kind)
}

func (d *Dispatcher) drop(kind, reason string, err error) {
	d.metrics.dropped(kind, reason)
	if reason == "not_found" {
		d.logger.Printf("WARN %s for unseen artifact dropped: %v", kind, err)
		return
	}
	d.logger.Printf("ERROR dropping %s event (%s): %v", kind, reason, err)
}

func kindFromTopic(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '.' {
			return topic[i+1:]
		}
	}
	return topic
}
