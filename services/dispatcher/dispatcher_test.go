package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/macula-io/macula-marketplace/pkg/mesh"
	"github.com/macula-io/macula-marketplace/services/catalog"
	"github.com/macula-io/macula-marketplace/services/events"
	"github.com/macula-io/macula-marketplace/services/revocation"
)

type fakeSub struct {
	transport *fakeTransport
	subject   string

	mu       sync.Mutex
	unsubbed bool
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	s.unsubbed = true
	s.mu.Unlock()

	s.transport.mu.Lock()
	delete(s.transport.handlers, s.subject)
	s.transport.mu.Unlock()
	return nil
}

func (s *fakeSub) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubbed
}

// fakeTransport is an in-process mesh: Publish delivers synchronously to the
// matching subscriber, Request is scripted per test.
type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]mesh.Handler
	services  map[string]mesh.RequestHandler
	published map[string][][]byte
	subs      []*fakeSub

	subscribeErr error
	requestFn    func(subject string, data []byte) ([]byte, error)
	reconnectFn  func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:  make(map[string]mesh.Handler),
		services:  make(map[string]mesh.RequestHandler),
		published: make(map[string][][]byte),
	}
}

func (t *fakeTransport) Publish(subject string, data []byte) error {
	t.mu.Lock()
	t.published[subject] = append(t.published[subject], data)
	h := t.handlers[subject]
	t.mu.Unlock()

	if h != nil {
		h(subject, data)
	}
	return nil
}

func (t *fakeTransport) Subscribe(subject string, handler mesh.Handler) (mesh.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribeErr != nil {
		return nil, t.subscribeErr
	}
	t.handlers[subject] = handler
	sub := &fakeSub{transport: t, subject: subject}
	t.subs = append(t.subs, sub)
	return sub, nil
}

func (t *fakeTransport) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	fn := t.requestFn
	t.mu.Unlock()
	if fn != nil {
		return fn(subject, data)
	}
	return nil, mesh.ErrNoResponders
}

func (t *fakeTransport) Serve(subject string, handler mesh.RequestHandler) (mesh.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services[subject] = handler
	sub := &fakeSub{transport: t, subject: subject}
	t.subs = append(t.subs, sub)
	return sub, nil
}

func (t *fakeTransport) OnReconnect(fn func()) {
	t.mu.Lock()
	t.reconnectFn = fn
	t.mu.Unlock()
}

// reconnect simulates the underlying connection dropping and coming back.
func (t *fakeTransport) reconnect() {
	t.mu.Lock()
	fn := t.reconnectFn
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTransport) sent(subject string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.published[subject]...)
}

// fakeStore is an in-memory ArtifactStore mirroring the real store's
// idempotency and ordering contract. Mutations fail on a dead context the
// way a real database driver does.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]catalog.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]catalog.Record)}
}

func key(artifactID, version string) string { return artifactID + "@" + version }

func (s *fakeStore) Upsert(ctx context.Context, rec catalog.Record) (catalog.Record, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Record{}, err
	}
	if err := catalog.Validate(rec); err != nil {
		return catalog.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(rec.ArtifactID, rec.Version)
	if existing, ok := s.records[k]; ok {
		if rec.PublishedAt.Before(existing.PublishedAt) {
			return existing, nil
		}
		rec.RevokedAt = existing.RevokedAt
		rec.RevokedReason = existing.RevokedReason
		rec.AdvisoryURL = existing.AdvisoryURL
		rec.DeprecatedAt = existing.DeprecatedAt
		rec.DeprecatedReason = existing.DeprecatedReason
		rec.ReplacementID = existing.ReplacementID
	}
	s.records[k] = rec
	return rec, nil
}

func (s *fakeStore) MarkRevoked(ctx context.Context, artifactID, version, reason, advisoryURL string, revokedAt time.Time) (catalog.Record, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key(artifactID, version)]
	if !ok {
		return catalog.Record{}, catalog.ErrNotFound
	}
	if rec.RevokedAt == nil {
		rec.RevokedAt = &revokedAt
		rec.RevokedReason = reason
		rec.AdvisoryURL = advisoryURL
		s.records[key(artifactID, version)] = rec
	}
	return rec, nil
}

func (s *fakeStore) MarkDeprecated(ctx context.Context, artifactID, version, reason, replacementID string, deprecatedAt time.Time) (catalog.Record, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key(artifactID, version)]
	if !ok {
		return catalog.Record{}, catalog.ErrNotFound
	}
	if rec.DeprecatedAt == nil {
		rec.DeprecatedAt = &deprecatedAt
		rec.DeprecatedReason = reason
		rec.ReplacementID = replacementID
		s.records[key(artifactID, version)] = rec
	}
	return rec, nil
}

func (s *fakeStore) ListChangedSince(ctx context.Context, since time.Time, limit int) ([]catalog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []catalog.Record
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].ArtifactID, out[i].Version) < key(out[j].ArtifactID, out[j].Version)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) get(artifactID, version string) (catalog.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key(artifactID, version)]
	return rec, ok
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]time.Time)}
}

func (c *fakeCache) Add(ctx context.Context, licenseCID string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[licenseCID]; !ok {
		c.entries[licenseCID] = revokedAt
	}
	return nil
}

func (c *fakeCache) EntriesSince(ctx context.Context, since time.Time, limit int) ([]revocation.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []revocation.Entry
	for cid, at := range c.entries {
		if !at.Before(since) {
			out = append(out, revocation.Entry{LicenseCID: cid, RevokedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevokedAt.Before(out[j].RevokedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *fakeCache) has(licenseCID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[licenseCID]
	return ok
}

func newTestDispatcher(t *testing.T, transport mesh.Transport, store ArtifactStore, cache RevocationCache) *Dispatcher {
	t.Helper()
	d, err := New(transport, store, cache, NewNotifier(), log.New(io.Discard, "", 0), Config{
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func testManifest(artifactID, version string, publishedAt time.Time) events.Manifest {
	return events.Manifest{
		ArtifactID:   artifactID,
		Version:      version,
		Type:         "onnx_model",
		DisplayName:  "Test Model",
		DownloadURL:  "s3://artifacts/" + artifactID + "/" + version + "/model.onnx",
		Checksum:     "deadbeef",
		PublisherDID: "did:key:abc",
		PublishedAt:  publishedAt,
	}
}

func publishPayload(t *testing.T, m events.Manifest) []byte {
	t.Helper()
	data, err := json.Marshal(events.ArtifactEnvelope{
		Type:      events.KindArtifactPublished,
		Manifest:  m,
		Timestamp: m.PublishedAt,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func topic(kind string) string { return events.Topic(events.DefaultNamespace, kind) }

func TestHandleEventAppliesPublish(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	d := newTestDispatcher(t, newFakeTransport(), store, newFakeCache())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.HandleEvent(ctx, topic(events.KindArtifactPublished), publishPayload(t, testManifest("acme/resnet50", "1.0.0", at)))

	rec, ok := store.get("acme/resnet50", "1.0.0")
	if !ok {
		t.Fatal("record was not stored")
	}
	if rec.DisplayName != "Test Model" {
		t.Fatalf("stored record = %+v", rec)
	}

	p := d.Progress()
	if p.EventsProcessed != 1 {
		t.Fatalf("EventsProcessed = %d, want 1", p.EventsProcessed)
	}
	if p.LastEventAt.IsZero() {
		t.Fatal("LastEventAt not set")
	}
}

func TestHandleEventIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	d := newTestDispatcher(t, newFakeTransport(), store, newFakeCache())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := publishPayload(t, testManifest("acme/resnet50", "1.0.0", at))

	d.HandleEvent(ctx, topic(events.KindArtifactPublished), payload)
	d.HandleEvent(ctx, topic(events.KindArtifactPublished), payload)

	store.mu.Lock()
	n := len(store.records)
	store.mu.Unlock()
	if n != 1 {
		t.Fatalf("replayed publish created %d records, want 1", n)
	}
}

func TestHandleEventRevokeBeforePublishIsDropped(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	d := newTestDispatcher(t, newFakeTransport(), store, newFakeCache())

	revokedAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	revocationPayload, _ := json.Marshal(events.RevocationEnvelope{
		Type:       events.KindArtifactRevoked,
		ArtifactID: "acme/resnet50",
		Version:    "1.0.0",
		Reason:     "key compromise",
		RevokedAt:  revokedAt,
		Timestamp:  revokedAt,
	})

	// Status event outran the publish; it must not create a row.
	d.HandleEvent(ctx, topic(events.KindArtifactRevoked), revocationPayload)
	if _, ok := store.get("acme/resnet50", "1.0.0"); ok {
		t.Fatal("revocation for unseen artifact created a record")
	}
	if d.Progress().EventsProcessed != 0 {
		t.Fatal("dropped event was counted as processed")
	}

	// The later publish lands clean, not revoked.
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.HandleEvent(ctx, topic(events.KindArtifactPublished), publishPayload(t, testManifest("acme/resnet50", "1.0.0", at)))

	rec, ok := store.get("acme/resnet50", "1.0.0")
	if !ok {
		t.Fatal("publish after dropped revocation was not stored")
	}
	if rec.RevokedAt != nil {
		t.Fatal("dropped revocation resurfaced on the later publish")
	}
}

func TestHandleEventRevokeThenStaleUpdate(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	d := newTestDispatcher(t, newFakeTransport(), store, newFakeCache())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.HandleEvent(ctx, topic(events.KindArtifactPublished), publishPayload(t, testManifest("acme/resnet50", "1.0.0", at)))

	revokedAt := at.Add(time.Hour)
	revocationPayload, _ := json.Marshal(events.RevocationEnvelope{
		Type:       events.KindArtifactRevoked,
		ArtifactID: "acme/resnet50",
		Version:    "1.0.0",
		Reason:     "key compromise",
		RevokedAt:  revokedAt,
		Timestamp:  revokedAt,
	})
	d.HandleEvent(ctx, topic(events.KindArtifactRevoked), revocationPayload)

	// A replayed update with the same timestamp must not clear the status.
	m := testManifest("acme/resnet50", "1.0.0", at)
	m.Description = "replayed"
	d.HandleEvent(ctx, topic(events.KindArtifactUpdated), publishPayload(t, m))

	rec, _ := store.get("acme/resnet50", "1.0.0")
	if rec.RevokedAt == nil {
		t.Fatal("revocation status lost after replayed update")
	}
}

func TestHandleEventMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cache := newFakeCache()
	d := newTestDispatcher(t, newFakeTransport(), store, cache)

	payloads := map[string]string{
		topic(events.KindArtifactPublished): `not json at all`,
		topic(events.KindArtifactRevoked):   `{"type":"artifact_revoked","artifact_id":"a","version":"1","surprise":true}`,
		topic(events.KindLicenseRevoked):    `{"revoked_at":"2026-03-01T00:00:00Z"}`,
		"some.unrelated.topic":              `{}`,
	}
	for tp, payload := range payloads {
		d.HandleEvent(ctx, tp, []byte(payload))
	}

	store.mu.Lock()
	n := len(store.records)
	store.mu.Unlock()
	if n != 0 {
		t.Fatalf("malformed events stored %d records", n)
	}
	if d.Progress().EventsProcessed != 0 {
		t.Fatal("malformed events counted as processed")
	}
}

func TestHandleEventLicenseRevoked(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	d := newTestDispatcher(t, newFakeTransport(), newFakeStore(), cache)

	payload, _ := json.Marshal(events.LicenseRevokedEnvelope{
		LicenseCID: "bafyrei123",
		RevokedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	d.HandleEvent(ctx, topic(events.KindLicenseRevoked), payload)

	if !cache.has("bafyrei123") {
		t.Fatal("license revocation not recorded")
	}
}

func TestNotifierDelivery(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t, newFakeTransport(), newFakeStore(), newFakeCache())

	feed, cancel := d.Notifier().Subscribe()
	defer cancel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.HandleEvent(ctx, topic(events.KindArtifactPublished), publishPayload(t, testManifest("acme/resnet50", "1.0.0", at)))

	select {
	case c := <-feed:
		if c.Kind != ChangePublished || c.ArtifactID != "acme/resnet50" || c.Version != "1.0.0" {
			t.Fatalf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification delivered")
	}
}

func TestNotifierDoesNotBlockOnSlowListener(t *testing.T) {
	n := NewNotifier()
	_, cancel := n.Subscribe()
	defer cancel()

	// Overflow the listener buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultListenerBuffer*2; i++ {
			n.Publish(Change{Kind: ChangePublished})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a listener that stopped draining")
	}
}

func TestNotifierCancelReleasesListener(t *testing.T) {
	n := NewNotifier()
	_, cancel := n.Subscribe()
	if n.Listeners() != 1 {
		t.Fatalf("Listeners() = %d, want 1", n.Listeners())
	}
	cancel()
	cancel() // double cancel is harmless
	if n.Listeners() != 0 {
		t.Fatalf("Listeners() = %d after cancel, want 0", n.Listeners())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRunReconnectTriggersRefresh(t *testing.T) {
	transport := newFakeTransport()
	store := newFakeStore()
	d := newTestDispatcher(t, transport, store, newFakeCache())

	var (
		mu       sync.Mutex
		requests []refreshRequest
	)
	transport.requestFn = func(_ string, data []byte) ([]byte, error) {
		var req refreshRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		return json.Marshal(refreshAck{Accepted: true})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })

	waitFor(t, d.Connected)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(requests) == 1 })

	mu.Lock()
	startup := requests[0]
	mu.Unlock()
	if startup.Since != nil {
		t.Fatalf("startup refresh carried cursor %v, want full replay", *startup.Since)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.HandleEvent(context.Background(), topic(events.KindArtifactPublished), publishPayload(t, testManifest("acme/resnet50", "1.0.0", at)))

	// The transport drops and comes back; events missed in between must be
	// reconciled without a restart.
	transport.reconnect()

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(requests) == 2 })

	mu.Lock()
	recon := requests[1]
	mu.Unlock()
	if recon.Since == nil {
		t.Fatal("reconnect refresh did not carry a cursor")
	}
	want := d.Progress().LastEventAt.Add(-reconnectReplaySlack)
	if !recon.Since.Equal(want) {
		t.Fatalf("reconnect cursor = %v, want %v", recon.Since, want)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUnsubscribed, "unsubscribed"},
		{StateSubscribing, "subscribing"},
		{StateSubscribed, "subscribed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Fatalf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
