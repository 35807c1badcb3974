package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/macula-io/macula-marketplace/pkg/mesh"
	"github.com/macula-io/macula-marketplace/services/catalog"
	"github.com/macula-io/macula-marketplace/services/events"
)

const responderQueryTimeout = 5 * time.Second

// Responder serves the well-known refresh service: peers that missed events
// while offline call it and receive a bounded replay derived from this
// node's local projection. Replies are best effort; any node may answer.
type Responder struct {
	mesh   mesh.Transport
	store  ArtifactStore
	cache  RevocationCache
	logger *log.Logger
	cfg    Config

	sub mesh.Subscription
}

// NewResponder builds a Responder over the same store and cache the
// dispatcher feeds.
func NewResponder(transport mesh.Transport, store ArtifactStore, cache RevocationCache, logger *log.Logger, cfg Config) (*Responder, error) {
	if transport == nil {
		return nil, errors.New("mesh transport is required")
	}
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if cache == nil {
		return nil, errors.New("revocation cache is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Responder{
		mesh:   transport,
		store:  store,
		cache:  cache,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}, nil
}

// Start registers the responder on the refresh service subject.
func (r *Responder) Start() error {
	sub, err := r.mesh.Serve(refreshSubject(r.cfg.Namespace), r.handle)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Close deregisters the refresh service.
func (r *Responder) Close() error {
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	r.sub = nil
	return err
}

func (r *Responder) handle(data []byte) ([]byte, error) {
	var req refreshRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.logger.Printf("ERROR rejecting malformed refresh request: %v", err)
		return nil, err
	}
	if req.ReplyChannel == "" {
		return nil, errors.New("refresh request without reply channel")
	}

	batch := req.BatchSize
	if batch < 1 || batch > r.cfg.RefreshBatchSize {
		batch = r.cfg.RefreshBatchSize
	}

	var since time.Time
	if req.Since != nil {
		since = *req.Since
	}

	ctx, cancel := context.WithTimeout(context.Background(), responderQueryTimeout)
	defer cancel()

	sent, err := r.replay(ctx, req.ReplyChannel, since, batch)
	if err != nil {
		r.logger.Printf("ERROR refresh replay to %s: %v", req.ReplyChannel, err)
		return nil, err
	}

	r.logger.Printf("INFO replayed %d events to %s", sent, req.ReplyChannel)
	return json.Marshal(refreshAck{Accepted: true, Events: sent})
}

func (r *Responder) replay(ctx context.Context, replyChannel string, since time.Time, batch int) (int, error) {
	records, err := r.store.ListChangedSince(ctx, since, batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range records {
		// A record's status events travel with its publish, so the cap is
		// enforced at record boundaries and the next refresh picks up the
		// rest. The first record always goes out in full; a cap smaller
		// than one record's events must still make progress.
		needed := 1
		if rec.DeprecatedAt != nil {
			needed++
		}
		if rec.RevokedAt != nil {
			needed++
		}
		if sent > 0 && sent+needed > batch {
			break
		}

		if err := r.sendArtifact(replyChannel, rec); err != nil {
			return sent, err
		}
		sent++
		if rec.DeprecatedAt != nil {
			if err := r.sendDeprecation(replyChannel, rec); err != nil {
				return sent, err
			}
			sent++
		}
		if rec.RevokedAt != nil {
			if err := r.sendRevocation(replyChannel, rec); err != nil {
				return sent, err
			}
			sent++
		}
	}

	if sent >= batch {
		return sent, nil
	}
	entries, err := r.cache.EntriesSince(ctx, since, batch-sent)
	if err != nil {
		return sent, err
	}
	for _, e := range entries {
		payload, err := json.Marshal(events.LicenseRevokedEnvelope{
			LicenseCID: e.LicenseCID,
			RevokedAt:  e.RevokedAt,
		})
		if err != nil {
			return sent, err
		}
		if err := r.send(replyChannel, events.KindLicenseRevoked, payload); err != nil {
			return sent, err
		}
		sent++
	}

	return sent, nil
}

func (r *Responder) sendArtifact(replyChannel string, rec catalog.Record) error {
	payload, err := json.Marshal(events.ArtifactEnvelope{
		Type:      events.KindArtifactPublished,
		Manifest:  events.ManifestFromRecord(rec),
		Timestamp: rec.PublishedAt,
	})
	if err != nil {
		return err
	}
	return r.send(replyChannel, events.KindArtifactPublished, payload)
}

func (r *Responder) sendDeprecation(replyChannel string, rec catalog.Record) error {
	payload, err := json.Marshal(events.DeprecationEnvelope{
		Type:          events.KindArtifactDeprecated,
		ArtifactID:    rec.ArtifactID,
		Version:       rec.Version,
		Reason:        rec.DeprecatedReason,
		ReplacementID: rec.ReplacementID,
		Timestamp:     *rec.DeprecatedAt,
	})
	if err != nil {
		return err
	}
	return r.send(replyChannel, events.KindArtifactDeprecated, payload)
}

func (r *Responder) sendRevocation(replyChannel string, rec catalog.Record) error {
	payload, err := json.Marshal(events.RevocationEnvelope{
		Type:        events.KindArtifactRevoked,
		ArtifactID:  rec.ArtifactID,
		Version:     rec.Version,
		Reason:      rec.RevokedReason,
		AdvisoryURL: rec.AdvisoryURL,
		RevokedAt:   *rec.RevokedAt,
		Timestamp:   *rec.RevokedAt,
	})
	if err != nil {
		return err
	}
	return r.send(replyChannel, events.KindArtifactRevoked, payload)
}

func (r *Responder) send(replyChannel, kind string, payload []byte) error {
	item, err := json.Marshal(replayItem{
		Topic:   events.Topic(r.cfg.Namespace, kind),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return r.mesh.Publish(replyChannel, item)
}
