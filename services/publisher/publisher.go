// Package publisher builds, signs, and publishes marketplace events. It sits
// on the producing side of the mesh; the dispatcher consumes what it emits.
package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/macula-io/macula-marketplace/pkg/mesh"
	"github.com/macula-io/macula-marketplace/services/catalog"
	"github.com/macula-io/macula-marketplace/services/events"
)

// Publisher signs manifests and emits catalog events to the mesh.
type Publisher struct {
	mesh   mesh.Transport
	signer *Signer
	ns     string
	logger *log.Logger
	now    func() time.Time
}

// New constructs a Publisher. The signer may be nil for nodes that only
// relay pre-signed manifests.
func New(transport mesh.Transport, signer *Signer, namespace string, logger *log.Logger) (*Publisher, error) {
	if transport == nil {
		return nil, errors.New("mesh transport is required")
	}
	if namespace == "" {
		namespace = events.DefaultNamespace
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Publisher{
		mesh:   transport,
		signer: signer,
		ns:     namespace,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SigningBytes marshals the manifest without its signature, the canonical
// payload both signing and verification operate on.
func SigningBytes(m events.Manifest) ([]byte, error) {
	m.Signature = ""
	return json.Marshal(m)
}

// PublishManifest validates and signs the manifest, then emits an
// artifact_published event. Set update to emit artifact_updated instead.
func (p *Publisher) PublishManifest(m events.Manifest, update bool) error {
	if m.PublishedAt.IsZero() {
		m.PublishedAt = p.now().UTC()
	}

	if err := catalog.Validate(m.ToRecord()); err != nil {
		return err
	}

	if m.Signature == "" {
		if p.signer == nil {
			return errors.New("manifest is unsigned and no signer is configured")
		}
		payload, err := SigningBytes(m)
		if err != nil {
			return err
		}
		sig, err := p.signer.Sign(payload)
		if err != nil {
			return fmt.Errorf("sign manifest: %w", err)
		}
		m.Signature = sig
	}

	kind := events.KindArtifactPublished
	if update {
		kind = events.KindArtifactUpdated
	}

	return p.emit(kind, events.ArtifactEnvelope{
		Type:      kind,
		Manifest:  m,
		Timestamp: p.now().UTC(),
	})
}

// Revoke emits an artifact_revoked event for the given pair.
func (p *Publisher) Revoke(artifactID, version, reason, advisoryURL string) error {
	if artifactID == "" || version == "" {
		return errors.New("artifact id and version are required")
	}

	now := p.now().UTC()
	return p.emit(events.KindArtifactRevoked, events.RevocationEnvelope{
		Type:        events.KindArtifactRevoked,
		ArtifactID:  artifactID,
		Version:     version,
		Reason:      reason,
		AdvisoryURL: advisoryURL,
		RevokedAt:   now,
		Timestamp:   now,
	})
}

// Deprecate emits an artifact_deprecated event for the given pair.
func (p *Publisher) Deprecate(artifactID, version, reason, replacementID string) error {
	if artifactID == "" || version == "" {
		return errors.New("artifact id and version are required")
	}

	return p.emit(events.KindArtifactDeprecated, events.DeprecationEnvelope{
		Type:          events.KindArtifactDeprecated,
		ArtifactID:    artifactID,
		Version:       version,
		Reason:        reason,
		ReplacementID: replacementID,
		Timestamp:     p.now().UTC(),
	})
}

// RevokeLicense emits a license_revoked event for a capability token.
func (p *Publisher) RevokeLicense(licenseCID string) error {
	if licenseCID == "" {
		return errors.New("license cid is required")
	}

	return p.emit(events.KindLicenseRevoked, events.LicenseRevokedEnvelope{
		LicenseCID: licenseCID,
		RevokedAt:  p.now().UTC(),
	})
}

func (p *Publisher) emit(kind string, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	topic := events.Topic(p.ns, kind)
	if err := p.mesh.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}

	p.logger.Printf("INFO published %s event", kind)
	return nil
}
