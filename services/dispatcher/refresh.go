package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/macula-io/macula-marketplace/pkg/mesh"
)

// refreshRequest asks a peer to replay events onto a private reply channel.
type refreshRequest struct {
	ReplyChannel string     `json:"reply_channel"`
	Since        *time.Time `json:"since,omitempty"`
	BatchSize    int        `json:"batch_size"`
}

// refreshAck is a peer's acceptance of a refresh request. The replayed
// events themselves arrive asynchronously on the reply channel.
type refreshAck struct {
	Accepted bool `json:"accepted"`
	Events   int  `json:"events"`
}

// replayItem wraps one replayed event with its originating topic so the
// reply channel can feed the normal HandleEvent path.
type replayItem struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func refreshSubject(ns string) string {
	return ns + ".refresh"
}

// RequestRefresh asks any online peer to replay events newer than since onto
// a private reply channel. Replayed events run through the same idempotent
// apply path as live traffic, so overlap with already-seen events is
// harmless. No responder being online is a normal condition surfaced as
// mesh.ErrNoResponders; callers degrade to local state. The reply channel is
// torn down on any request failure and expires after the refresh window.
func (d *Dispatcher) RequestRefresh(ctx context.Context, since time.Time) (string, error) {
	if d.cfg.Disabled || d.mesh == nil {
		return "", fmt.Errorf("mesh administratively disabled: %w", mesh.ErrNoResponders)
	}

	reply := mesh.ReplySubject(refreshSubject(d.cfg.Namespace) + ".reply")
	requestID := reply[strings.LastIndexByte(reply, '.')+1:]

	// Replay arrives asynchronously, usually after the caller has returned
	// and its context is cancelled. The reply handler applies events with a
	// detached context so a short-lived caller (an HTTP request, say) does
	// not poison the whole replay.
	apply := context.WithoutCancel(ctx)
	sub, err := d.mesh.Subscribe(reply, func(_ string, data []byte) {
		var item replayItem
		if err := json.Unmarshal(data, &item); err != nil {
			d.logger.Printf("ERROR dropping malformed replay item: %v", err)
			return
		}
		d.HandleEvent(apply, item.Topic, item.Payload)
	})
	if err != nil {
		return "", fmt.Errorf("subscribe reply channel: %w", err)
	}

	req := refreshRequest{
		ReplyChannel: reply,
		BatchSize:    d.cfg.RefreshBatchSize,
	}
	if !since.IsZero() {
		req.Since = &since
	}

	data, err := json.Marshal(req)
	if err != nil {
		_ = sub.Unsubscribe()
		return "", err
	}

	resp, err := d.mesh.Request(ctx, refreshSubject(d.cfg.Namespace), data, d.cfg.RefreshTimeout)
	if err != nil {
		_ = sub.Unsubscribe()
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("refresh request timed out after %s: %w", d.cfg.RefreshTimeout, err)
		}
		return "", err
	}

	var ack refreshAck
	if err := json.Unmarshal(resp, &ack); err != nil {
		_ = sub.Unsubscribe()
		return "", fmt.Errorf("decode refresh ack: %w", err)
	}
	if !ack.Accepted {
		_ = sub.Unsubscribe()
		return "", errors.New("refresh request rejected by peer")
	}

	d.logger.Printf("INFO refresh %s accepted, peer replaying %d events", requestID, ack.Events)

	d.mu.Lock()
	d.replySubs = append(d.replySubs, sub)
	d.mu.Unlock()

	// The reply channel outlives the request long enough to drain the
	// replay, then expires so repeated refreshes cannot pile up dangling
	// subscriptions.
	time.AfterFunc(d.cfg.RefreshWindow, func() {
		_ = sub.Unsubscribe()
		d.forgetReplySub(sub)
	})

	return requestID, nil
}

func (d *Dispatcher) forgetReplySub(sub mesh.Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.replySubs {
		if s == sub {
			d.replySubs = append(d.replySubs[:i], d.replySubs[i+1:]...)
			return
		}
	}
}
