package mesh

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Handler receives a delivered message together with the subject it arrived on.
type Handler func(subject string, data []byte)

// Subscription is a live interest registration that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// RequestHandler produces the reply for an inbound service call. Returning
// an error suppresses the reply and lets the caller time out.
type RequestHandler func(data []byte) ([]byte, error)

// Transport is the mesh surface the node consumes: fire-and-forget publish,
// callback subscriptions, and request/response calls. Delivery is
// at-least-once and may be reordered or duplicated; consumers must apply
// messages idempotently.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
	Serve(subject string, handler RequestHandler) (Subscription, error)
}

// ReconnectNotifier is implemented by transports that can report when a
// dropped connection has been reestablished. Messages published while the
// connection was down are gone; consumers reconcile from the callback.
type ReconnectNotifier interface {
	OnReconnect(fn func())
}

// ErrNoResponders reports that a request found no peer serving the subject.
var ErrNoResponders = errors.New("mesh: no responders")

// Conn adapts a NATS connection to the Transport interface.
type Conn struct {
	nc *nats.Conn
}

// Connect dials the mesh at the provided NATS endpoint.
func Connect(url string, opts ...nats.Option) (*Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Conn{nc: nc}, nil
}

// Close drains in-flight messages and shuts the connection down.
func (c *Conn) Close() {
	if c == nil || c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

// OnReconnect registers fn to run each time the underlying NATS connection
// is reestablished after an outage. NATS resubscribes existing interest on
// its own; fn is for reconciling whatever was missed in between.
func (c *Conn) OnReconnect(fn func()) {
	if c == nil || c.nc == nil || fn == nil {
		return
	}
	c.nc.SetReconnectHandler(func(*nats.Conn) { fn() })
}

// Publish sends data to the given subject without waiting for delivery.
func (c *Conn) Publish(subject string, data []byte) error {
	if c == nil || c.nc == nil {
		return errors.New("nil mesh connection")
	}
	return c.nc.Publish(subject, data)
}

// Subscribe registers handler for all messages on subject.
func (c *Conn) Subscribe(subject string, handler Handler) (Subscription, error) {
	if c == nil || c.nc == nil {
		return nil, errors.New("nil mesh connection")
	}
	if handler == nil {
		return nil, errors.New("nil handler")
	}

	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Request performs a request/response call and waits up to timeout for the
// first reply. A missing responder is reported as ErrNoResponders.
func (c *Conn) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if c == nil || c.nc == nil {
		return nil, errors.New("nil mesh connection")
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, ErrNoResponders
		}
		return nil, err
	}
	return msg.Data, nil
}

// Serve registers handler as a responder for request/response calls on
// subject.
func (c *Conn) Serve(subject string, handler RequestHandler) (Subscription, error) {
	if c == nil || c.nc == nil {
		return nil, errors.New("nil mesh connection")
	}
	if handler == nil {
		return nil, errors.New("nil handler")
	}

	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		resp, err := handler(msg.Data)
		if err != nil || msg.Reply == "" {
			return
		}
		_ = msg.Respond(resp)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ReplySubject returns a unique, unguessable subject under prefix suitable
// for private reply channels.
func ReplySubject(prefix string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "." + id
}
