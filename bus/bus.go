// Package bus adapts NATS to the narrow transport contract the control plane
// needs: publish, wildcard subscribe, and request-reply. Reconnection is
// handled by the client; active subscriptions survive a reconnect and the
// caller sees only a bounded gap.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/itskum47/flotilla/fault"
)

// Message is one delivery. Reply, when non-empty, is the reply handle: a
// subject on which exactly one response is expected.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler consumes one message. Handlers run on the subscription's own
// goroutine; per-subscription delivery is FIFO.
type Handler func(msg Message)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport seam. Implementations must be safe for concurrent use.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
	Close()
}

// Conn wraps a NATS connection.
type Conn struct {
	nc  *nats.Conn
	log zerolog.Logger
}

var _ Bus = (*Conn)(nil)

// Connect dials the NATS server and installs reconnect logging. Reconnects
// retry forever; subscriptions are re-established by the client.
func Connect(url string, log zerolog.Logger) (*Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, fault.ErrUnavailable)
	}
	return &Conn{nc: nc, log: log}, nil
}

func (c *Conn) Publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Conn) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		h(Message{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, classify(err)
	}
	return sub, nil
}

// Request publishes on subject with an inline reply inbox and waits for the
// single response. The shorter of ctx and timeout bounds the wait.
func (c *Conn) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, classify(err)
	}
	return msg.Data, nil
}

func (c *Conn) Close() {
	c.nc.Drain() //nolint:errcheck // best effort on shutdown
	c.nc.Close()
}

func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("bus: %w", fault.ErrTimeout)
	case errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("bus: no responders: %w", fault.ErrTimeout)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrDisconnected):
		return fmt.Errorf("bus: %w", fault.ErrUnavailable)
	case errors.Is(err, nats.ErrBadSubject):
		return fmt.Errorf("bus: %w", fault.ErrInvalid)
	default:
		return fmt.Errorf("bus: %v: %w", err, fault.ErrUnavailable)
	}
}
