// Package bustest provides an in-process Bus for tests. It honors single
// segment wildcards and reply handles, and delivers messages synchronously
// on the caller's goroutine unless Async is set.
package bustest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/flotilla/bus"
	"github.com/itskum47/flotilla/fault"
)

type subscription struct {
	b       *Bus
	subject string
	h       bus.Handler
}

func (s *subscription) Unsubscribe() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	subs := s.b.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.b.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Bus is the fake transport.
type Bus struct {
	mu       sync.Mutex
	subs     map[string][]*subscription
	inboxSeq int

	// Async delivers on new goroutines instead of inline.
	Async bool

	// Published records every publish for assertions, in order.
	Published []bus.Message
}

var _ bus.Bus = (*Bus)(nil)

// New returns an empty fake bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Match reports whether a subscription pattern matches a concrete subject.
// "*" matches exactly one dot-separated segment.
func Match(pattern, subject string) bool {
	ps := strings.Split(pattern, ".")
	ss := strings.Split(subject, ".")
	if len(ps) != len(ss) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ss[i] {
			return false
		}
	}
	return true
}

func (b *Bus) Publish(subject string, data []byte) error {
	return b.deliver(bus.Message{Subject: subject, Data: data})
}

// PublishRequest publishes with an explicit reply handle, mimicking a
// request-reply send whose response the caller collects elsewhere.
func (b *Bus) PublishRequest(subject, reply string, data []byte) error {
	return b.deliver(bus.Message{Subject: subject, Reply: reply, Data: data})
}

func (b *Bus) deliver(msg bus.Message) error {
	b.mu.Lock()
	b.Published = append(b.Published, msg)
	var targets []*subscription
	for pattern, subs := range b.subs {
		if Match(pattern, msg.Subject) {
			targets = append(targets, subs...)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if b.Async {
			go s.h(msg)
		} else {
			s.h(msg)
		}
	}
	return nil
}

func (b *Bus) Subscribe(subject string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscription{b: b, subject: subject, h: h}
	b.subs[subject] = append(b.subs[subject], s)
	return s, nil
}

// Request delivers the message to matching subscribers with a fresh inbox
// reply subject and waits for a single response on it.
func (b *Bus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	b.inboxSeq++
	inbox := fmt.Sprintf("_INBOX.%d", b.inboxSeq)
	b.mu.Unlock()

	replyCh := make(chan []byte, 1)
	sub, err := b.Subscribe(inbox, func(m bus.Message) {
		select {
		case replyCh <- m.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe() //nolint:errcheck

	if err := b.PublishRequest(subject, inbox, data); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case data := <-replyCh:
		return data, nil
	case <-time.After(timeout):
		return nil, fault.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastPublished returns the most recent publish to a subject matching
// pattern, or nil.
func (b *Bus) LastPublished(pattern string) *bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.Published) - 1; i >= 0; i-- {
		if Match(pattern, b.Published[i].Subject) {
			m := b.Published[i]
			return &m
		}
	}
	return nil
}

// PublishedTo returns every publish to subjects matching pattern.
func (b *Bus) PublishedTo(pattern string) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Message
	for _, m := range b.Published {
		if Match(pattern, m.Subject) {
			out = append(out, m)
		}
	}
	return out
}

func (b *Bus) Close() {}
