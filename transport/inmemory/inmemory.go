// Package inmemory provides a process-local transport.Transport with NATS
// subject semantics: token wildcards, tail wildcards and queue-group load
// balancing. It backs unit tests and examples that should not require a
// running broker.
package inmemory

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/petrarca/nats-micro/errors"
	"github.com/petrarca/nats-micro/transport"
)

// Bus is a thread-safe in-memory message bus. The zero value is not usable;
// create instances with New.
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*subscription
	nextID   atomic.Uint64
	inboxSeq atomic.Uint64
	closed   bool
}

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

type subscription struct {
	bus     *Bus
	id      uint64
	subject string
	queue   string
	handler transport.Handler

	// wg tracks in-flight deliveries so Unsubscribe can drain them.
	wg sync.WaitGroup
}

func (s *subscription) Subject() string { return s.subject }
func (s *subscription) Queue() string   { return s.queue }

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subs[s.id]
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	if !ok {
		return nil
	}
	s.wg.Wait()
	return nil
}

// Subscribe registers a handler for all messages matching subject.
func (b *Bus) Subscribe(subject, queue string, handler transport.Handler) (transport.Subscription, error) {
	if !validPattern(subject) {
		return nil, errors.WrapTransport(
			fmt.Errorf("%w: %q", errors.ErrInvalidSubject, subject),
			"Bus", "Subscribe", "validate subject")
	}
	if handler == nil {
		return nil, errors.WrapTransport(
			fmt.Errorf("nil handler for %q", subject),
			"Bus", "Subscribe", "validate handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.WrapTransport(errors.ErrNotConnected, "Bus", "Subscribe", "check state")
	}

	sub := &subscription{
		bus:     b,
		id:      b.nextID.Add(1),
		subject: subject,
		queue:   queue,
		handler: handler,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers data to every matching broadcast subscription and to one
// member of each matching queue group. Delivery is asynchronous: each handler
// runs on its own goroutine, as with a real bus client.
func (b *Bus) Publish(subject string, data []byte, header transport.Header) error {
	if !validLiteral(subject) {
		return errors.WrapTransport(
			fmt.Errorf("%w: %q", errors.ErrInvalidSubject, subject),
			"Bus", "Publish", "validate subject")
	}
	return b.publish(&transport.Msg{Subject: subject, Header: header, Data: data})
}

func (b *Bus) publish(msg *transport.Msg) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.WrapTransport(errors.ErrNotConnected, "Bus", "Publish", "check state")
	}

	var broadcast []*subscription
	queues := make(map[string][]*subscription)
	for _, sub := range b.subs {
		if !Matches(sub.subject, msg.Subject) {
			continue
		}
		if sub.queue == "" {
			broadcast = append(broadcast, sub)
		} else {
			queues[sub.queue] = append(queues[sub.queue], sub)
		}
	}

	targets := broadcast
	for _, members := range queues {
		targets = append(targets, members[rand.IntN(len(members))])
	}
	for _, sub := range targets {
		sub.wg.Add(1)
	}
	b.mu.RUnlock()

	// Copy before spawning so the caller may reuse its buffers as
	// soon as publish returns; each handler still gets its own copy.
	for _, sub := range targets {
		delivery := copyMsg(msg)
		go func(s *subscription, m *transport.Msg) {
			defer s.wg.Done()
			s.handler(m)
		}(sub, delivery)
	}
	return nil
}

// Request publishes with a fresh inbox reply subject and waits for the first
// response or context expiry.
func (b *Bus) Request(ctx context.Context, subject string, data []byte, header transport.Header) (*transport.Msg, error) {
	inbox := b.NewInbox()
	replies := make(chan *transport.Msg, 1)

	sub, err := b.Subscribe(inbox, "", func(msg *transport.Msg) {
		select {
		case replies <- msg:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.publish(&transport.Msg{Subject: subject, Reply: inbox, Header: header, Data: data}); err != nil {
		return nil, err
	}

	select {
	case msg := <-replies:
		return msg, nil
	case <-ctx.Done():
		return nil, errors.WrapTransport(ctx.Err(), "Bus", "Request", "await reply")
	}
}

// NewInbox returns a unique reply subject.
func (b *Bus) NewInbox() string {
	return fmt.Sprintf("_INBOX.%d", b.inboxSeq.Add(1))
}

// PublishRequest delivers data carrying an explicit reply subject, so a
// caller can collect any number of responses on the reply subject.
func (b *Bus) PublishRequest(subject, reply string, data []byte, header transport.Header) error {
	if !validLiteral(subject) {
		return errors.WrapTransport(
			fmt.Errorf("%w: %q", errors.ErrInvalidSubject, subject),
			"Bus", "PublishRequest", "validate subject")
	}
	return b.publish(&transport.Msg{Subject: subject, Reply: reply, Header: header, Data: data})
}

// Close rejects further publishes and subscribes. Existing subscriptions are
// removed without draining.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[uint64]*subscription)
}

// SubscriptionCount reports the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func copyMsg(msg *transport.Msg) *transport.Msg {
	out := &transport.Msg{
		Subject: msg.Subject,
		Reply:   msg.Reply,
		Data:    append([]byte(nil), msg.Data...),
	}
	if msg.Header != nil {
		out.Header = make(transport.Header, len(msg.Header))
		for k, v := range msg.Header {
			out.Header[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Matches reports whether a concrete subject matches a subscription pattern
// under NATS rules: tokens are dot-separated, "*" matches exactly one token
// and ">" matches one or more trailing tokens.
func Matches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func validPattern(subject string) bool {
	if subject == "" {
		return false
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return false
		case strings.ContainsAny(tok, " \t"):
			return false
		case tok == ">" && i != len(tokens)-1:
			return false
		}
	}
	return true
}

func validLiteral(subject string) bool {
	if !validPattern(subject) {
		return false
	}
	return !strings.ContainsAny(subject, "*>")
}

var _ transport.Transport = (*Bus)(nil)
