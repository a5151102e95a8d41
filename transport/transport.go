// Package transport defines the pub/sub boundary the micro framework is built
// on. The core never talks to a concrete bus client directly; it depends on
// the small contract in this package so that the NATS implementation and the
// in-memory implementation used in tests are interchangeable.
package transport

import "context"

// Header carries message metadata as a multi-value map, mirroring the wire
// representation used by NATS headers.
type Header map[string][]string

// Get returns the first value associated with the given key, or "".
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	values := h[key]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Set replaces any existing values for key with the single given value.
func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

// Msg is one inbound or outbound bus message.
type Msg struct {
	// Subject the message was published to. For inbound messages delivered
	// through a wildcard subscription this is the concrete matched subject,
	// not the subscription pattern.
	Subject string
	// Reply is the subject a response should be published to. Empty for
	// fire-and-forget messages.
	Reply  string
	Header Header
	Data   []byte
}

// Handler processes one inbound message. Implementations are invoked on a
// fresh goroutine per delivery and may block.
type Handler func(msg *Msg)

// Subscription is an active subject subscription.
type Subscription interface {
	// Subject returns the subject pattern the subscription was created with.
	Subject() string
	// Queue returns the queue group, or "" for a broadcast subscription.
	Queue() string
	// Unsubscribe stops delivery. Messages already being handled run to
	// completion.
	Unsubscribe() error
}

// Transport is the pub/sub client contract required by the micro core.
// All errors returned by implementations are transport-level failures,
// distinct from application errors signaled by endpoint handlers.
type Transport interface {
	// Subscribe delivers messages matching subject to handler. A non-empty
	// queue joins a queue group: the bus delivers each message to exactly
	// one member of the group.
	Subscribe(subject, queue string, handler Handler) (Subscription, error)

	// Publish sends a message. A nil header is allowed.
	Publish(subject string, data []byte, header Header) error

	// PublishRequest sends a message carrying an explicit reply subject.
	// Callers collect any number of responses on the reply subject
	// themselves; Request is the single-reply convenience on top of this.
	PublishRequest(subject, reply string, data []byte, header Header) error

	// Request publishes and waits for a single reply or context expiry.
	Request(ctx context.Context, subject string, data []byte, header Header) (*Msg, error)

	// NewInbox returns a unique subject suitable for reply collection.
	NewInbox() string
}
