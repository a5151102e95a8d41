package micro

import (
	"context"
	"fmt"

	"github.com/petrarca/nats-micro/transport"
)

// Request carries one inbound message to a handler.
type Request struct {
	// Subject the message arrived on.
	Subject string
	// Header carries the inbound message headers, may be nil.
	Header transport.Header
	// Data is the raw request payload.
	Data []byte

	reply string
}

// HasReply reports whether the requester expects a response. A
// handler's return value is dropped for fire-and-forget messages.
func (r *Request) HasReply() bool {
	return r.reply != ""
}

// Error is a typed handler failure. Code and Description are copied
// into the reply headers verbatim; the reply payload stays empty.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds a typed handler error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Handler processes one request and returns the reply payload.
// Returning a *Error surfaces its code to the caller; any other
// error is reported with a generic code.
type Handler interface {
	Handle(ctx context.Context, req *Request) ([]byte, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// EndpointConfig describes one endpoint before registration.
type EndpointConfig struct {
	// Name identifies the endpoint in INFO and STATS replies. Must
	// be a valid name token.
	Name string
	// Handler is invoked for every request. Required.
	Handler Handler
	// Subject overrides the subject derived from the group prefix
	// and endpoint name. Optional.
	Subject string
	// QueueGroup overrides the inherited queue group. Optional.
	QueueGroup string
	// Metadata is surfaced in INFO replies. Optional.
	Metadata map[string]string
}

// Endpoint is a registered request handler bound to one subject.
type Endpoint struct {
	name       string
	subject    string
	queueGroup string
	metadata   map[string]string
	handler    Handler
	stats      statsTracker
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Subject returns the subject the endpoint listens on.
func (e *Endpoint) Subject() string { return e.subject }

// QueueGroup returns the queue group the endpoint subscribes with.
func (e *Endpoint) QueueGroup() string { return e.queueGroup }

// SetStatsData attaches custom data to the endpoint's STATS entry.
func (e *Endpoint) SetStatsData(data map[string]any) {
	e.stats.setData(data)
}

func (e *Endpoint) info() EndpointInfo {
	return EndpointInfo{
		Name:       e.name,
		Subject:    e.subject,
		QueueGroup: e.queueGroup,
		Metadata:   copyMetadata(e.metadata),
	}
}

func (e *Endpoint) statsSnapshot() EndpointStats {
	return e.stats.snapshot(e.name, e.subject, e.queueGroup)
}

func copyMetadata(m map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range m {
		out[k] = v
	}
	return out
}
