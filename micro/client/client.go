// Package client provides the requester side of the micro framework:
// request helpers that surface service error headers, and discovery
// queries that collect replies from a fleet of instances within a
// bounded window.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrarca/nats-micro/errors"
	"github.com/petrarca/nats-micro/micro"
	"github.com/petrarca/nats-micro/transport"
)

// ServiceError is an application-level failure reported by an
// endpoint handler through the reply headers.
type ServiceError struct {
	Code        string
	Description string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error %s: %s", e.Code, e.Description)
}

// Client queries services over a transport.
type Client struct {
	tp transport.Transport
}

// New creates a client on the given transport.
func New(tp transport.Transport) *Client {
	return &Client{tp: tp}
}

// Request sends a request and returns the reply payload. A reply
// carrying service error headers is returned as a *ServiceError
// instead of a payload.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.tp.Request(ctx, subject, data, nil)
	if err != nil {
		return nil, err
	}
	if code := msg.Header.Get(micro.ErrorCodeHeader); code != "" {
		return nil, &ServiceError{
			Code:        code,
			Description: msg.Header.Get(micro.ErrorHeader),
		}
	}
	return msg.Data, nil
}

type collectOptions struct {
	maxWait     time.Duration
	maxCount    int
	maxInterval time.Duration
}

// CollectOption bounds a discovery collection window.
type CollectOption func(*collectOptions)

// WithMaxWait caps the total time spent collecting replies.
// Defaults to one second.
func WithMaxWait(d time.Duration) CollectOption {
	return func(o *collectOptions) { o.maxWait = d }
}

// WithMaxCount stops the collection as soon as n replies arrived.
// Zero means unbounded.
func WithMaxCount(n int) CollectOption {
	return func(o *collectOptions) { o.maxCount = n }
}

// WithMaxInterval stops the collection when no reply arrived for d.
// Zero disables the stall detector.
func WithMaxInterval(d time.Duration) CollectOption {
	return func(o *collectOptions) { o.maxInterval = d }
}

// Ping discovers running instances. name scopes the query to one
// service; empty name queries the whole fleet. Every instance
// answers once, so the result carries one entry per instance.
func (c *Client) Ping(ctx context.Context, name string, opts ...CollectOption) ([]micro.PingInfo, error) {
	payloads, err := c.collect(ctx, micro.ControlSubject(micro.PingVerb, name, ""), opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[micro.PingInfo](payloads, micro.PingResponseType)
}

// Info collects INFO snapshots from running instances.
func (c *Client) Info(ctx context.Context, name string, opts ...CollectOption) ([]micro.ServiceInfo, error) {
	payloads, err := c.collect(ctx, micro.ControlSubject(micro.InfoVerb, name, ""), opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[micro.ServiceInfo](payloads, micro.InfoResponseType)
}

// Stats collects STATS snapshots from running instances.
func (c *Client) Stats(ctx context.Context, name string, opts ...CollectOption) ([]micro.ServiceStats, error) {
	payloads, err := c.collect(ctx, micro.ControlSubject(micro.StatsVerb, name, ""), opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[micro.ServiceStats](payloads, micro.StatsResponseType)
}

// collect publishes a discovery request and gathers replies until
// the window closes: total wait elapsed, enough replies, or a stall.
func (c *Client) collect(ctx context.Context, subject string, opts []CollectOption) ([][]byte, error) {
	o := collectOptions{maxWait: time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	inbox := c.tp.NewInbox()
	replies := make(chan []byte, 256)
	sub, err := c.tp.Subscribe(inbox, "", func(msg *transport.Msg) {
		select {
		case replies <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := c.tp.PublishRequest(subject, inbox, nil, nil); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(o.maxWait)
	defer deadline.Stop()

	var stall *time.Timer
	var stallC <-chan time.Time
	if o.maxInterval > 0 {
		stall = time.NewTimer(o.maxInterval)
		defer stall.Stop()
		stallC = stall.C
	}

	var out [][]byte
	for {
		select {
		case data := <-replies:
			out = append(out, data)
			if o.maxCount > 0 && len(out) >= o.maxCount {
				return out, nil
			}
			if stall != nil {
				if !stall.Stop() {
					select {
					case <-stall.C:
					default:
					}
				}
				stall.Reset(o.maxInterval)
			}
		case <-stallC:
			return out, nil
		case <-deadline.C:
			return out, nil
		case <-ctx.Done():
			return out, errors.WrapTransport(ctx.Err(), "client", "collect", "await replies")
		}
	}
}

// decodeAll unmarshals the collected payloads, dropping anything
// that does not carry the expected response type.
func decodeAll[T any](payloads [][]byte, wantType string) ([]T, error) {
	out := make([]T, 0, len(payloads))
	for _, data := range payloads {
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type != wantType {
			continue
		}
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// Instance scopes discovery queries to one service instance.
type Instance struct {
	client *Client
	name   string
	id     string
}

// Instance returns a handle for querying a single instance by
// service name and instance id.
func (c *Client) Instance(name, id string) *Instance {
	return &Instance{client: c, name: name, id: id}
}

// Ping queries the instance's PING responder.
func (i *Instance) Ping(ctx context.Context) (micro.PingInfo, error) {
	return requestOne[micro.PingInfo](ctx, i, micro.PingVerb, micro.PingResponseType)
}

// Info queries the instance's INFO responder.
func (i *Instance) Info(ctx context.Context) (micro.ServiceInfo, error) {
	return requestOne[micro.ServiceInfo](ctx, i, micro.InfoVerb, micro.InfoResponseType)
}

// Stats queries the instance's STATS responder.
func (i *Instance) Stats(ctx context.Context) (micro.ServiceStats, error) {
	return requestOne[micro.ServiceStats](ctx, i, micro.StatsVerb, micro.StatsResponseType)
}

func requestOne[T any](ctx context.Context, i *Instance, verb, wantType string) (T, error) {
	var out T
	subject := micro.ControlSubject(verb, i.name, i.id)
	msg, err := i.client.tp.Request(ctx, subject, nil, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return out, errors.WrapTransport(
			fmt.Errorf("decode %s reply: %w", verb, err),
			"client", "Instance", "decode reply")
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg.Data, &envelope); err == nil && envelope.Type != wantType {
		return out, errors.WrapTransport(
			fmt.Errorf("unexpected reply type %q for %s", envelope.Type, verb),
			"client", "Instance", "validate reply")
	}
	return out, nil
}
