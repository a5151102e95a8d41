// Package natsclient implements the transport contract on top of a NATS
// connection, with connection status tracking and lifecycle callbacks.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/petrarca/nats-micro/errors"
	"github.com/petrarca/nats-micro/pkg/retry"
	"github.com/petrarca/nats-micro/transport"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned for operations on a disconnected client.
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client manages a NATS connection and adapts it to transport.Transport.
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	connectRetry  *retry.Config

	// Authentication
	username string
	password string
	token    string

	// TLS
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	// Callbacks
	onDisconnect func(error)
	onReconnect  func()

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default().With("component", "natsclient"),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapConfig(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.logger.Debug("Created NATS client", "url", url)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy returns true if the connection is established
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Conn returns the underlying NATS connection, or nil before Connect.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsCertFile != "" && c.tlsKeyFile != "" {
		opts = append(opts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
	}
	if c.tlsCAFile != "" {
		opts = append(opts, nats.RootCAs(c.tlsCAFile))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

// Connect establishes the connection. When a retry config was supplied via
// WithConnectRetry, failed attempts back off and try again; the micro core
// above this layer never retries on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	dial := func() error {
		conn, err := nats.Connect(c.url, c.buildConnectionOptions()...)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	}

	var err error
	if c.connectRetry != nil {
		err = retry.Do(ctx, *c.connectRetry, dial)
	} else {
		err = dial()
	}
	if err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransport(err, "Client", "Connect", "establish connection")
	}

	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		c.setStatus(StatusDisconnected)
		return nil
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- conn.Drain() }()

	var drainErr error
	select {
	case err := <-drainDone:
		drainErr = err
	case <-time.After(c.drainTimeout):
		drainErr = fmt.Errorf("drain timeout after %v", c.drainTimeout)
	case <-ctx.Done():
		drainErr = ctx.Err()
	}
	conn.Close()
	c.setStatus(StatusDisconnected)

	if drainErr != nil {
		c.logger.Error("NATS drain failed, connection force closed", "error", drainErr)
		return errors.WrapTransport(drainErr, "Client", "Close", "drain connection")
	}
	return nil
}

// Subscribe implements transport.Transport.
func (c *Client) Subscribe(subject, queue string, handler transport.Handler) (transport.Subscription, error) {
	conn := c.Conn()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransport(ErrNotConnected, "Client", "Subscribe", "check connection")
	}

	cb := func(msg *nats.Msg) {
		handler(fromNATS(msg))
	}

	var sub *nats.Subscription
	var err error
	if queue != "" {
		sub, err = conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, errors.WrapTransport(err, "Client", "Subscribe", "subscribe "+subject)
	}
	return &subscription{sub: sub, queue: queue}, nil
}

// Publish implements transport.Transport.
func (c *Client) Publish(subject string, data []byte, header transport.Header) error {
	conn := c.Conn()
	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransport(ErrNotConnected, "Client", "Publish", "check connection")
	}

	if header == nil {
		if err := conn.Publish(subject, data); err != nil {
			return errors.WrapTransport(err, "Client", "Publish", "publish "+subject)
		}
		return nil
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header(header)}
	if err := conn.PublishMsg(msg); err != nil {
		return errors.WrapTransport(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// PublishRequest implements transport.Transport.
func (c *Client) PublishRequest(subject, reply string, data []byte, header transport.Header) error {
	conn := c.Conn()
	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransport(ErrNotConnected, "Client", "PublishRequest", "check connection")
	}

	msg := &nats.Msg{Subject: subject, Reply: reply, Data: data}
	if header != nil {
		msg.Header = nats.Header(header)
	}
	if err := conn.PublishMsg(msg); err != nil {
		return errors.WrapTransport(err, "Client", "PublishRequest", "publish "+subject)
	}
	return nil
}

// Request implements transport.Transport.
func (c *Client) Request(ctx context.Context, subject string, data []byte, header transport.Header) (*transport.Msg, error) {
	conn := c.Conn()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransport(ErrNotConnected, "Client", "Request", "check connection")
	}

	msg := &nats.Msg{Subject: subject, Data: data}
	if header != nil {
		msg.Header = nats.Header(header)
	}
	reply, err := conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, errors.WrapTransport(err, "Client", "Request", "request "+subject)
	}
	return fromNATS(reply), nil
}

// NewInbox implements transport.Transport.
func (c *Client) NewInbox() string {
	return nats.NewInbox()
}

type subscription struct {
	sub   *nats.Subscription
	queue string
}

func (s *subscription) Subject() string { return s.sub.Subject }
func (s *subscription) Queue() string   { return s.queue }

func (s *subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
		return errors.WrapTransport(err, "Client", "Unsubscribe", "unsubscribe "+s.sub.Subject)
	}
	return nil
}

func fromNATS(msg *nats.Msg) *transport.Msg {
	return &transport.Msg{
		Subject: msg.Subject,
		Reply:   msg.Reply,
		Header:  transport.Header(msg.Header),
		Data:    msg.Data,
	}
}

// Event handlers for NATS connection state changes

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)

	c.mu.RLock()
	onDisconnect := c.onDisconnect
	c.mu.RUnlock()
	if onDisconnect != nil {
		go onDisconnect(err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())

	c.mu.RLock()
	onReconnect := c.onReconnect
	c.mu.RUnlock()
	if onReconnect != nil {
		go onReconnect()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

var _ transport.Transport = (*Client)(nil)
