package micro

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrarca/nats-micro/errors"
	"github.com/petrarca/nats-micro/transport"
)

// Status represents the lifecycle state of a service instance.
type Status int32

const (
	// StatusCreated means the service is configured but not listening.
	StatusCreated Status = iota
	// StatusStarted means all subscriptions are active.
	StatusStarted
	// StatusStopped means the service has been shut down. Terminal.
	StatusStopped
)

// String returns a human-readable status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarted:
		return "started"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrorHandler is notified about failures the dispatch loop cannot
// return to anyone: handler panics and reply publish errors.
type ErrorHandler func(service *Service, err error)

// subjectRegistrar tracks composed subjects so two endpoints never
// claim the same one, even across services.
type subjectRegistrar interface {
	claimSubject(subject, owner string) error
}

// Metrics receives dispatch and discovery observations. The metric
// package provides a Prometheus-backed implementation.
type Metrics interface {
	RecordRequest(service, endpoint string, failed bool, elapsed time.Duration)
	RecordDiscovery(service, verb string)
	SetServiceStatus(service, id string, status string)
}

// Config describes a service before registration.
type Config struct {
	// Name identifies the service in discovery replies and control
	// subjects. Must be a valid name token.
	Name string
	// Version is a semantic version string.
	Version string
	// Description is surfaced in INFO replies. Optional.
	Description string
	// Metadata is surfaced in discovery replies. Optional.
	Metadata map[string]string
	// QueueGroup overrides the default queue group (the service
	// name) for all endpoints that do not set their own. Optional.
	QueueGroup string
}

// Service is one running instance of a microservice: a set of
// endpoints plus the discovery responder. Instances of the same
// service share name and version but carry distinct ids.
type Service struct {
	name        string
	version     string
	description string
	metadata    map[string]string
	queueGroup  string
	id          string

	tp           transport.Transport
	logger       *slog.Logger
	metrics      Metrics
	errorHandler ErrorHandler
	registrar    subjectRegistrar

	statusVal atomic.Int32
	started   time.Time

	mu          sync.Mutex
	endpoints   []*Endpoint
	controlSubs []transport.Subscription
}

func newService(cfg Config, tp transport.Transport, logger *slog.Logger, metrics Metrics, errorHandler ErrorHandler) (*Service, error) {
	if err := ValidateName(cfg.Name); err != nil {
		return nil, errors.WrapConfig(err, "service", "New", "validate name")
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, errors.WrapConfig(err, "service", "New", "validate version")
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Service{
		name:         cfg.Name,
		version:      cfg.Version,
		description:  cfg.Description,
		metadata:     cfg.Metadata,
		queueGroup:   cfg.QueueGroup,
		id:           id,
		tp:           tp,
		logger:       logger.With("service", cfg.Name, "instance", id),
		metrics:      metrics,
		errorHandler: errorHandler,
	}, nil
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Version returns the service version.
func (s *Service) Version() string { return s.version }

// ID returns the unique instance id.
func (s *Service) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Service) Status() Status {
	return s.status()
}

func (s *Service) status() Status {
	return Status(s.statusVal.Load())
}

// AddGroup creates a top-level endpoint group. queueGroup overrides
// the service default when non-empty.
func (s *Service) AddGroup(name, queueGroup string) (*Group, error) {
	root := &Group{service: s, queueGroup: s.queueGroup}
	return root.AddGroup(name, queueGroup)
}

// AddEndpoint registers an endpoint directly on the service. The
// subject defaults to the endpoint name.
func (s *Service) AddEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	return s.addEndpoint(cfg, "", s.queueGroup)
}

// start subscribes every endpoint plus the nine discovery subjects.
// On any subscribe failure the already-created subscriptions are
// torn down before the error is returned, so a failed start leaves
// no partial listeners behind.
//
// Unsubscribing drains in-flight deliveries, and an in-flight
// discovery responder takes s.mu for its snapshot, so teardown must
// never run while s.mu is held.
func (s *Service) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapLifecycle(err, "service", "Start", "check context")
	}
	s.mu.Lock()

	switch s.status() {
	case StatusStarted:
		s.mu.Unlock()
		return errors.WrapLifecycle(
			fmt.Errorf("%w: service %q", errors.ErrAlreadyStarted, s.name),
			"service", "Start", "check status")
	case StatusStopped:
		s.mu.Unlock()
		return errors.WrapLifecycle(
			fmt.Errorf("%w: service %q cannot be restarted", errors.ErrStopped, s.name),
			"service", "Start", "check status")
	}

	var subs []transport.Subscription
	fail := func(err error) error {
		s.mu.Unlock()
		s.unsubscribeAll(subs)
		return errors.WrapTransport(err, "service", "Start", "subscribe")
	}

	for _, ep := range s.endpoints {
		ep := ep
		sub, err := s.tp.Subscribe(ep.subject, ep.queueGroup, func(msg *transport.Msg) {
			s.dispatch(ep, msg)
		})
		if err != nil {
			return fail(fmt.Errorf("%w: endpoint %q on %q: %w",
				errors.ErrSubscriptionFailed, ep.name, ep.subject, err))
		}
		subs = append(subs, sub)
	}

	for _, subject := range controlSubjects(s.name, s.id) {
		sub, err := s.tp.Subscribe(subject, "", func(msg *transport.Msg) {
			s.handleControl(msg)
		})
		if err != nil {
			return fail(fmt.Errorf("%w: control subject %q: %w",
				errors.ErrSubscriptionFailed, subject, err))
		}
		subs = append(subs, sub)
	}

	numEndpoints := len(s.endpoints)
	s.controlSubs = subs
	s.started = time.Now().UTC()
	s.statusVal.Store(int32(StatusStarted))
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetServiceStatus(s.name, s.id, StatusStarted.String())
	}
	s.logger.Info("Service started",
		"version", s.version, "endpoints", numEndpoints)
	return nil
}

// stop tears down every subscription. Safe to call repeatedly; a
// stopped service cannot be started again. The subscriptions are
// detached under the lock, then unsubscribed without it so that
// in-flight discovery responders waiting on s.mu can drain.
func (s *Service) stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapLifecycle(err, "service", "Stop", "check context")
	}
	s.mu.Lock()
	if s.status() == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	subs := s.controlSubs
	s.controlSubs = nil
	s.statusVal.Store(int32(StatusStopped))
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Unsubscribe failed", "subject", sub.Subject(), "error", err)
			errs = append(errs, fmt.Errorf("unsubscribe %q: %w", sub.Subject(), err))
		}
	}
	if s.metrics != nil {
		s.metrics.SetServiceStatus(s.name, s.id, StatusStopped.String())
	}
	s.logger.Info("Service stopped")

	if len(errs) > 0 {
		return errors.WrapTransport(stderrors.Join(errs...), "service", "Stop", "unsubscribe")
	}
	return nil
}

func (s *Service) unsubscribeAll(subs []transport.Subscription) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Rollback unsubscribe failed",
				"subject", sub.Subject(), "error", err)
		}
	}
}

// dispatch runs one request through an endpoint handler: it times
// the call, updates the endpoint counters, and publishes either the
// handler's payload or an error reply. A panicking handler is
// reported as a handler error; the subscription stays alive.
func (s *Service) dispatch(ep *Endpoint, msg *transport.Msg) {
	req := &Request{
		Subject: msg.Subject,
		Header:  msg.Header,
		Data:    msg.Data,
		reply:   msg.Reply,
	}

	start := time.Now()
	data, err := s.invoke(ep, req)
	elapsed := time.Since(start)

	if err != nil {
		code, description := errorDetails(err)
		ep.stats.recordError(elapsed, fmt.Sprintf("%s:%s", code, description))
		if s.metrics != nil {
			s.metrics.RecordRequest(s.name, ep.name, true, elapsed)
		}
		s.logger.Debug("Handler failed",
			"endpoint", ep.name, "code", code, "error", description)
		s.respondError(msg.Reply, code, description)
		return
	}

	ep.stats.recordSuccess(elapsed)
	if s.metrics != nil {
		s.metrics.RecordRequest(s.name, ep.name, false, elapsed)
	}
	if msg.Reply == "" {
		return
	}
	if err := s.tp.Publish(msg.Reply, data, nil); err != nil {
		s.reportError(errors.WrapTransport(
			fmt.Errorf("%w: reply on %q: %w", errors.ErrPublishFailed, msg.Reply, err),
			"service", "dispatch", "publish reply"))
	}
}

// invoke calls the handler with panic recovery.
func (s *Service) invoke(ep *Endpoint, req *Request) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapHandler(
				fmt.Errorf("handler for %q panicked: %v", ep.name, r),
				"service", "dispatch", "invoke handler")
			s.reportError(err)
		}
	}()
	return ep.handler.Handle(context.Background(), req)
}

func (s *Service) respondError(reply, code, description string) {
	if reply == "" {
		return
	}
	header := transport.Header{}
	header.Set(ErrorCodeHeader, code)
	header.Set(ErrorHeader, description)
	if err := s.tp.Publish(reply, nil, header); err != nil {
		s.reportError(errors.WrapTransport(
			fmt.Errorf("%w: error reply on %q: %w", errors.ErrPublishFailed, reply, err),
			"service", "dispatch", "publish error reply"))
	}
}

// errorDetails extracts the code and description sent back to the
// requester. Typed errors keep their code; anything else maps to a
// generic 500.
func errorDetails(err error) (string, string) {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code, typed.Description
	}
	return "500", err.Error()
}

// handleControl answers one discovery request with a fresh snapshot.
// Requests arriving after stop are never seen because the
// subscriptions are already gone.
func (s *Service) handleControl(msg *transport.Msg) {
	if msg.Reply == "" {
		return
	}
	verb := controlVerb(msg.Subject)

	var payload any
	switch verb {
	case PingVerb:
		payload = s.pingInfo()
	case InfoVerb:
		payload = s.Info()
	case StatsVerb:
		payload = s.Stats()
	default:
		return
	}
	if s.metrics != nil {
		s.metrics.RecordDiscovery(s.name, verb)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.reportError(errors.WrapTransport(err, "service", "handleControl", "marshal response"))
		return
	}
	if err := s.tp.Publish(msg.Reply, data, nil); err != nil {
		s.reportError(errors.WrapTransport(
			fmt.Errorf("%w: %s reply: %w", errors.ErrPublishFailed, verb, err),
			"service", "handleControl", "publish response"))
	}
}

func controlVerb(subject string) string {
	// $SRV.<VERB>[.<name>[.<id>]]
	rest := strings.TrimPrefix(subject, ControlPrefix+".")
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func (s *Service) pingInfo() PingInfo {
	return PingInfo{
		Type:     PingResponseType,
		Name:     s.name,
		ID:       s.id,
		Version:  s.version,
		Metadata: copyMetadata(s.metadata),
	}
}

// Info returns the instance's INFO snapshot.
func (s *Service) Info() ServiceInfo {
	s.mu.Lock()
	endpoints := make([]EndpointInfo, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		endpoints = append(endpoints, ep.info())
	}
	s.mu.Unlock()

	return ServiceInfo{
		Type:        InfoResponseType,
		Name:        s.name,
		ID:          s.id,
		Version:     s.version,
		Description: s.description,
		Metadata:    copyMetadata(s.metadata),
		Endpoints:   endpoints,
	}
}

// Stats returns the instance's STATS snapshot with current counter
// values.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	eps := make([]*Endpoint, len(s.endpoints))
	copy(eps, s.endpoints)
	started := s.started
	s.mu.Unlock()

	endpoints := make([]EndpointStats, 0, len(eps))
	for _, ep := range eps {
		endpoints = append(endpoints, ep.statsSnapshot())
	}
	return ServiceStats{
		Type:      StatsResponseType,
		Name:      s.name,
		ID:        s.id,
		Version:   s.version,
		Metadata:  copyMetadata(s.metadata),
		Started:   started,
		Endpoints: endpoints,
	}
}

// ResetStats clears the counters on every endpoint. Request and
// error counts normally only grow for the lifetime of an instance;
// calling this deliberately restarts them from zero so an operator
// can open a fresh accounting window.
func (s *Service) ResetStats() {
	s.mu.Lock()
	eps := make([]*Endpoint, len(s.endpoints))
	copy(eps, s.endpoints)
	s.mu.Unlock()
	for _, ep := range eps {
		ep.stats.reset()
	}
}

func (s *Service) reportError(err error) {
	s.logger.Error("Service error", "error", err)
	if s.errorHandler != nil {
		s.errorHandler(s, err)
	}
}
