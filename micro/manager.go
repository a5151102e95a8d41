package micro

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/petrarca/nats-micro/errors"
	"github.com/petrarca/nats-micro/health"
	"github.com/petrarca/nats-micro/transport"
)

// Manager owns a set of services bound to one transport. It enforces
// name and subject uniqueness across everything it manages and
// drives the shared lifecycle.
type Manager struct {
	tp           transport.Transport
	logger       *slog.Logger
	metrics      Metrics
	errorHandler ErrorHandler

	mu       sync.Mutex
	services map[string]*Service
	subjects map[string]string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager) error

// WithLogger sets the logger inherited by every managed service.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		m.logger = logger
		return nil
	}
}

// WithMetrics wires a metrics sink into every managed service.
func WithMetrics(metrics Metrics) ManagerOption {
	return func(m *Manager) error {
		m.metrics = metrics
		return nil
	}
}

// WithErrorHandler registers a callback for async dispatch failures
// (handler panics, reply publish errors).
func WithErrorHandler(handler ErrorHandler) ManagerOption {
	return func(m *Manager) error {
		m.errorHandler = handler
		return nil
	}
}

// NewManager creates a manager on the given transport.
func NewManager(tp transport.Transport, opts ...ManagerOption) (*Manager, error) {
	if tp == nil {
		return nil, errors.WrapConfig(
			fmt.Errorf("transport cannot be nil"), "manager", "New", "validate transport")
	}
	m := &Manager{
		tp:       tp,
		logger:   slog.Default(),
		services: map[string]*Service{},
		subjects: map[string]string{},
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, errors.WrapConfig(err, "manager", "New", "apply option")
		}
	}
	return m, nil
}

// AddService registers a new service instance. The name must not be
// registered already; name and version are validated before the
// instance id is minted.
func (m *Manager) AddService(cfg Config) (*Service, error) {
	svc, err := newService(cfg, m.tp, m.logger, m.metrics, m.errorHandler)
	if err != nil {
		return nil, err
	}
	svc.registrar = m

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[cfg.Name]; ok {
		return nil, errors.WrapConfig(
			fmt.Errorf("%w: %q", errors.ErrDuplicateService, cfg.Name),
			"manager", "AddService", "check name")
	}
	m.services[cfg.Name] = svc
	m.logger.Debug("Service registered", "service", cfg.Name, "instance", svc.ID())
	return svc, nil
}

// Service returns a registered service by name.
func (m *Manager) Service(name string) (*Service, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[name]
	return svc, ok
}

// Services returns all registered services.
func (m *Manager) Services() []*Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Service, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc)
	}
	return out
}

// Start brings one service online. A subscribe failure rolls back
// any listeners created so far and leaves the service startable.
func (m *Manager) Start(ctx context.Context, name string) error {
	svc, ok := m.Service(name)
	if !ok {
		return errors.WrapConfig(
			fmt.Errorf("service %q is not registered", name),
			"manager", "Start", "lookup service")
	}
	return svc.start(ctx)
}

// StartAll starts every registered service, stopping at the first
// failure.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, svc := range m.Services() {
		if err := svc.start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop takes one service offline. Idempotent.
func (m *Manager) Stop(ctx context.Context, name string) error {
	svc, ok := m.Service(name)
	if !ok {
		return errors.WrapConfig(
			fmt.Errorf("service %q is not registered", name),
			"manager", "Stop", "lookup service")
	}
	return svc.stop(ctx)
}

// StopAll stops every service, continuing through failures and
// returning them joined.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, svc := range m.Services() {
		if err := svc.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %q: %w", svc.Name(), err))
		}
	}
	return stderrors.Join(errs...)
}

// Health reports an aggregate view over all managed services: a
// started service is healthy, a created one degraded, a stopped one
// unhealthy.
func (m *Manager) Health() health.Status {
	services := m.Services()
	subs := make([]health.Status, 0, len(services))
	for _, svc := range services {
		switch svc.Status() {
		case StatusStarted:
			subs = append(subs, health.NewHealthy(svc.Name(), "Service started"))
		case StatusCreated:
			subs = append(subs, health.NewDegraded(svc.Name(), "Service not started"))
		default:
			subs = append(subs, health.NewUnhealthy(svc.Name(), "Service stopped"))
		}
	}
	return health.Aggregate("manager", subs)
}

// claimSubject records subject ownership manager-wide. Two endpoints
// on the same subject would steal each other's queue-grouped
// traffic, so the second claim is rejected.
func (m *Manager) claimSubject(subject, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.subjects[subject]; ok {
		return fmt.Errorf("%w: %q claimed by %s", errors.ErrDuplicateSubject, subject, existing)
	}
	m.subjects[subject] = owner
	return nil
}
