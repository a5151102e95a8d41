package micro_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrarca/nats-micro/errors"
	"github.com/petrarca/nats-micro/micro"
	"github.com/petrarca/nats-micro/transport"
	"github.com/petrarca/nats-micro/transport/inmemory"
)

func echoHandler(_ context.Context, req *micro.Request) ([]byte, error) {
	return req.Data, nil
}

func newManager(t *testing.T, tp transport.Transport) *micro.Manager {
	t.Helper()
	mgr, err := micro.NewManager(tp)
	require.NoError(t, err)
	return mgr
}

func addEchoService(t *testing.T, mgr *micro.Manager, name string) *micro.Service {
	t.Helper()
	svc, err := mgr.AddService(micro.Config{Name: name, Version: "1.0.0"})
	require.NoError(t, err)
	_, err = svc.AddEndpoint(micro.EndpointConfig{
		Name:    "echo",
		Subject: name + ".echo",
		Handler: micro.HandlerFunc(echoHandler),
	})
	require.NoError(t, err)
	return svc
}

func TestAddServiceValidation(t *testing.T) {
	bus := inmemory.New()
	mgr := newManager(t, bus)

	tests := []struct {
		name string
		cfg  micro.Config
	}{
		{"empty name", micro.Config{Name: "", Version: "1.0.0"}},
		{"dotted name", micro.Config{Name: "orders.eu", Version: "1.0.0"}},
		{"wildcard name", micro.Config{Name: "orders*", Version: "1.0.0"}},
		{"space in name", micro.Config{Name: "my orders", Version: "1.0.0"}},
		{"bad version", micro.Config{Name: "orders", Version: "not-semver"}},
		{"missing patch", micro.Config{Name: "orders", Version: "1.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.AddService(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.IsConfig(err), "expected config error, got %v", err)
		})
	}
}

func TestAddServiceDuplicateName(t *testing.T) {
	bus := inmemory.New()
	mgr := newManager(t, bus)

	_, err := mgr.AddService(micro.Config{Name: "orders", Version: "1.0.0"})
	require.NoError(t, err)

	_, err = mgr.AddService(micro.Config{Name: "orders", Version: "2.0.0"})
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
	assert.ErrorIs(t, err, errors.ErrDuplicateService)
}

func TestServiceIdentity(t *testing.T) {
	bus := inmemory.New()
	mgr := newManager(t, bus)

	a, err := mgr.AddService(micro.Config{Name: "orders", Version: "1.2.3"})
	require.NoError(t, err)
	b, err := mgr.AddService(micro.Config{Name: "billing", Version: "1.2.3"})
	require.NoError(t, err)

	assert.Equal(t, "orders", a.Name())
	assert.Equal(t, "1.2.3", a.Version())
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, micro.StatusCreated, a.Status())
}

func TestSubjectCompositionAndQueueGroups(t *testing.T) {
	bus := inmemory.New()
	mgr := newManager(t, bus)
	svc, err := mgr.AddService(micro.Config{Name: "orders", Version: "1.0.0"})
	require.NoError(t, err)

	// Bare endpoint: subject is the name, queue group is the service name.
	plain, err := svc.AddEndpoint(micro.EndpointConfig{Name: "list", Handler: micro.HandlerFunc(echoHandler)})
	require.NoError(t, err)
	assert.Equal(t, "list", plain.Subject())
	assert.Equal(t, "orders", plain.QueueGroup())

	// Nested groups compose the prefix; queue group inherits downward.
	eu, err := svc.AddGroup("eu", "")
	require.NoError(t, err)
	west, err := eu.AddGroup("west", "eu-workers")
	require.NoError(t, err)

	create, err := west.AddEndpoint(micro.EndpointConfig{Name: "create", Handler: micro.HandlerFunc(echoHandler)})
	require.NoError(t, err)
	assert.Equal(t, "eu.west.create", create.Subject())
	assert.Equal(t, "eu-workers", create.QueueGroup())

	// Explicit overrides win over everything inherited.
	del, err := west.AddEndpoint(micro.EndpointConfig{
		Name:       "delete",
		Subject:    "remove",
		QueueGroup: "admins",
		Handler:    micro.HandlerFunc(echoHandler),
	})
	require.NoError(t, err)
	assert.Equal(t, "eu.west.remove", del.Subject())
	assert.Equal(t, "admins", del.QueueGroup())
}

func TestEndpointRegistrationErrors(t *testing.T) {
	bus := inmemory.New()
	mgr := newManager(t, bus)
	svc, err := mgr.AddService(micro.Config{Name: "orders", Version: "1.0.0"})
	require.NoError(t, err)

	_, err = svc.AddEndpoint(micro.EndpointConfig{Name: "create", Handler: micro.HandlerFunc(echoHandler)})
	require.NoError(t, err)

	t.Run("missing handler", func(t *testing.T) {
		_, err := svc.AddEndpoint(micro.EndpointConfig{Name: "broken"})
		require.Error(t, err)
		assert.True(t, errors.IsConfig(err))
	})

	t.Run("duplicate endpoint name", func(t *testing.T) {
		_, err := svc.AddEndpoint(micro.EndpointConfig{
			Name: "create", Subject: "other", Handler: micro.HandlerFunc(echoHandler),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrDuplicateEndpoint)
	})

	t.Run("duplicate subject within service", func(t *testing.T) {
		_, err := svc.AddEndpoint(micro.EndpointConfig{
			Name: "create2", Subject: "create", Handler: micro.HandlerFunc(echoHandler),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrDuplicateSubject)
	})

	t.Run("duplicate subject across services", func(t *testing.T) {
		other, err := mgr.AddService(micro.Config{Name: "billing", Version: "1.0.0"})
		require.NoError(t, err)
		_, err = other.AddEndpoint(micro.EndpointConfig{
			Name: "also-create", Subject: "create", Handler: micro.HandlerFunc(echoHandler),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrDuplicateSubject)
		assert.True(t, errors.IsConfig(err))
	})

	t.Run("wildcard subject", func(t *testing.T) {
		_, err := svc.AddEndpoint(micro.EndpointConfig{
			Name: "wild", Subject: "orders.*", Handler: micro.HandlerFunc(echoHandler),
		})
		require.Error(t, err)
		assert.True(t, errors.IsConfig(err))
	})
}

func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	bus := inmemory.New()
	mgr := newManager(t, bus)
	svc := addEchoService(t, mgr, "orders")

	require.NoError(t, mgr.Start(ctx, "orders"))
	assert.Equal(t, micro.StatusStarted, svc.Status())
	// 1 endpoint + 9 discovery subscriptions.
	assert.Equal(t, 10, bus.SubscriptionCount())

	// Double start fails without touching subscriptions.
	err := mgr.Start(ctx, "orders")
	require.Error(t, err)
	assert.True(t, errors.IsLifecycle(err))
	assert.Equal(t, 10, bus.SubscriptionCount())

	require.NoError(t, mgr.Stop(ctx, "orders"))
	assert.Equal(t, micro.StatusStopped, svc.Status())
	assert.Equal(t, 0, bus.SubscriptionCount())

	// Stop is idempotent.
	require.NoError(t, mgr.Stop(ctx, "orders"))

	// Stopped is terminal.
	err = mgr.Start(ctx, "orders")
	require.Error(t, err)
	assert.True(t, errors.IsLifecycle(err))
	assert.ErrorIs(t, err, errors.ErrStopped)
}

func TestAddEndpointAfterStart(t *testing.T) {
	ctx := context.Background()
	bus := inmemory.New()
	mgr := newManager(t, bus)
	svc := addEchoService(t, mgr, "orders")
	require.NoError(t, mgr.Start(ctx, "orders"))

	_, err := svc.AddEndpoint(micro.EndpointConfig{Name: "late", Handler: micro.HandlerFunc(echoHandler)})
	require.Error(t, err)
	assert.True(t, errors.IsLifecycle(err))
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestRequestDispatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := inmemory.New()
	mgr := newManager(t, bus)
	addEchoService(t, mgr, "orders")
	require.NoError(t, mgr.StartAll(ctx))

	reply, err := bus.Request(ctx, "orders.echo", []byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply.Data)
	assert.Empty(t, reply.Header.Get(micro.ErrorCodeHeader))
}

func TestHandlerErrorHeaders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := inmemory.New()
	mgr := newManager(t, bus)
	svc, err := mgr.AddService(micro.Config{Name: "orders", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = svc.AddEndpoint(micro.EndpointConfig{
		Name: "create",
		Handler: micro.HandlerFunc(func(_ context.Context, _ *micro.Request) ([]byte, error) {
			return nil, micro.NewError("E_BAD_INPUT", "missing field x")
		}),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, "orders"))

	reply, err := bus.Request(ctx, "create", []byte("{}"), nil)
	require.NoError(t, err)
	assert.Equal(t, "E_BAD_INPUT", reply.Header.Get(micro.ErrorCodeHeader))
	assert.Equal(t, "missing field x", reply.Header.Get(micro.ErrorHeader))
	assert.Empty(t, reply.Data)
}

func TestUntypedHandlerErrorUsesGenericCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := inmemory.New()
	mgr := newManager(t, bus)
	svc, err := mgr.AddService(micro.Config{Name: "orders", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = svc.AddEndpoint(micro.EndpointConfig{
		Name: "create",
		Handler: micro.HandlerFunc(func(_ context.Context, _ *micro.Request) ([]byte, error) {
			return nil, fmt.Errorf("database on fire")
		}),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, "orders"))

	reply, err := bus.Request(ctx, "create", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "500", reply.Header.Get(micro.ErrorCodeHeader))
	assert.Equal(t, "database on fire", reply.Header.Get(micro.ErrorHeader))
}

func TestPanicRecoveryKeepsSubscriptionAlive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var panics int
	var mu sync.Mutex

	bus := inmemory.New()
	mgr, err := micro.NewManager(bus, micro.WithErrorHandler(func(_ *micro.Service, err error) {
		mu.Lock()
		defer mu.Unlock()
		if errors.IsHandler(err) {
			panics++
		}
	}))
	require.NoError(t, err)

	svc, err := mgr.AddService(micro.Config{Name: "orders", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = svc.AddEndpoint(micro.EndpointConfig{
		Name: "flaky",
		Handler: micro.HandlerFunc(func(_ context.Context, req *micro.Request) ([]byte, error) {
			if string(req.Data) == "boom" {
				panic("handler exploded")
			}
			return req.Data, nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, "orders"))

	reply, err := bus.Request(ctx, "flaky", []byte("boom"), nil)
	require.NoError(t, err)
	assert.Equal(t, "500", reply.Header.Get(micro.ErrorCodeHeader))

	// The endpoint keeps serving after the panic.
	reply, err = bus.Request(ctx, "flaky", []byte("still here"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), reply.Data)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, panics)
}

func TestStatsAccounting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := inmemory.New()
	mgr := newManager(t, bus)
	svc, err := mgr.AddService(micro.Config{Name: "orders", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = svc.AddEndpoint(micro.EndpointConfig{
		Name: "create",
		Handler: micro.HandlerFunc(func(_ context.Context, req *micro.Request) ([]byte, error) {
			if len(req.Data) == 0 {
				return nil, micro.NewError("E_EMPTY", "empty payload")
			}
			return req.Data, nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, "orders"))

	for range 3 {
		_, err := bus.Request(ctx, "create", []byte("ok"), nil)
		require.NoError(t, err)
	}
	for range 2 {
		reply, err := bus.Request(ctx, "create", nil, nil)
		require.NoError(t, err)
		require.Equal(t, "E_EMPTY", reply.Header.Get(micro.ErrorCodeHeader))
	}

	stats := svc.Stats()
	require.Len(t, stats.Endpoints, 1)
	ep := stats.Endpoints[0]
	assert.Equal(t, 5, ep.NumRequests)
	assert.Equal(t, 2, ep.NumErrors)
	assert.Equal(t, "E_EMPTY:empty payload", ep.LastError)
	assert.Positive(t, ep.ProcessingTime)
	assert.Equal(t, ep.ProcessingTime/5, ep.AverageProcessingTime)
	assert.False(t, stats.Started.IsZero())
}

func TestConcurrentDispatchNoLostUpdates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus := inmemory.New()
	mgr := newManager(t, bus)
	svc := addEchoService(t, mgr, "orders")
	require.NoError(t, mgr.Start(ctx, "orders"))

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := bus.Request(ctx, "orders.echo", fmt.Appendf(nil, "msg-%d", i), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats := svc.Stats()
	require.Len(t, stats.Endpoints, 1)
	assert.Equal(t, 100, stats.Endpoints[0].NumRequests)
	assert.Equal(t, 0, stats.Endpoints[0].NumErrors)
}

func TestQueueGroupLoadBalancing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus := inmemory.New()

	// Two instances of the same service, as if two processes joined
	// the same queue group.
	var counts [2]int
	var mu sync.Mutex
	for i := range 2 {
		mgr := newManager(t, bus)
		svc, err := mgr.AddService(micro.Config{Name: "orders", Version: "1.0.0"})
		require.NoError(t, err)
		i := i
		_, err = svc.AddEndpoint(micro.EndpointConfig{
			Name: "create",
			Handler: micro.HandlerFunc(func(_ context.Context, req *micro.Request) ([]byte, error) {
				mu.Lock()
				counts[i]++
				mu.Unlock()
				return req.Data, nil
			}),
		})
		require.NoError(t, err)
		require.NoError(t, mgr.Start(ctx, "orders"))
	}

	const total = 40
	for range total {
		_, err := bus.Request(ctx, "create", []byte("x"), nil)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, total, counts[0]+counts[1], "each request handled exactly once")
	assert.Positive(t, counts[0], "instance 0 starved")
	assert.Positive(t, counts[1], "instance 1 starved")
}

// flakyTransport fails Subscribe after a fixed number of successes.
type flakyTransport struct {
	transport.Transport
	mu        sync.Mutex
	remaining int
}

func (f *flakyTransport) Subscribe(subject, queue string, handler transport.Handler) (transport.Subscription, error) {
	f.mu.Lock()
	if f.remaining == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("subscribe refused for %q", subject)
	}
	f.remaining--
	f.mu.Unlock()
	return f.Transport.Subscribe(subject, queue, handler)
}

func TestStartRollbackOnSubscribeFailure(t *testing.T) {
	ctx := context.Background()
	bus := inmemory.New()
	flaky := &flakyTransport{Transport: bus, remaining: 4}

	mgr := newManager(t, flaky)
	svc := addEchoService(t, mgr, "orders")

	err := mgr.Start(ctx, "orders")
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)

	// Everything created before the failure is unwound and the
	// service is still startable.
	assert.Equal(t, 0, bus.SubscriptionCount())
	assert.Equal(t, micro.StatusCreated, svc.Status())

	flaky.mu.Lock()
	flaky.remaining = -1
	flaky.mu.Unlock()
	require.NoError(t, mgr.Start(ctx, "orders"))
	assert.Equal(t, 10, bus.SubscriptionCount())
}

// stickySub simulates a broker connection that fails to unsubscribe.
type stickySub struct {
	transport.Subscription
}

func (s stickySub) Unsubscribe() error {
	_ = s.Subscription.Unsubscribe()
	return fmt.Errorf("connection reset")
}

type stickyTransport struct {
	transport.Transport
}

func (t stickyTransport) Subscribe(subject, queue string, handler transport.Handler) (transport.Subscription, error) {
	sub, err := t.Transport.Subscribe(subject, queue, handler)
	if err != nil {
		return nil, err
	}
	return stickySub{sub}, nil
}

func TestStopAllAggregatesFailures(t *testing.T) {
	ctx := context.Background()
	bus := inmemory.New()
	mgr := newManager(t, stickyTransport{bus})

	addEchoService(t, mgr, "orders")
	addEchoService(t, mgr, "billing")
	require.NoError(t, mgr.StartAll(ctx))

	err := mgr.StopAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orders")
	assert.Contains(t, err.Error(), "billing")

	// Failures do not prevent either service from reaching stopped.
	for _, svc := range mgr.Services() {
		assert.Equal(t, micro.StatusStopped, svc.Status())
	}
}

func TestStopAllCleanRun(t *testing.T) {
	ctx := context.Background()
	bus := inmemory.New()
	mgr := newManager(t, bus)
	addEchoService(t, mgr, "orders")
	addEchoService(t, mgr, "billing")
	require.NoError(t, mgr.StartAll(ctx))
	require.NoError(t, mgr.StopAll(ctx))
	assert.Equal(t, 0, bus.SubscriptionCount())
}

func TestManagerHealth(t *testing.T) {
	ctx := context.Background()
	bus := inmemory.New()
	mgr := newManager(t, bus)

	addEchoService(t, mgr, "orders")
	addEchoService(t, mgr, "billing")

	// All created: degraded.
	assert.True(t, mgr.Health().IsDegraded())

	require.NoError(t, mgr.StartAll(ctx))
	assert.True(t, mgr.Health().IsHealthy())

	require.NoError(t, mgr.Stop(ctx, "billing"))
	assert.True(t, mgr.Health().IsUnhealthy())
}

func TestInfoSnapshot(t *testing.T) {
	bus := inmemory.New()
	mgr := newManager(t, bus)
	svc, err := mgr.AddService(micro.Config{
		Name:        "orders",
		Version:     "1.0.0",
		Description: "order intake",
		Metadata:    map[string]string{"region": "eu"},
	})
	require.NoError(t, err)
	_, err = svc.AddEndpoint(micro.EndpointConfig{
		Name:     "create",
		Handler:  micro.HandlerFunc(echoHandler),
		Metadata: map[string]string{"schema": "v2"},
	})
	require.NoError(t, err)

	info := svc.Info()
	assert.Equal(t, micro.InfoResponseType, info.Type)
	assert.Equal(t, "orders", info.Name)
	assert.Equal(t, svc.ID(), info.ID)
	assert.Equal(t, "order intake", info.Description)
	assert.Equal(t, "eu", info.Metadata["region"])
	require.Len(t, info.Endpoints, 1)
	assert.Equal(t, "create", info.Endpoints[0].Name)
	assert.Equal(t, "create", info.Endpoints[0].Subject)
	assert.Equal(t, "orders", info.Endpoints[0].QueueGroup)
	assert.Equal(t, "v2", info.Endpoints[0].Metadata["schema"])
}

func TestStopUnderDiscoveryTraffic(t *testing.T) {
	ctx := context.Background()
	bus := inmemory.New()
	mgr := newManager(t, bus)
	addEchoService(t, mgr, "orders")
	require.NoError(t, mgr.Start(ctx, "orders"))

	// Keep INFO and STATS queries in flight while the service is
	// torn down. Stop drains those deliveries, and the responders
	// need the service lock for their snapshots, so Stop must not
	// hold it across the drain.
	quit := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-quit:
					return
				default:
				}
				_ = bus.PublishRequest("$SRV.INFO.orders", bus.NewInbox(), nil, nil)
				_ = bus.PublishRequest("$SRV.STATS.orders", bus.NewInbox(), nil, nil)
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- mgr.Stop(ctx, "orders") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while discovery queries were in flight")
	}
	close(quit)
	wg.Wait()
	assert.Equal(t, 0, bus.SubscriptionCount())
}

func TestStatsDataAndReset(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := inmemory.New()
	mgr := newManager(t, bus)
	svc, err := mgr.AddService(micro.Config{Name: "orders", Version: "1.0.0"})
	require.NoError(t, err)
	ep, err := svc.AddEndpoint(micro.EndpointConfig{Name: "create", Handler: micro.HandlerFunc(echoHandler)})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, "orders"))

	for range 3 {
		_, err := bus.Request(ctx, "create", []byte("ok"), nil)
		require.NoError(t, err)
	}
	ep.SetStatsData(map[string]any{"queue_depth": 7})

	stats := svc.Stats()
	require.Len(t, stats.Endpoints, 1)
	assert.Equal(t, 3, stats.Endpoints[0].NumRequests)
	assert.Equal(t, 7, stats.Endpoints[0].Data["queue_depth"])

	svc.ResetStats()
	stats = svc.Stats()
	require.Len(t, stats.Endpoints, 1)
	assert.Equal(t, 0, stats.Endpoints[0].NumRequests)
	assert.Equal(t, 0, stats.Endpoints[0].NumErrors)
	assert.Empty(t, stats.Endpoints[0].LastError)
	assert.Zero(t, stats.Endpoints[0].ProcessingTime)
	// Custom data survives a counter reset.
	assert.Equal(t, 7, stats.Endpoints[0].Data["queue_depth"])
}
