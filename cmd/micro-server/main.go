// Package main runs a demo microservice host: it connects to NATS,
// registers an echo service with a grouped math endpoint, and serves
// requests plus discovery queries until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrarca/nats-micro/config"
	"github.com/petrarca/nats-micro/metric"
	"github.com/petrarca/nats-micro/micro"
	"github.com/petrarca/nats-micro/natsclient"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to JSON config file")
	metricsAddr := flag.String("metrics", "", "address for the Prometheus metrics endpoint, e.g. :9090")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logger := cfg.Logging.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := buildClient(cfg, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	registry, metrics := metric.NewRegistry()
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, registry, logger)
	}

	mgr, err := micro.NewManager(client,
		micro.WithLogger(logger),
		micro.WithMetrics(metrics),
		micro.WithErrorHandler(func(svc *micro.Service, err error) {
			logger.Error("Dispatch failure", "service", svc.Name(), "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	if err := registerDemoService(mgr); err != nil {
		return fmt.Errorf("register service: %w", err)
	}
	if err := mgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	logger.Info("Serving", "version", version, "nats", cfg.NATS.URL)
	<-ctx.Done()

	logger.Info("Shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return mgr.StopAll(stopCtx)
}

func buildClient(cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithClientName("micro-server"),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.NATS.Timeout))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}
	return natsclient.NewClient(cfg.NATS.URL, opts...)
}

// registerDemoService wires up an example service exercising plain
// endpoints, grouped endpoints and typed handler errors.
func registerDemoService(mgr *micro.Manager) error {
	svc, err := mgr.AddService(micro.Config{
		Name:        "demo",
		Version:     version,
		Description: "echo and arithmetic demo service",
		Metadata:    map[string]string{"owner": "platform"},
	})
	if err != nil {
		return err
	}

	_, err = svc.AddEndpoint(micro.EndpointConfig{
		Name: "echo",
		Handler: micro.HandlerFunc(func(_ context.Context, req *micro.Request) ([]byte, error) {
			return req.Data, nil
		}),
	})
	if err != nil {
		return err
	}

	math, err := svc.AddGroup("math", "")
	if err != nil {
		return err
	}
	_, err = math.AddEndpoint(micro.EndpointConfig{
		Name:    "sum",
		Handler: micro.HandlerFunc(handleSum),
	})
	return err
}

func handleSum(_ context.Context, req *micro.Request) ([]byte, error) {
	var operands []float64
	if err := json.Unmarshal(req.Data, &operands); err != nil {
		return nil, micro.NewError("E_BAD_INPUT", "payload must be a JSON array of numbers")
	}
	var sum float64
	for _, n := range operands {
		sum += n
	}
	return []byte(strconv.FormatFloat(sum, 'f', -1, 64)), nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics endpoint failed", "error", err)
	}
}
