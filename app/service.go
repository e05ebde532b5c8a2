// Package app wires the allocation server from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kilianp07/fleetalloc/api/allocations"
	"github.com/kilianp07/fleetalloc/config"
	"github.com/kilianp07/fleetalloc/core/allocation"
	"github.com/kilianp07/fleetalloc/core/allocation/audit"
	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/fanout"
	coremetrics "github.com/kilianp07/fleetalloc/core/metrics"
	coremon "github.com/kilianp07/fleetalloc/core/monitoring"
	"github.com/kilianp07/fleetalloc/infra/logger"
	"github.com/kilianp07/fleetalloc/infra/metrics"
	"github.com/kilianp07/fleetalloc/infra/monitoring"
	"github.com/kilianp07/fleetalloc/infra/mqtt"
	"github.com/kilianp07/fleetalloc/infra/persistence"
)

const shutdownTimeout = 5 * time.Second

// Service owns the allocation server and its dependencies.
type Service struct {
	Allocation *allocation.Service
	Events     fanout.Channel

	cfg     *config.Config
	persist assignment.Persistence
	audit   audit.Store
	sink    coremetrics.MetricsSink
	srv     *http.Server
	log     logger.Logger
}

// New creates a Service from the configuration. The store is loaded from
// persistence before New returns.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	persist, err := persistence.New(cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}
	s := &Service{cfg: cfg, persist: persist, log: logg}

	store, err := assignment.New(ctx, persist, cfg.Store.Assignment(), logger.New("assignment"))
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("assignment store: %w", err)
	}

	switch cfg.Fanout.Backend {
	case "mqtt":
		ch, err := mqtt.Dial(cfg.MQTT, logger.New("mqtt"))
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("mqtt fanout: %w", err)
		}
		s.Events = ch
	default:
		s.Events = fanout.NewMemory(cfg.Fanout.Buffer)
	}

	svc, err := allocation.NewService(store, s.Events, cfg.Allocation, logger.New("allocation"))
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("allocation service: %w", err)
	}
	s.Allocation = svc

	s.audit, err = audit.New(cfg.Audit)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("audit: %w", err)
	}
	svc.SetAuditStore(s.audit)

	s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	svc.SetMetricsSink(s.sink)

	api := allocations.Server{
		Service: svc,
		Events:  s.Events,
		Token:   cfg.Server.Token,
		Log:     logger.New("api"),
	}
	s.srv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler of the API.
func (s *Service) Handler() http.Handler { return s.srv.Handler }

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	defer coremon.Recover()
	if err := metrics.StartEventCollector(ctx, s.Events, s.sink); err != nil {
		return fmt.Errorf("event collector: %w", err)
	}
	if addr := s.cfg.Server.MetricsAddr; addr != "" {
		go func() {
			if err := metrics.StartPromServer(ctx, addr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("listening", map[string]any{"addr": s.srv.Addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("http shutdown: %v", err)
	}
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	err := s.closeAll()
	coremon.Flush(2 * time.Second)
	return err
}

func (s *Service) closeAll() error {
	var errs []error
	if s.Events != nil {
		errs = append(errs, s.Events.Close())
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := s.persist.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
