// Package daemon wires the controller, persistence, push, and HTTP layers
// into the sbrd service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbrctl/sbrctl/internal/config"
	"github.com/sbrctl/sbrctl/internal/controller"
	"github.com/sbrctl/sbrctl/internal/db"
	"github.com/sbrctl/sbrctl/internal/hardware"
)

const shutdownTimeout = 5 * time.Second

// Service owns the bound listeners and the background workers.
type Service struct {
	cfg   config.Config
	log   zerolog.Logger
	store *db.Store
	rig   hardware.Rig
	ctrl  *controller.Controller
	hub   *Hub

	listener        net.Listener
	server          *http.Server
	metricsListener net.Listener
	metricsServer   *http.Server
}

// Run opens the database, builds the rig, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, store, log)
	if err != nil {
		_ = store.Close()
		return err
	}
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners.
func NewService(cfg config.Config, store *db.Store, log zerolog.Logger) (*Service, error) {
	rig, err := buildRig(cfg)
	if err != nil {
		return nil, err
	}
	metrics := controller.NewMetrics()
	ctrl := controller.New(rig, cfg.PhaseConfig(), log).
		WithMetrics(metrics).
		WithStatusInterval(time.Duration(cfg.StatusPushInterval * float64(time.Second)))
	hub := NewHub(log)

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = rig.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	mux := http.NewServeMux()
	NewAPI(ctrl, store, hub, cfg, log).Register(mux)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	service := &Service{
		cfg:      cfg,
		log:      log.With().Str("component", "daemon").Logger(),
		store:    store,
		rig:      rig,
		ctrl:     ctrl,
		hub:      hub,
		listener: listener,
		server:   server,
	}

	if cfg.MetricsListen != "" {
		metricsListener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = listener.Close()
			_ = rig.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		service.metricsListener = metricsListener
		service.metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return service, nil
}

// Serve runs the control loop, the event pump, and the data logger, and
// blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	s.log.Info().
		Str("listen", s.cfg.Listen).
		Str("hardware", string(s.rig.Mode())).
		Str("db", s.cfg.DBPath).
		Msg("sbrd listening")

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		s.ctrl.Run(workerCtx)
	}()
	pump := newEventPump(s.store, s.hub, s.log)
	go func() {
		defer workers.Done()
		pump.run(workerCtx, s.ctrl.Events())
	}()
	logger := newDataLogger(s.ctrl, s.store, s.log, s.cfg)
	go func() {
		defer workers.Done()
		logger.run(workerCtx)
	}()

	serverCount := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.server.Serve(s.listener) }()
	if s.metricsServer != nil {
		serverCount = 2
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := serverCount
	var serveErr error

	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	cancelWorkers()
	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	workers.Wait()
	s.hub.Close()
	if err := s.rig.Close(); err != nil {
		s.log.Error().Err(err).Msg("close hardware rig")
	}
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
}

// buildRig selects the hardware implementation and wraps it in the call
// timeout guard.
func buildRig(cfg config.Config) (hardware.Rig, error) {
	timeout := time.Duration(cfg.Hardware.CallTimeout * float64(time.Second))
	switch cfg.Hardware.Mode {
	case "gpio":
		rig, err := hardware.NewGPIORig(hardware.GPIOConfig{
			Pins:       cfg.Hardware.Pins,
			ActiveLow:  cfg.Hardware.ActiveLow,
			TriggerPin: cfg.Hardware.LevelTriggerPin,
			EchoPin:    cfg.Hardware.LevelEchoPin,
		})
		if err != nil {
			return nil, err
		}
		return hardware.NewGuard(rig, timeout), nil
	case "simulated":
		return hardware.NewGuard(hardware.NewSimRig(), timeout), nil
	default:
		return nil, fmt.Errorf("unknown hardware mode %q", cfg.Hardware.Mode)
	}
}
