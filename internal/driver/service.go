package driver

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/sbilly/chaser/internal/config"
	"github.com/sbilly/chaser/internal/event"
	"github.com/sbilly/chaser/internal/launch"
	"github.com/sbilly/chaser/internal/session"
	"github.com/sbilly/chaser/internal/stealth"
)

// Service wires the whole core together: launcher, registry, event
// dispatcher, stealth catalog and the driver itself. The RPC layer holds
// one Service and maps its methods 1:1.
type Service struct {
	*Driver

	cfg      config.Config
	logger   logrus.FieldLogger
	registry *session.Registry

	cancel context.CancelFunc
}

// NewService assembles a Service over the local exec launcher.
func NewService(cfg config.Config, logger logrus.FieldLogger) (*Service, error) {
	return NewServiceWithLauncher(cfg, logger, launch.NewExecLauncher(logger))
}

// NewServiceWithLauncher assembles a Service over a caller-supplied
// launch hook.
func NewServiceWithLauncher(cfg config.Config, logger logrus.FieldLogger, launcher launch.Launcher) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	events := event.NewDispatcher(logger, cfg.SubscriptionBufferSize)
	injector := stealth.NewInjector(logger)
	catalog := stealth.NewCatalog()
	registry := session.NewRegistry(cfg, logger, launcher, events, injector)

	return &Service{
		Driver:   New(cfg, logger, registry, events, catalog, injector),
		cfg:      cfg,
		logger:   logger,
		registry: registry,
	}, nil
}

// Start launches background maintenance (idle reclamation).
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.registry.Start(ctx)
	s.logger.WithFields(logrus.Fields{
		"max_browsers":     s.cfg.MaxBrowsers,
		"max_pages_total":  s.cfg.MaxPagesTotal,
		"cleanup_interval": s.cfg.CleanupInterval,
	}).Info("core started")
}

// Shutdown stops intake, closes every browser in parallel and waits for
// the teardown, bounded by the grace period.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.registry.Shutdown(ctx)
	s.logger.Info("core stopped")
	return err
}
