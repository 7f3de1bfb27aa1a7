package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sbilly/chaser/internal/config"
	"github.com/sbilly/chaser/internal/driver"
)

// ServeOptions are the `serve` flags layered over the environment
// configuration.
type ServeOptions struct {
	MaxBrowsers    int
	SessionTimeout time.Duration
}

// NewServeOptions provides an initialised ServeOptions instance.
func NewServeOptions() *ServeOptions {
	return &ServeOptions{}
}

// NewServeCommand creates the `serve` command.
func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&o.MaxBrowsers, "max-browsers", 0, "Override the live browser cap")
	cmd.Flags().DurationVar(&o.SessionTimeout, "session-timeout", 0, "Override the idle browser reclamation threshold")
	return cmd
}

// Run builds the core and blocks until SIGINT/SIGTERM.
func (o *ServeOptions) Run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if o.MaxBrowsers > 0 {
		cfg.MaxBrowsers = o.MaxBrowsers
	}
	if o.SessionTimeout > 0 {
		cfg.SessionTimeout = o.SessionTimeout
	}

	logger := logrus.StandardLogger()
	svc, err := driver.NewService(cfg, logger)
	if err != nil {
		return err
	}
	svc.Start()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutdown signal received")
	return svc.Shutdown(context.Background())
}
