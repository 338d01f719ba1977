package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/agreements/internal/api"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const healthCheckInterval = 30 * time.Second

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the HTTP API",
	Long:  `Start the HTTP API serving agreements, version history, acceptance and search`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	app, err := newApplication(false)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(app.cfg.Server, app.service, app.metrics, app.tracer)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return errors.Wrap(err, "failed to create scheduler")
		}
		_, err = scheduler.NewJob(
			gocron.DurationJob(healthCheckInterval),
			gocron.NewTask(func() { app.checkHealth(ctx) }),
		)
		if err != nil {
			return errors.Wrap(err, "failed to schedule health check")
		}
		scheduler.Start()

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API error")
		return err
	}

	log.Info().Msg("API shut down gracefully")
	return nil
}
