package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/agreements/internal/database"
	"example.com/backstage/services/agreements/internal/messaging"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long: `Start the background worker: consumes agreement create and application status queues
from Azure Service Bus and periodically retries payment requests that were never sent`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	app, err := newApplication(true)
	if err != nil {
		return err
	}
	defer app.close()

	if err := database.Migrate(app.db); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.bus.ProcessQueue(ctx, app.cfg.Azure.CreateQueue, messaging.NewCreateProcessor(app.service))
	})

	g.Go(func() error {
		return app.bus.ProcessQueue(ctx, app.cfg.Azure.UpdateQueue, messaging.NewUpdateProcessor(app.service))
	})

	// Payment requests that failed at acceptance time are retried here
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return errors.Wrap(err, "failed to create scheduler")
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(app.cfg.Jobs.ReconcileInterval),
			gocron.NewTask(func() {
				log.Info().Msg("Running payment request reconcile job")
				if err := app.service.ReconcilePaymentRequests(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to reconcile payment requests")
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return errors.Wrap(err, "failed to schedule reconcile job")
		}

		log.Info().Dur("interval", app.cfg.Jobs.ReconcileInterval).Msg("Starting payment request reconcile job")
		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
