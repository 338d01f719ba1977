package cmd

import (
	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/database"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		db, err := database.Connect(cfg.DB)
		if err != nil {
			return err
		}
		defer database.Close(db)

		log.Info().Msg("Running database migrations")
		if err := database.Migrate(db); err != nil {
			return err
		}

		log.Info().Msg("Database migrations completed successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
