package cli

import (
	"docassist/internal/config"
	"docassist/internal/logging"
	"docassist/internal/storage"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database tables if missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Log.Level, cfg.Log.Format)
		dbType := cfg.BasicConfig.Database
		db, err := storage.Open(dbType, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := storage.Migrate(db, dbType); err != nil {
			return err
		}
		logger.WithField("driver", dbType).Info("database migrated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
