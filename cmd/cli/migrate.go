package cli

import (
	"triggerflow/internal/models"

	"github.com/spf13/cobra"
)

var seedData bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log := loadRuntime()
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		log.Info("Starting database migration...")
		if err := models.Migrate(db); err != nil {
			return err
		}
		if seedData {
			log.Info("Seeding default data...")
			if err := models.Seed(db); err != nil {
				return err
			}
		}
		log.Info("Migration process completed")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&seedData, "seed", false, "insert a default admin user and welcome template")
	rootCmd.AddCommand(migrateCmd)
}
