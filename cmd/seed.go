package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/crystal-devs/rc-realtime/internal/application"
	"github.com/crystal-devs/rc-realtime/internal/config"
	"github.com/crystal-devs/rc-realtime/internal/database"
	"github.com/crystal-devs/rc-realtime/internal/model"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Run migrations and seeds (migrate up, then database/seeds/*.sql demo events)",
	RunE:  runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close(db)
	logger, err := application.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	applied, err := database.RunSeeds(db, logger)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	fmt.Printf("applied %d seed file(s)\n", len(applied))

	var events []model.EventEntity
	if err := db.Order("created_at").Find(&events).Error; err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	for _, e := range events {
		fmt.Printf("%s  owner=%s  share_token=%s  sharing=%t  %q\n", e.ID, e.OwnerID, e.ShareToken, e.ShareEnabled, e.Title)
	}
	return nil
}
