package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/auth"
	"github.com/crystal-devs/rc-realtime/internal/config"
	"github.com/crystal-devs/rc-realtime/internal/database"
	"github.com/crystal-devs/rc-realtime/internal/metrics"
	"github.com/crystal-devs/rc-realtime/internal/queue"
	"github.com/crystal-devs/rc-realtime/internal/service"
	"github.com/crystal-devs/rc-realtime/internal/transport"
)

var commandCmd = &cobra.Command{
	Use:   "command [name]",
	Short: "Run one-time command (migrate, migrate-create, sign-token, queue-stats)",
	RunE:  runCommand,
}

var tokenTTL time.Duration

func init() {
	commandCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "sign-token: token lifetime")
	rootCmd.AddCommand(commandCmd)
}

func runCommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		fmt.Println("available: migrate, migrate-create <name>, sign-token <user_id> [name], queue-stats <event_id>")
		return nil
	}
	switch args[0] {
	case "migrate":
		return runMigrateUp(cmd, nil)
	case "migrate-create":
		migrationName := ""
		if len(args) > 1 {
			migrationName = args[1]
		} else {
			fmt.Print("Enter migration name: ")
			_, _ = fmt.Scanln(&migrationName)
		}
		if migrationName == "" {
			return errors.New("migration name required")
		}
		return database.CreateMigration(migrationName)
	case "sign-token":
		return signToken(args[1:])
	case "queue-stats":
		return queueStats(cmd.Context(), args[1:])
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// signToken mints a bearer token for local testing against JWT_SECRET.
func signToken(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: sign-token <user_id> [name]")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	token, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret).Sign(args[0], name, false, tokenTTL)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	fmt.Println(token)
	return nil
}

// queueStats runs one queue health poll for an event and prints the result.
func queueStats(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: queue-stats <event_id>")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Queue.RedisURL == "" {
		return errors.New("QUEUE_REDIS_URL is not set")
	}
	rdb, err := queue.NewRedisClient(ctx, cfg.Queue.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	log := zap.NewNop()
	m := metrics.New(nil)
	registry := service.NewRegistry(0)
	subs := service.NewSubscriptionManager(registry, transport.NewGroups(), m, log)
	broadcaster := service.NewBroadcaster(subs, service.NewProgressThrottle(cfg.Progress, m), cfg.Bulk, m, log)
	inspector := queue.NewBullInspector(rdb, cfg.Queue.Prefix, cfg.Queue.Name, cfg.Queue.SampleSize)
	monitor := service.NewQueueMonitor(inspector, broadcaster, cfg.Queue, m, log)

	stats, alerts, err := monitor.Poll(ctx, args[0])
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"stats": stats, "alerts": alerts})
}
