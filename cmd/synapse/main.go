// Package main is the entrypoint for synapse.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/internal/config"
	"github.com/thingsplode/thingsplode-synapse-sub000/internal/server"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/deadletter"
)

const usage = `Usage: synapse [command]
       synapse serve                    Start the server (HTTP, WebSocket, optional COMMS).
       synapse call VERB URI [BODY]     Send a request and print the response.
       synapse command NAME [BODY]      Send a command and print the result.
       synapse push TOPIC [BODY]        Send a push notification.
       synapse routes                   Print the remote route table.
       synapse migrate up               Create the dead-letter schema.
       synapse migrate status           Show whether the dead-letter schema is applied.
       synapse deadletter list [N]      Print the N most recent dead letters (default 50).
       synapse deadletter purge AGE     Delete dead letters older than AGE (e.g. 72h).

Commands:
  serve           (default) Start the server.
  call            VERB is GET, POST, PUT or DELETE. BODY is JSON.
  command         Named command; BODY is JSON.
  push            Fire-and-forget notification on TOPIC.
  routes          Ask the remote endpoint for its routes.
  migrate         Dead-letter schema management.
  deadletter      Dead-letter journal inspection and cleanup.

Environment: SYNAPSE_TRANSPORT (http, ws, nats), SYNAPSE_ENDPOINT, COMMS_URL, SYNAPSE_SUBJECT,
SYNAPSE_CALL_TIMEOUT, HTTP_PORT, SYNAPSE_WS_PATH, SYNAPSE_ENABLE_COMMS, DATABASE_URL,
MIGRATION_PATH, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "call":
		if len(args) < 3 {
			log.Fatalf("synapse call: require VERB and URI")
		}
		if err := runCall(args[1], args[2], optional(args, 3)); err != nil {
			log.Fatalf("synapse call: %v", err)
		}
		return
	case "command":
		if len(args) < 2 {
			log.Fatalf("synapse command: require NAME")
		}
		if err := runCommand(args[1], optional(args, 2)); err != nil {
			log.Fatalf("synapse command: %v", err)
		}
		return
	case "push":
		if len(args) < 2 {
			log.Fatalf("synapse push: require TOPIC")
		}
		if err := runPush(args[1], optional(args, 2)); err != nil {
			log.Fatalf("synapse push: %v", err)
		}
		return
	case "routes":
		if err := runCommand("routes", ""); err != nil {
			log.Fatalf("synapse routes: %v", err)
		}
		return
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("synapse migrate: require subcommand (up, status)")
		}
		switch sub := args[1]; sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("synapse migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("synapse migrate status: %v", err)
			}
		default:
			log.Fatalf("synapse migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "deadletter":
		if len(args) < 2 {
			log.Fatalf("synapse deadletter: require subcommand (list, purge)")
		}
		switch sub := args[1]; sub {
		case "list":
			limit, err := parseLimit(optional(args, 2))
			if err != nil {
				log.Fatalf("synapse deadletter list: %v", err)
			}
			if err := runDeadLetterList(limit); err != nil {
				log.Fatalf("synapse deadletter list: %v", err)
			}
		case "purge":
			age, err := parseAge(optional(args, 2))
			if err != nil {
				log.Fatalf("synapse deadletter purge: %v", err)
			}
			if err := runDeadLetterPurge(age); err != nil {
				log.Fatalf("synapse deadletter purge: %v", err)
			}
		default:
			log.Fatalf("synapse deadletter: unknown subcommand %q (use list, purge)", sub)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(nil); err != nil {
		log.Fatalf("synapse: %v", err)
	}
}

func optional(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return deadletter.DefaultListLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive number, got %q", s)
	}
	return n, nil
}

// parseAge reads the purge age; entries recorded before now minus age are removed.
func parseAge(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("require AGE, e.g. 72h")
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("age must be a positive duration, got %q", s)
	}
	return d, nil
}

func loadDBConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	server.ConfigureLogging(cfg.LogLevel)
	if err := cfg.ValidateForDB(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMigrateUp() error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := deadletter.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := deadletter.Migrate(ctx, pool, cfg.MigrationPath); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := deadletter.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	applied, err := deadletter.SchemaApplied(ctx, pool)
	if err != nil {
		return err
	}
	if applied {
		fmt.Println("Migration status: applied (dead_letters table present)")
	} else {
		fmt.Println("Migration status: not applied (run 'synapse migrate up')")
	}
	return nil
}

func runDeadLetterList(limit int) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := deadletter.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	entries, err := deadletter.NewPgStore(pool).List(ctx, limit)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func runDeadLetterPurge(age time.Duration) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := deadletter.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	cutoff := time.Now().Add(-age)
	n, err := deadletter.NewPgStore(pool).Purge(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d dead letters recorded before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
