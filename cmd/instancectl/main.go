// instancectl manages the instance configs the gateway serves, working
// directly against the shared store. The request path never shells out
// to this tool; it exists for operators and provisioning scripts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/embedchat/agent-gateway/internal/domain"
	"github.com/embedchat/agent-gateway/internal/instance"
	"github.com/embedchat/agent-gateway/internal/kv"
	kvredis "github.com/embedchat/agent-gateway/internal/kv/redis"
	kvsqlite "github.com/embedchat/agent-gateway/internal/kv/sqlite"
)

var (
	storeBackend  string
	redisAddr     string
	redisPassword string
	redisDB       int
	sqlitePath    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "instancectl",
		Short: "Manage agent gateway instance configurations",
		Long: `instancectl reads and writes the instance configs the gateway serves,
directly against the shared store. The gateway caches lookups, so an
edit may take up to the configured cache TTL to become visible.`,
	}

	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", "redis", "store backend (redis or sqlite)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "redis address")
	rootCmd.PersistentFlags().StringVar(&redisPassword, "redis-password", "", "redis password")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "redis database")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite-path", "gateway.db", "sqlite database path")

	rootCmd.AddCommand(
		newPutCommand(),
		newGetCommand(),
		newListCommand(),
		newDeleteCommand(),
		newSeedCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newPutCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "put [config.json]",
		Short:         "Create or update an instance from a JSON file (default stdin)",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if len(args) == 1 && args[0] != "-" {
				raw, err = os.ReadFile(args[0])
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			var cfg domain.InstanceConfig
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return fmt.Errorf("parse config: %w", err)
			}

			return withStore(func(ctx context.Context, st *instance.Store) error {
				if err := st.Save(ctx, &cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", cfg.ID)
				return nil
			})
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "get [instance-id]",
		Short:         "Print one instance config as JSON",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *instance.Store) error {
				cfg, err := st.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List all instance ids",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *instance.Store) error {
				ids, err := st.List(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "delete [instance-id]",
		Short:         "Delete an instance config",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *instance.Store) error {
				if err := st.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "seed",
		Short:         "Write demo instances for local development",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *instance.Store) error {
				for _, cfg := range seedInstances() {
					if err := st.Save(ctx, cfg); err != nil {
						return fmt.Errorf("seed %s: %w", cfg.ID, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", cfg.ID)
				}
				return nil
			})
		},
	}
}

func seedInstances() []*domain.InstanceConfig {
	return []*domain.InstanceConfig{
		{
			ID:              "demo",
			UpstreamAgentID: "agent-demo",
			AllowedDomains:  []string{"localhost", "127.0.0.1"},
			RateLimit:       domain.RateLimit{PerHour: 100, PerSession: 20},
			Features:        domain.Features{Markdown: true},
			Theme:           json.RawMessage(`{"primaryColor":"#2563eb","position":"bottom-right"}`),
		},
		{
			ID:              "docs-helper",
			UpstreamAgentID: "agent-docs",
			AllowedDomains:  []string{"*.example.com"},
			AllowedPaths:    []string{"/docs/*"},
			RateLimit:       domain.RateLimit{PerHour: 50, PerSession: 10},
			Features:        domain.Features{Markdown: true, PersistSession: true},
		},
	}
}

func openStore() (kv.Store, error) {
	switch storeBackend {
	case "redis":
		return kvredis.New(kvredis.Options{Addr: redisAddr, Password: redisPassword, DB: redisDB}), nil
	case "sqlite":
		return kvsqlite.New(sqlitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q (instancectl needs redis or sqlite)", storeBackend)
	}
}

func withStore(fn func(ctx context.Context, st *instance.Store) error) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return fn(ctx, instance.NewStore(store, logger, 0))
}
