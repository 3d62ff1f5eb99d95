package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Shugur-Network/outbox/internal/batch"
	"github.com/Shugur-Network/outbox/internal/config"
	"github.com/Shugur-Network/outbox/internal/engine"
	"github.com/Shugur-Network/outbox/internal/logger"
	"github.com/Shugur-Network/outbox/internal/relayutil"
	"github.com/Shugur-Network/outbox/internal/web"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the outbox engine
var rootCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Outbox is a relay coverage and query-batching engine for Nostr",
	Long:  `Outbox resolves authors' preferred relays, computes minimal covering relay sets and batches queries across them, with circuit breaking and resilient publishing.`,
	Example: `
  outbox fetch --authors npub1...,npub2... --kinds 1
  outbox analyze --authors-file authors.txt
  outbox publish --event event.json --relays wss://relay.damus.io
  outbox serve --metrics-port 2112`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		// Load configuration (use nil logger to avoid sync issues)
		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("max-relays") {
			cfg.Engine.MaxRelays, _ = flags.GetInt("max-relays")
		}
		if flags.Changed("max-relays-per-author") {
			cfg.Engine.MaxRelaysPerAuthor, _ = flags.GetInt("max-relays-per-author")
		}
		if flags.Changed("lookup-relays") {
			relays, _ := flags.GetStringSlice("lookup-relays")
			cfg.Resolver.LookupRelays = relayutil.NormalizeAll(relays)
		}
		if flags.Changed("metrics-port") {
			cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
		}
		if flags.Changed("db-url") {
			cfg.Database.URL, _ = flags.GetString("db-url")
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// init is automatically called before main(), sets up flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	rootCmd.PersistentFlags().Int("max-relays", 15, "Maximum relays per batched fetch")
	rootCmd.PersistentFlags().Int("max-relays-per-author", 2, "Relays consulted per author")
	rootCmd.PersistentFlags().StringSlice("lookup-relays", nil, "Seed relays for NIP-65 relay list lookups")
	rootCmd.PersistentFlags().Int("metrics-port", 2112, "Port for the status and metrics server")
	rootCmd.PersistentFlags().String("db-url", "", "Postgres URL for the durable publish queue (optional)")

	// A simple version subcommand
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of outbox",
		Long:  "Print the version number of outbox along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newServeCmd())
}

// readAuthors merges the --authors list with the optional --authors-file
// (one pubkey per line, # comments allowed).
func readAuthors(cmd *cobra.Command) ([]string, error) {
	authors, _ := cmd.Flags().GetStringSlice("authors")
	file, _ := cmd.Flags().GetString("authors-file")
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read authors file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			authors = append(authors, line)
		}
	}
	if len(authors) == 0 {
		return nil, fmt.Errorf("no authors given; use --authors or --authors-file")
	}
	return authors, nil
}

func newEngine(ctx context.Context) (*engine.Engine, error) {
	eng, err := engine.New(ctx, cfg, logger.Get())
	if err != nil {
		return nil, err
	}
	eng.Start(ctx)
	return eng, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch recent events for a set of authors in one batched pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			authors, err := readAuthors(cmd)
			if err != nil {
				return err
			}
			kinds, _ := cmd.Flags().GetIntSlice("kinds")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := cmd.Context()
			eng, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Shutdown(context.Background())

			filter := nostr.Filter{Kinds: kinds, Limit: limit}
			events, m, err := eng.FetchBatched(ctx, authors, filter, batch.Options{})
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"events":  events,
				"metrics": m,
			})
		},
	}
	cmd.Flags().StringSlice("authors", nil, "Author pubkeys (hex), comma separated")
	cmd.Flags().String("authors-file", "", "File with one author pubkey per line")
	cmd.Flags().IntSlice("kinds", []int{1}, "Event kinds to fetch")
	cmd.Flags().Int("limit", 100, "Per-relay event limit")
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Report connection savings of batching without fetching anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			authors, err := readAuthors(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			eng, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Shutdown(context.Background())

			analysis, err := eng.AnalyzeEfficiency(ctx, authors, 0)
			if err != nil {
				return err
			}
			return printJSON(analysis)
		},
	}
	cmd.Flags().StringSlice("authors", nil, "Author pubkeys (hex), comma separated")
	cmd.Flags().String("authors-file", "", "File with one author pubkey per line")
	return cmd
}

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a signed event to the given relays with queued retry",
		RunE: func(cmd *cobra.Command, args []string) error {
			eventPath, _ := cmd.Flags().GetString("event")
			relays, _ := cmd.Flags().GetStringSlice("relays")
			if len(relays) == 0 {
				return fmt.Errorf("no target relays; use --relays")
			}

			var data []byte
			var err error
			if eventPath == "" || eventPath == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(eventPath)
			}
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}

			var event nostr.Event
			if err := json.Unmarshal(data, &event); err != nil {
				return fmt.Errorf("parse event: %w", err)
			}

			ctx := cmd.Context()
			eng, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Shutdown(context.Background())

			res, err := eng.PublishWithRetry(ctx, &event, relayutil.NormalizeAll(relays))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().String("event", "-", "Path to a signed event JSON file (default: stdin)")
	cmd.Flags().StringSlice("relays", nil, "Target relay URLs")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its status and metrics server",
		Long:  "Run the engine as a long-lived process: background publish retries, relay stats persistence and the HTTP status endpoints.",
		Run: func(cmd *cobra.Command, args []string) {
			cfgFile, _ = cmd.Flags().GetString("config")
			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					logger.Error("Failed to resolve absolute path for config", zap.Error(err))
					os.Exit(1)
				}
				cfgFile = absPath
			}
			logger.Info("Using config file", zap.String("config_file", cfgFile))

			// Use the context passed down from main.go
			ctx := cmd.Context()

			logger.Info("Starting outbox engine...")
			eng, err := engine.New(ctx, cfg, logger.Get())
			if err != nil {
				logger.Error("Failed to initialize the engine", zap.Error(err))
				os.Exit(1)
			}
			eng.Start(ctx)

			var srv *web.Server
			if cfg.Metrics.Enabled {
				srv = web.NewServer(eng, cfg.Metrics.Port, GetVersion(), logger.Get())
				go func() {
					if err := srv.Start(); err != nil {
						logger.Error("Status server failed", zap.Error(err))
					}
				}()
			}

			// Set up graceful shutdown handling
			go func() {
				<-ctx.Done()
				logger.Info("Shutdown signal received, initiating graceful shutdown...")
				if srv != nil {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(sctx); err != nil {
						logger.Error("Status server shutdown failed", zap.Error(err))
					}
				}
				eng.Shutdown(context.Background())
			}()

			logger.Info("Outbox engine started successfully!")
		},
	}
}
