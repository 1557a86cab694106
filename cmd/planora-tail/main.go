// planora-tail streams live change events for a Planora resource to
// stdout, one JSON object per line. It is both a debugging tool and a
// minimal end-to-end exercise of the subscription provider.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/planora/planora-go/realtime"
	"github.com/planora/planora-go/store"
	"github.com/planora/planora-go/transport"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"

	serverURL  string
	redisURL   string
	token      string
	resource   string
	filterExpr string
	enrichFrom string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "planora-tail",
	Short: "Tail live change events for a Planora resource",
	Long: `planora-tail subscribes to a Planora realtime topic and prints every
change event to stdout as a JSON line.

Examples:
  planora-tail --server wss://api.planora.app/realtime --resource tasks
  planora-tail --resource tasks --filter "project_id=eq.p1" --enrich-from https://api.planora.app
  planora-tail --redis redis://localhost:6379/0 --resource projects`,
	SilenceUsage: true,
	RunE:         run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("planora-tail %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"realtime WebSocket URL (e.g. wss://api.planora.app/realtime)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "",
		"subscribe via Redis pub/sub instead of WebSocket")
	rootCmd.PersistentFlags().StringVar(&token, "token", "",
		"bearer token for authentication")
	rootCmd.PersistentFlags().StringVarP(&resource, "resource", "r", "",
		"resource to tail (e.g. tasks, projects, task_comments)")
	rootCmd.PersistentFlags().StringVarP(&filterExpr, "filter", "f", "",
		`server-side filter (e.g. "project_id=eq.p1")`)
	rootCmd.PersistentFlags().StringVar(&enrichFrom, "enrich-from", "",
		"API base URL for enrichment point reads")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug output")

	viper.SetEnvPrefix("PLANORA")
	_ = viper.BindEnv("server") // PLANORA_SERVER
	_ = viper.BindEnv("redis")  // PLANORA_REDIS
	_ = viper.BindEnv("token")  // PLANORA_TOKEN

	rootCmd.AddCommand(versionCmd)
}

func run(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if serverURL == "" {
		serverURL = viper.GetString("server")
	}
	if redisURL == "" {
		redisURL = viper.GetString("redis")
	}
	if token == "" {
		token = viper.GetString("token")
	}

	if resource == "" {
		return fmt.Errorf("--resource is required")
	}

	tr, err := openTransport()
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	opts := []realtime.Option{}
	if enrichFrom != "" {
		opts = append(opts, realtime.WithStore(store.NewHTTP(enrichFrom, token)))
	}

	provider := realtime.New(tr, opts...)
	defer provider.Close()

	provider.Subscribe(resource, filterExpr, tailCallbacks(json.NewEncoder(os.Stdout)))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		for h := range provider.WatchHealth(ctx) {
			log.Info().
				Str("state", string(h.State)).
				Str("last_error", h.LastError).
				Msg("Connection health changed")
		}
	}()

	log.Info().
		Str("resource", resource).
		Str("filter", filterExpr).
		Msg("Tailing changes, press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	return nil
}

// tailCallbacks prints each change event as one JSON line. Updates carry
// both the new and the previous row; deletes only the previous row.
func tailCallbacks(enc *json.Encoder) realtime.Callbacks {
	return realtime.Callbacks{
		OnInsert: func(r realtime.Record) {
			_ = enc.Encode(map[string]any{"event": "INSERT", "record": r})
		},
		OnUpdate: func(r, old realtime.Record) {
			_ = enc.Encode(map[string]any{"event": "UPDATE", "record": r, "old_record": old})
		},
		OnDelete: func(old realtime.Record) {
			_ = enc.Encode(map[string]any{"event": "DELETE", "old_record": old})
		},
	}
}

func openTransport() (transport.Transport, error) {
	if redisURL != "" {
		return transport.NewRedis(redisURL)
	}
	if serverURL == "" {
		return nil, fmt.Errorf("either --server or --redis is required")
	}
	return transport.NewWebSocket(transport.WebSocketConfig{
		URL:   serverURL,
		Token: token,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
