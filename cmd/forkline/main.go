package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/esnunes/forkline/internal/agent"
	"github.com/esnunes/forkline/internal/archive"
	"github.com/esnunes/forkline/internal/branch"
	"github.com/esnunes/forkline/internal/config"
	"github.com/esnunes/forkline/internal/db"
	"github.com/esnunes/forkline/internal/edit"
	"github.com/esnunes/forkline/internal/logging"
	"github.com/esnunes/forkline/internal/notify"
	"github.com/esnunes/forkline/internal/phase"
	"github.com/esnunes/forkline/internal/projection"
	"github.com/esnunes/forkline/internal/scope"
	"github.com/esnunes/forkline/internal/server"
	"github.com/esnunes/forkline/internal/session"
)

const (
	noticesPerProject = 20
	phaseCacheSize    = 2048
)

var (
	configPath string
	dbDSN      string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "forkline",
	Short:         "Branching AI conversations with a streaming response pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		database, err := db.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer database.Close()
		logger.Info("schema up to date", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: XDG config dir)")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db", "", "Database path or connection URL, overrides the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if dbDSN != "" {
		cfg.Database.DSN = dbDSN
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serve(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer database.Close()
	queries := db.NewQueries(database, cfg.Database.Driver)

	archiver, closeArchiver, err := newArchiver(ctx, cfg, queries, logger)
	if err != nil {
		return err
	}
	defer closeArchiver()

	tracker := scope.NewTracker()
	inbox := notify.NewInbox(noticesPerProject, notify.NewLog(logger))
	client := agent.New(agent.Config{URL: cfg.Agent.URL, APIKey: cfg.Agent.APIKey}, logger)
	sessions := session.NewController(queries, client, tracker, session.Config{
		Timeout:      cfg.Agent.Timeout,
		DefaultAgent: cfg.Agent.DefaultAgent,
		Archiver:     archiver,
		Notifier:     inbox,
	}, logger)
	defer sessions.Close()

	srv, err := server.New(server.Deps{
		Queries:  queries,
		Tracker:  tracker,
		Branches: branch.NewStore(queries, tracker, logger),
		Sessions: sessions,
		Edits:    edit.NewEngine(queries, sessions, tracker, logger),
		View:     projection.NewView(queries, sessions, tracker, phase.NewCache(phaseCacheSize)),
		Inbox:    inbox,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := srv.Listen(cfg.Addr); err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// newArchiver always stores artifacts as file_assets rows and also pushes
// them to Redis when a URL is configured.
func newArchiver(ctx context.Context, cfg *config.Config, queries *db.Queries, logger *zap.Logger) (archive.Archiver, func(), error) {
	rows := archive.NewStore(queries)
	if cfg.RedisURL == "" {
		return rows, func() {}, nil
	}
	r, err := archive.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("archiving artifacts to redis")
	return archive.Tee{rows, r}, func() { r.Close() }, nil
}
