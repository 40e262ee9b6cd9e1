package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhubert/relay/internal/agent"
	"github.com/zhubert/relay/internal/classifier"
	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/logger"
	"github.com/zhubert/relay/internal/platform"
	"github.com/zhubert/relay/internal/procedure"
	"github.com/zhubert/relay/internal/server"
	"github.com/zhubert/relay/internal/store"
)

var (
	serveAddr      string
	serveDryRun    bool
	serveNoWatch   bool
	serveLogFile   string
	serveLogStdout bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay orchestrator",
	Long: `Starts the orchestrator and its HTTP surface.

Platform bridges post agent session events to /events; /status and
/sessions report what is running. State is restored from the configured
backend on start and saved as sessions change.

Examples:
  relay serve                        # Serve on the configured address
  relay serve --addr 127.0.0.1:9000  # Override the listen address
  relay serve --dry-run              # Keep activities in memory instead of posting them
  relay serve --log-stdout           # JSON logs on stdout, for supervisors`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config server.addr)")
	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Record platform activities in memory instead of posting them")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload repositories when the config file changes")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "Write logs to this file (default <data_dir>/relay.log)")
	serveCmd.Flags().BoolVar(&serveLogStdout, "log-stdout", false, "Write JSON logs to stdout instead of a file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if err := initServeLogging(cfg); err != nil {
		return err
	}
	defer logger.Close()
	log := logger.ComponentLogger("serve")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Info("received signal, shutting down gracefully", "signal", sig)
		cancel()
		// On second signal, force exit
		sig = <-sigCh
		log.Warn("received second signal, force exiting", "signal", sig)
		os.Exit(1)
	}()

	orch, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	if err := orch.Load(ctx); err != nil {
		log.Error("failed to restore state, starting fresh", "error", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.GetServerAddr()
	}
	srv := server.New(addr, orch, logger.ComponentLogger("server"))

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Run(ctx); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
			cancel()
		}
	}()

	if !serveNoWatch && cfg.FilePath() != "" {
		watcher := config.NewWatcher(cfg.FilePath(), cfg, func(next *config.Config, diff config.Diff) {
			applied := orch.ApplyConfig(ctx, next)
			log.Info("config reloaded",
				"added", len(applied.Added),
				"modified", len(applied.Modified),
				"removed", len(applied.Removed),
			)
		}, config.WithWatcherLogger(logger.ComponentLogger("config")))
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	if err := orch.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func initServeLogging(cfg *config.Config) error {
	if serveLogStdout {
		logger.InitWriter(os.Stdout, true)
		return nil
	}
	path := serveLogFile
	if path == "" {
		path = cfg.LogPath()
	}
	if err := logger.Init(path); err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}
	fmt.Fprintf(os.Stderr, "relay: logging to %s\n", logger.Path())
	return nil
}

// buildOrchestrator wires the configured backends into an orchestrator.
func buildOrchestrator(ctx context.Context, cfg *config.Config) (*agent.Orchestrator, error) {
	st, err := store.Open(ctx, cfg.GetState())
	if err != nil {
		return nil, fmt.Errorf("error opening state backend: %w", err)
	}

	catalog, err := procedure.LoadAndMerge(cfg.GetProcedures().File)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("error loading procedures: %w", err)
	}
	if errs := procedure.Validate(catalog, cfg.GetProcedures().Default); len(errs) > 0 {
		st.Close()
		return nil, fmt.Errorf("invalid procedures: %v", errs[0])
	}

	opts := []agent.Option{
		agent.WithStore(st),
		agent.WithCatalog(catalog),
		agent.WithLogger(logger.ComponentLogger("orchestrator")),
	}

	if cfg.GetClassifier().Enabled {
		c, err := classifier.NewFromConfig(cfg.GetClassifier(), logger.ComponentLogger("classifier"))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("error creating classifier: %w", err)
		}
		opts = append(opts, agent.WithClassifier(c))
	}

	platforms, err := buildPlatforms(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	opts = append(opts, agent.WithPlatforms(platforms))

	return agent.New(cfg, opts...), nil
}

func buildPlatforms(cfg *config.Config) (*platform.Registry, error) {
	if serveDryRun {
		return platform.NewRegistry("linear", platform.NewMemoryAdapter("linear")), nil
	}
	linear, err := platform.NewLinearFromConfig(cfg.GetLinear(),
		platform.WithLogger(logger.ComponentLogger("linear")))
	if err != nil {
		return nil, fmt.Errorf("error creating Linear adapter: %w", err)
	}
	return platform.NewRegistry("linear", linear), nil
}
