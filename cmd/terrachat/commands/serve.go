package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrachat/terrachat/internal/app"
	"github.com/terrachat/terrachat/internal/config"
	"github.com/terrachat/terrachat/internal/logging"
)

var (
	servePort int
	serveDir  string
	serveDB   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the terrachat server",
	Long: `Start the terrachat HTTP server together with the analysis worker.

Configuration is read from terrachat.{json,jsonc,yaml} in the working
directory and the user config directory, then from the environment
(OPENAI_API_KEY, GOOGLE_GEMINI_API_KEY, PERPLEXITY_API_KEY,
DEFAULT_CUSTOM_AI_ENDPOINT, TERRACHAT_PORT, TERRACHAT_DB).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config, 3000)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Directory holding terrachat config and .env")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir := serveDir
	if workDir == "" {
		var err error
		if workDir, err = os.Getwd(); err != nil {
			return err
		}
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		appConfig.Server.Port = servePort
	}
	if serveDB != "" {
		appConfig.Database.Path = serveDB
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(appConfig.Log.Level)
	if cmd.Flags().Changed("log-level") || appConfig.Log.Level == "" {
		logCfg.Level = logging.ParseLevel(logLevel)
	}
	logCfg.Pretty = appConfig.Log.Pretty || printLogs
	logging.Init(logCfg)

	logging.Info().
		Str("version", Version).
		Str("directory", workDir).
		Str("database", appConfig.Database.Path).
		Msg("starting terrachat server")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, appConfig, app.Options{Version: Version})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		a.Close(context.Background())
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logging.Info().Msg("shutting down server")
	case err = <-serveErr:
		if err != nil {
			logging.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cerr := a.Close(shutdownCtx); cerr != nil {
		logging.Warn().Err(cerr).Msg("shutdown incomplete")
	}

	logging.Info().Msg("server stopped")
	return err
}
