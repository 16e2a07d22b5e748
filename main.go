package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/internal/commands"
	"roomchat/internal/config"
	"roomchat/internal/directory"
	"roomchat/internal/http"
	"roomchat/internal/identity"
	"roomchat/internal/msglog"
	"roomchat/internal/prefs"
	"roomchat/internal/session"
	"roomchat/internal/storage"
	"roomchat/internal/terminal"
	"roomchat/internal/ws"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:               "roomchat",
	Short:             "Room based chat over a shared message log",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the message log server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat [room]",
	Short: "Open the terminal chat client, optionally straight into a room",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runChat,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of the log server at ROOMCHAT_BASE_URL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return commands.Status(cmd.OutOrStdout(), cfg.BaseURL)
	},
}

var (
	flagDebug    bool
	flagAddr     string
	flagLogDB    string
	flagMarkdown bool
	flagServer   string
	flagDataDir  string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	serveFlags := serveCmd.Flags()
	serveFlags.StringVar(&flagAddr, "addr", "", "listen address (env ROOMCHAT_ADDR)")
	serveFlags.StringVar(&flagLogDB, "log-db", "", "bbolt file for the message log (env ROOMCHAT_LOG_DB)")
	serveFlags.BoolVar(&flagMarkdown, "markdown", false, "render transcripts as markdown (env ROOMCHAT_MARKDOWN)")

	chatFlags := chatCmd.Flags()
	chatFlags.StringVar(&flagServer, "server", "", "log server URL or \"local\" (env ROOMCHAT_SERVER)")
	chatFlags.StringVar(&flagDataDir, "data-dir", "", "directory for local preferences (env ROOMCHAT_DATA_DIR)")

	rootCmd.AddCommand(serveCmd, chatCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute roomchat command")
	}
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	level := zerolog.InfoLevel
	if cmd == chatCmd {
		// The chat client owns stdout; keep stderr quiet.
		level = zerolog.WarnLevel
	}
	if flagDebug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	return nil
}

// loadConfig reads the environment and applies the flags given on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = flagAddr
	}
	if flags.Changed("log-db") {
		cfg.LogDB = flagLogDB
	}
	if flags.Changed("markdown") {
		cfg.Markdown = flagMarkdown
	}
	if flags.Changed("server") {
		cfg.Server = flagServer
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = flagDataDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBboltStore(cfg.LogDB, storage.Config{Logger: &log.Logger})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	hub := ws.NewHub(store, &log.Logger)
	logServer := http.NewLogServer(hub, store, http.LogServerConfig{
		Addr:     cfg.Addr,
		Markdown: cfg.Markdown,
		Logger:   &log.Logger,
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(logServer.Start)

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("[server] shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := logServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("[server] shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	prefStore, err := prefs.NewBboltStore(cfg.PrefsPath())
	if err != nil {
		return err
	}
	defer func() { _ = prefStore.Close() }()

	logStore, err := openLogStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logStore.Close() }()

	if remote, ok := logStore.(*ws.RemoteStore); ok {
		go func() {
			select {
			case <-remote.Done():
				log.Error().Msg("[chat] connection to the log server lost")
				stop()
			case <-ctx.Done():
			}
		}()
	}

	ids := identity.New(prefStore, identity.Config{DefaultColor: cfg.DefaultColor, Logger: &log.Logger})
	term := terminal.New(os.Stdin, os.Stdout, terminal.Config{
		Self:    ids.UserID(),
		BaseURL: cfg.BaseURL,
		Styled:  isatty.IsTerminal(os.Stdout.Fd()),
		Logger:  &log.Logger,
	})

	sess := session.New(session.Config{
		Identity:  ids,
		Directory: directory.New(prefStore),
		Log:       msglog.New(logStore, &log.Logger),
		Prompter:  term,
		Navigator: term,
		View:      term,
		Logger:    &log.Logger,
	})

	startPath := session.LandingPath
	if len(args) == 1 {
		startPath = session.RoomPath(args[0])
	}
	return term.Run(ctx, sess, startPath)
}

type closableStore interface {
	storage.Store
	Close() error
}

func openLogStore(ctx context.Context, cfg *config.Config) (closableStore, error) {
	if cfg.Server == config.LocalServer {
		store, err := storage.NewBboltStore(cfg.LocalLogPath(), storage.Config{Logger: &log.Logger})
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	remote, err := ws.Dial(dialCtx, cfg.Server, ws.ClientConfig{
		RequestTimeout: cfg.RequestTimeout,
		Logger:         &log.Logger,
	})
	if err != nil {
		return nil, err
	}
	return remote, nil
}
