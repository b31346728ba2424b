package cli

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gokatarajesh/quiz-live/internal/config"
	"github.com/gokatarajesh/quiz-live/internal/logging"
)

// globals are the persistent flags shared by every subcommand. Set flags
// override the environment.
type globals struct {
	serverURL string
	logLevel  string
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           "quizlive",
		Short:         "Live quiz sessions: host, join, or run a development relay",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.serverURL, "server", "", "relay base URL (overrides QUIZ_SERVER_URL)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	cmd.AddCommand(NewRelayCmd(g))
	cmd.AddCommand(NewHostCmd(g))
	cmd.AddCommand(NewJoinCmd(g))
	return cmd
}

func (g *globals) load(ctx context.Context) (*config.App, zerolog.Logger, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if g.serverURL != "" {
		cfg.Client.ServerURL = g.serverURL
		cfg.Client.WebSocketURL = ""
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, logging.New(cfg.Name, cfg.Env, cfg.LogLevel), nil
}
