package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gokatarajesh/quiz-live/internal/app"
)

type relayOptions struct {
	addr     string
	fanout   string
	embedded bool
}

// NewRelayCmd builds the subcommand that serves the development relay.
func NewRelayCmd(g *globals) *cobra.Command {
	opts := relayOptions{}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the development relay (broker and HTTP collaborators)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), g, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	cmd.Flags().StringVar(&opts.fanout, "fanout", "", "fan-out bus: local, redis or nats (overrides RELAY_FANOUT)")
	cmd.Flags().BoolVar(&opts.embedded, "embedded-redis", false, "keep relay state in an in-process Redis")
	return cmd
}

func runRelay(ctx context.Context, g *globals, opts relayOptions) error {
	cfg, logger, err := g.load(ctx)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Relay.HTTPAddr = opts.addr
	}
	if opts.fanout != "" {
		cfg.Relay.Fanout = opts.fanout
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if opts.embedded {
		cfg.Relay.EmbeddedRedis = true
	}

	instance, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}
	return instance.Run(ctx)
}
