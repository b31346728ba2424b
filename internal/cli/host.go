package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gokatarajesh/quiz-live/internal/host"
	"github.com/gokatarajesh/quiz-live/internal/question"
	"github.com/gokatarajesh/quiz-live/internal/subscription"
	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

type hostOptions struct {
	questions  string
	name       string
	auto       bool
	startAfter time.Duration
	gap        time.Duration
	endMessage string
}

// NewHostCmd builds the subcommand that hosts a session from a question file.
func NewHostCmd(g *globals) *cobra.Command {
	opts := hostOptions{}
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Create a session and broadcast questions from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), g, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.questions, "questions", "q", "configs/questions.yaml", "path to the YAML question file")
	cmd.Flags().StringVar(&opts.name, "name", "Host", "host display name")
	cmd.Flags().BoolVar(&opts.auto, "auto", false, "advance questions automatically instead of reading commands")
	cmd.Flags().DurationVar(&opts.startAfter, "start-after", 30*time.Second, "lobby time before the first question in --auto mode")
	cmd.Flags().DurationVar(&opts.gap, "gap", 3*time.Second, "pause after each question in --auto mode")
	cmd.Flags().StringVar(&opts.endMessage, "end-message", "Thanks for playing!", "message shown when the quiz ends")
	return cmd
}

func runHost(ctx context.Context, g *globals, opts hostOptions, in io.Reader, out io.Writer) error {
	set, err := question.Load(opts.questions)
	if err != nil {
		return err
	}
	cfg, logger, err := g.load(ctx)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSeat(ctx, cfg, logger, subscription.RoleHost, "", opts.name)
	if err != nil {
		return fmt.Errorf("host session: %w", err)
	}
	defer func() {
		if err := s.close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("close host session")
		}
	}()

	p := newPrinter(out)
	p.printf("Session code: %s\n", s.session.Identity().SessionCode)
	if set.Title != "" {
		p.printf("Quiz: %s (%d questions)\n", set.Title, len(set.Questions))
	}

	hc := s.session.Host()
	watchHost(hc, p)

	m := s.session.Connection()
	if err := waitConnected(ctx, m); err != nil {
		if errors.Is(err, errGaveUp) {
			return fmt.Errorf("host session: %w", err)
		}
		return nil
	}
	hint := ", type reconnect to retry"
	if opts.auto {
		hint = ""
	}
	watchConnection(m, p, hint)
	if err := hc.PublishQuestions(set.Questions); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return serveMetrics(gctx, cfg.Client.MetricsAddr, s.registry, logger)
	})
	grp.Go(func() error {
		defer cancel()
		if opts.auto {
			return autoHost(gctx, clockwork.NewRealClock(), hc, set, opts, p)
		}
		return interactiveHost(gctx, hc, m, set, opts, readLines(in), p)
	})
	return grp.Wait()
}

func watchHost(hc *host.Controller, p *printer) {
	count := 0
	var board []ws.LeaderboardEntry
	hc.OnChange(func(s host.Snapshot) {
		if len(s.Participants) != count {
			count = len(s.Participants)
			p.printf("Participants (%d): %s\n", count, strings.Join(s.Participants, ", "))
		}
		if len(s.Leaderboard) > 0 && !sameBoard(board, s.Leaderboard) {
			board = s.Leaderboard
			p.board(hostRows(board))
		}
	})
}

func sameBoard(a, b []ws.LeaderboardEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hostRows(entries []ws.LeaderboardEntry) []boardRow {
	rows := make([]boardRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, boardRow{Rank: e.Rank, Name: e.Name, Score: e.Score})
	}
	return rows
}

func announce(p *printer, set question.Set, idx int) {
	q := set.Questions[idx]
	p.question(idx, len(set.Questions), true, q.Text, q.Options, q.TimeLimitSeconds)
}

func autoHost(ctx context.Context, clock clockwork.Clock, hc *host.Controller, set question.Set, opts hostOptions, p *printer) error {
	p.printf("First question in %s\n", opts.startAfter)
	if !sleep(ctx, clock, opts.startAfter) {
		return nil
	}
	for range set.Questions {
		idx, err := hc.NextQuestion()
		if err != nil {
			return err
		}
		announce(p, set, idx)
		limit := time.Duration(set.Questions[idx].TimeLimitSeconds) * time.Second
		if !sleep(ctx, clock, limit+opts.gap) {
			return nil
		}
	}
	if err := hc.EndQuiz(opts.endMessage); err != nil {
		return err
	}
	p.printf("Quiz ended\n")
	sleep(ctx, clock, opts.gap)
	return nil
}

const hostHelp = "Commands: next (n), board (b), who (w), end (e), reconnect (r), quit (q)\n"

func interactiveHost(ctx context.Context, hc *host.Controller, rc reconnector, set question.Set, opts hostOptions, lines <-chan string, p *printer) error {
	p.printf(hostHelp)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
		case "n", "next":
			idx, err := hc.NextQuestion()
			switch {
			case errors.Is(err, host.ErrNoMoreQuestions):
				p.printf("No more questions, type end to finish\n")
			case err != nil:
				p.printf("Cannot advance: %v\n", err)
			default:
				announce(p, set, idx)
			}
		case "b", "board":
			if err := hc.RequestLeaderboard(); err != nil {
				p.printf("Leaderboard request failed: %v\n", err)
			}
		case "w", "who":
			names := hc.Participants()
			p.printf("Participants (%d): %s\n", len(names), strings.Join(names, ", "))
		case "e", "end":
			if err := hc.EndQuiz(opts.endMessage); err != nil {
				p.printf("Cannot end quiz: %v\n", err)
				continue
			}
			p.printf("Quiz ended, type quit to leave\n")
		case "r", "reconnect":
			reconnect(ctx, rc, p)
		case "q", "quit", "exit":
			return nil
		default:
			p.printf(hostHelp)
		}
	}
}
