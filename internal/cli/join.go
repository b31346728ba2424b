package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gokatarajesh/quiz-live/internal/quiz"
	"github.com/gokatarajesh/quiz-live/internal/session"
	"github.com/gokatarajesh/quiz-live/internal/subscription"
)

// NewJoinCmd builds the subcommand that joins a session as a participant.
func NewJoinCmd(g *globals) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "join CODE",
		Short: "Join a session and answer questions from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), g, strings.ToUpper(args[0]), name, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runJoin(ctx context.Context, g *globals, code, name string, in io.Reader, out io.Writer) error {
	cfg, logger, err := g.load(ctx)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSeat(ctx, cfg, logger, subscription.RoleParticipant, code, name)
	if err != nil {
		return fmt.Errorf("join %s: %w", code, err)
	}
	defer func() {
		if err := s.close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("close participant session")
		}
	}()

	p := newPrinter(out)
	p.printf("Joined %s as %s. Waiting for the host...\n", code, name)
	m := s.session.Connection()
	watchConnection(m, p, ", type reconnect to retry")

	done := make(chan struct{})
	var once sync.Once
	s.session.Machine().OnChange(func(prev, next quiz.State) {
		render(p, prev, next)
		if next.Phase == quiz.PhaseLeaderboardShown {
			once.Do(func() { close(done) })
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return serveMetrics(gctx, cfg.Client.MetricsAddr, s.registry, logger)
	})
	grp.Go(func() error {
		defer cancel()
		return answerLoop(gctx, s.session, m, readLines(in), done, p)
	})
	return grp.Wait()
}

// answerLoop submits typed answers until the final leaderboard arrives.
// The reconnect command is handed to rc.
func answerLoop(ctx context.Context, s *session.Session, rc reconnector, lines <-chan string, done <-chan struct{}, p *printer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case line, ok := <-lines:
			if !ok {
				// Input closed; keep listening until the quiz ends.
				lines = nil
				continue
			}
			if isReconnect(line) {
				reconnect(ctx, rc, p)
				continue
			}
			submitLine(ctx, s, line, p)
		}
	}
}

func submitLine(ctx context.Context, s *session.Session, line string, p *printer) {
	state := s.Machine().Snapshot()
	if !state.HasQuestion() {
		if strings.TrimSpace(line) != "" {
			p.printf("No question yet\n")
		}
		return
	}
	option, ok := parseChoice(line, state.Current.Options)
	if !ok {
		p.printf("Pick 1-%d\n", len(state.Current.Options))
		return
	}
	if err := s.Select(option); err != nil {
		p.printf("Cannot select now\n")
		return
	}

	sent, err := s.Submit(ctx, option)
	switch {
	case err != nil:
		p.printf("Submission failed: %v\n", err)
	case !sent:
		p.printf("Answer not accepted now\n")
	}
}

func render(p *printer, prev, next quiz.State) {
	if next.HasQuestion() && next.Current.ID != prev.Current.ID {
		p.question(next.CurrentIndex, next.Total, next.TotalKnown, next.Current.Text, next.Current.Options, next.Current.TimeLimitSeconds)
	}
	if next.Phase == quiz.PhaseAnswerLocked && prev.Phase != quiz.PhaseAnswerLocked && !next.Submitted {
		p.printf("Time is up\n")
	}
	if next.Result != nil && next.Result != prev.Result {
		p.printf("%s (%.1fs)\n", next.Result.Message, next.Result.Elapsed.Seconds())
	}
	if next.Rank != nil && (prev.Rank == nil || *next.Rank != *prev.Rank) {
		p.printf("Score %d, rank %d\n", next.Rank.Score, next.Rank.Rank)
	}
	if next.Ended && !prev.Ended {
		msg := next.EndMessage
		if msg == "" {
			msg = "Quiz over"
		}
		p.printf("\n%s\n", msg)
	}
	if next.Phase == quiz.PhaseLeaderboardShown && prev.Phase != quiz.PhaseLeaderboardShown {
		p.board(participantRows(next.Leaderboard))
	}
}

func participantRows(entries []quiz.LeaderboardEntry) []boardRow {
	rows := make([]boardRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, boardRow{Rank: e.Rank, Name: e.Name, Score: e.Score})
	}
	return rows
}
