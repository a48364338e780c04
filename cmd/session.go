package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/cmdassist/internal/models"
	"github.com/joescharf/cmdassist/internal/output"
	"github.com/joescharf/cmdassist/internal/store"
)

var (
	sessionState    string
	sessionLimit    int
	sessionOlder    time.Duration
	sessionAllState bool
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Inspect and manage session checkpoints",
	Long:    "List, show, delete, and purge the checkpoints of command sessions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its execution attempts",
	Long:  "Show a session. The id may be abbreviated to any unique prefix.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(cmd.Context(), args[0])
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a session checkpoint",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionDeleteRun(cmd.Context(), args[0])
	},
}

var sessionPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old session checkpoints",
	Long: `Delete sessions last updated longer ago than --older-than.
Only finished sessions are purged unless --all is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionPurgeRun(cmd.Context())
	},
}

func init() {
	sessionListCmd.Flags().StringVar(&sessionState, "state", "", "Filter by state: awaiting_approval, awaiting_retry_decision, done, cancelled, failed")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 50, "Maximum number of sessions")

	sessionPurgeCmd.Flags().DurationVar(&sessionOlder, "older-than", 7*24*time.Hour, "Age after which sessions are purged")
	sessionPurgeCmd.Flags().BoolVar(&sessionAllState, "all", false, "Also purge sessions still waiting for a decision")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionPurgeCmd)
	rootCmd.AddCommand(sessionCmd)
}

func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(ctx, s)
}

func sessionListRun(ctx context.Context) error {
	return withStore(ctx, func(ctx context.Context, s store.Store) error {
		filter := store.ListFilter{Limit: sessionLimit}
		if sessionState != "" {
			filter.State = models.State(sessionState)
			if !filter.State.Valid() {
				return fmt.Errorf("unknown state: %s", sessionState)
			}
		}

		sessions, err := s.List(ctx, filter)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			ui.Info("No sessions found.")
			return nil
		}

		table := ui.Table([]string{"ID", "State", "Retries", "Prompt", "Command", "Updated"})
		for _, sess := range sessions {
			_ = table.Append([]string{
				sess.ID,
				output.StateColor(sess.State),
				fmt.Sprintf("%d/%d", sess.RetryCount, sess.MaxRetries),
				truncate(sess.UserPrompt, 40),
				truncate(sess.GeneratedCommand, 40),
				timeAgo(sess.UpdatedAt),
			})
		}
		_ = table.Render()
		return nil
	})
}

func sessionShowRun(ctx context.Context, id string) error {
	return withStore(ctx, func(ctx context.Context, s store.Store) error {
		sess, err := findSession(ctx, s, id)
		if err != nil {
			return err
		}

		fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(sess.ID), sess.UserPrompt)
		fmt.Fprintf(ui.Out, "  State:      %s\n", output.StateColor(sess.State))
		if sess.GeneratedCommand != "" {
			fmt.Fprintf(ui.Out, "  Command:    %s\n", sess.GeneratedCommand)
		}
		fmt.Fprintf(ui.Out, "  Retries:    %d of %d\n", sess.RetryCount, sess.MaxRetries)
		if sess.Failure != "" {
			fmt.Fprintf(ui.Out, "  Failure:    %s\n", output.Red(sess.Failure))
		}
		if p := sess.Pending(); p != nil {
			fmt.Fprintf(ui.Out, "  Pending:    %s (%s)\n", p.Question(), strings.Join(models.OptionKeys(p), "/"))
		}
		fmt.Fprintf(ui.Out, "  Created:    %s\n", sess.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(ui.Out, "  Updated:    %s\n", sess.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(ui.Out, "  Version:    %d\n", sess.Version)

		if len(sess.Attempts) == 0 {
			return nil
		}
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"#", "Command", "Exit", "Duration", "Error"})
		for i, a := range sess.Attempts {
			exit := strconv.Itoa(a.ExitCode)
			if a.TimedOut {
				exit = output.Red("timeout")
			} else if a.ExitCode != 0 {
				exit = output.Red(exit)
			}
			_ = table.Append([]string{
				strconv.Itoa(i + 1),
				truncate(a.Command, 50),
				exit,
				a.Duration.Round(time.Millisecond).String(),
				truncate(firstLine(a.Error), 50),
			})
		}
		_ = table.Render()
		return nil
	})
}

func sessionDeleteRun(ctx context.Context, id string) error {
	return withStore(ctx, func(ctx context.Context, s store.Store) error {
		sess, err := findSession(ctx, s, id)
		if err != nil {
			return err
		}
		if err := s.Delete(ctx, sess.ID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		ui.Success("Deleted session %s", sess.ID)
		return nil
	})
}

func sessionPurgeRun(ctx context.Context) error {
	return withStore(ctx, func(ctx context.Context, s store.Store) error {
		n, err := s.Purge(ctx, time.Now().Add(-sessionOlder), !sessionAllState)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		ui.Success("Purged %d session(s) older than %s", n, sessionOlder)
		return nil
	})
}

// findSession resolves an exact id, or a unique prefix of one.
func findSession(ctx context.Context, s store.Store, id string) (*models.Session, error) {
	sess, err := s.Load(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	all, err := s.List(ctx, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	prefix := strings.ToUpper(id)
	var match *models.Session
	for _, c := range all {
		if !strings.HasPrefix(c.ID, prefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("session id %q is ambiguous", id)
		}
		match = c
	}
	if match == nil {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return match, nil
}

func truncate(s string, n int) string {
	s = firstLine(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
