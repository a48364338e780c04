package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/cmdassist/internal/models"
	"github.com/joescharf/cmdassist/internal/output"
)

var runResume string

var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Generate, approve, and run commands interactively",
	Long: `Describe what you want to do and cmdassist proposes a shell command.
Nothing runs until you approve it. When a command fails you can ask for a
different approach, up to the configured number of retries.

With no request, cmdassist prompts for one request after another until you
type quit. Use --resume to continue a checkpointed session.`,
	Example: `  cmdassist run "show disk usage"
  cmdassist run
  cmdassist run --resume 01JB8Y6X6S2A3T0QK5V4R1C9ZD`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return runRun(ctx, strings.Join(args, " "), os.Stdin)
	},
}

func init() {
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume a suspended session by id")
	rootCmd.AddCommand(runCmd)
}

var quitWords = map[string]bool{"quit": true, "exit": true, "q": true}

// errSessionFailed is returned when a session ends in the failed state.
var errSessionFailed = errors.New("session failed")

func runRun(ctx context.Context, request string, in io.Reader) error {
	svc, st, err := newService(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	r := bufio.NewReader(in)

	if runResume != "" {
		sess, err := svc.Get(ctx, runResume)
		if err != nil {
			return fmt.Errorf("resume %s: %w", runResume, err)
		}
		ui.Info("Resuming session %s (%s)", sess.ID, output.StateColor(sess.State))
		return interact(ctx, svc, r, models.Describe(sess))
	}

	if request != "" {
		return runRequest(ctx, svc, r, request)
	}

	fmt.Fprintln(ui.Out, "Enter your command request (e.g. 'show all running docker containers')")
	fmt.Fprintln(ui.Out, "Type 'quit' to exit")
	for {
		fmt.Fprint(ui.Out, "\nYour request: ")
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if quitWords[strings.ToLower(line)] {
			ui.Info("Goodbye!")
			return nil
		}
		if line == "" {
			continue
		}
		if err := runRequest(ctx, svc, r, line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			ui.Error("%v", err)
		}
	}
}

// sessionDriver is the part of the session service the interactive loop uses.
type sessionDriver interface {
	Start(ctx context.Context, owner, prompt string) (models.Outbound, error)
	Submit(ctx context.Context, id, decision string) (models.Outbound, error)
}

func runRequest(ctx context.Context, svc sessionDriver, r *bufio.Reader, request string) error {
	ui.VerboseLog("Generating a command for %q", request)
	out, err := svc.Start(ctx, "", request)
	if err != nil {
		return err
	}
	return interact(ctx, svc, r, out)
}

// interact answers decision requests from r until the session ends.
func interact(ctx context.Context, svc sessionDriver, r *bufio.Reader, out models.Outbound) error {
	for out.Request != nil {
		ui.Decision(out.Request)
		key, err := chooseOption(r, out.Request)
		if err != nil {
			return err
		}
		if key == models.DecisionApprove {
			ui.VerboseLog("Running %s", out.Request.Context["command"])
		}
		out, err = svc.Submit(ctx, out.Request.SessionID, key)
		if err != nil {
			return err
		}
	}
	if out.Result == nil {
		return fmt.Errorf("session is not waiting for a decision")
	}
	ui.Result(out.Result)
	if out.Result.State == models.StateFailed {
		return fmt.Errorf("%w: %s", errSessionFailed, out.Result.Error)
	}
	return nil
}

// chooseOption reads lines until one is a valid option key for req.
func chooseOption(r *bufio.Reader, req *models.DecisionRequest) (string, error) {
	keys := make([]string, len(req.Options))
	for i, o := range req.Options {
		keys[i] = o.Key
	}
	for {
		fmt.Fprintf(ui.Out, "\nYour choice (%s): ", strings.Join(keys, "/"))
		line, err := readLine(r)
		if err != nil {
			return "", err
		}
		choice := strings.ToLower(line)
		for _, k := range keys {
			if choice == k {
				return k, nil
			}
		}
		ui.Warning("Please enter one of: %s", strings.Join(keys, ", "))
	}
}

// readLine returns the next trimmed line. A final line without a newline is
// returned before io.EOF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
