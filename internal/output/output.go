package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/joescharf/cmdassist/internal/models"
)

// UI provides colored output and respects verbose mode.
type UI struct {
	Verbose bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI with default stdout/stderr writers.
func New() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	verbosePrefix = color.New(color.FgHiBlue).Sprint("  →")
	commandPrefix = color.New(color.FgHiCyan, color.Bold).Sprint("$")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
	bold          = color.New(color.Bold).SprintFunc()
)

// Cyan returns a cyan-colored string.
func Cyan(s string) string { return cyan(s) }

// Green returns a green-colored string.
func Green(s string) string { return green(s) }

// Yellow returns a yellow-colored string.
func Yellow(s string) string { return yellow(s) }

// Red returns a red-colored string.
func Red(s string) string { return red(s) }

// StateColor returns the state name colored by what it means for the user:
// waiting on them, finished, or ended badly.
func StateColor(state models.State) string {
	s := string(state)
	switch state {
	case models.StateAwaitingApproval, models.StateAwaitingRetryDecision:
		return yellow(s)
	case models.StateDone:
		return green(s)
	case models.StateCancelled:
		return cyan(s)
	case models.StateFailed:
		return red(s)
	default:
		return s
	}
}

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		fmt.Fprintf(u.Out, "%s %s\n", verbosePrefix, fmt.Sprintf(format, a...))
	}
}

// Command prints a shell command on its own line.
func (u *UI) Command(command string) {
	fmt.Fprintf(u.Out, "%s %s\n", commandPrefix, bold(command))
}

// Block prints labelled multi-line text, indented. Empty text prints nothing.
func (u *UI) Block(label, text string) {
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return
	}
	fmt.Fprintf(u.Out, "%s\n", bold(label+":"))
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(u.Out, "  %s\n", line)
	}
}

// Decision prints a pending decision request: the question, the proposed
// command, any error from the last run, and the option keys.
func (u *UI) Decision(req *models.DecisionRequest) {
	fmt.Fprintln(u.Out)
	if cmd := req.Context["command"]; cmd != "" {
		u.Command(cmd)
	}
	if req.Kind == models.KindRetry {
		u.Block("Error", Red(req.Context["error"]))
		u.Block("Output", req.Context["output"])
		u.Info("Retries used: %s of %s", req.Context["retry_count"], req.Context["max_retries"])
	}
	fmt.Fprintf(u.Out, "%s\n", bold(req.Question))
	for _, o := range req.Options {
		fmt.Fprintf(u.Out, "  %s  %s\n", cyan(fmt.Sprintf("%-8s", o.Key)), o.Description)
	}
}

// Result prints the outcome of a finished session.
func (u *UI) Result(res *models.SessionResult) {
	fmt.Fprintln(u.Out)
	u.Block("Output", res.Output)
	switch {
	case res.Success:
		u.Success("Command completed successfully")
	case res.State == models.StateCancelled:
		u.Warning("Operation cancelled")
	default:
		u.Block("Error", Red(res.Error))
		u.Error("Command failed (state %s, exit code %d)", res.State, res.ExitCode)
	}
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
