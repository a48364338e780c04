package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/cmdassist/internal/models"
	"github.com/joescharf/cmdassist/internal/session"
	"github.com/joescharf/cmdassist/internal/ws"
)

var askCmd = &cobra.Command{
	Use:   "ask <request>",
	Short: "Run a request through a running cmdassist server",
	Long: `Connect to a cmdassist server over its websocket and drive one session:
the server generates and runs commands, and you answer its questions here.

Start a server first with 'cmdassist serve' or 'cmdassist serve start'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return askRun(ctx, viper.GetString("server.url"), strings.Join(args, " "), os.Stdin)
	},
}

func init() {
	askCmd.Flags().String("url", "ws://localhost:8765/ws", "Server websocket URL")
	_ = viper.BindPFlag("server.url", askCmd.Flags().Lookup("url"))
	rootCmd.AddCommand(askCmd)
}

func askRun(ctx context.Context, url, request string, in io.Reader) error {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer func() { _ = c.CloseNow() }()

	var welcome ws.Message
	if err := wsjson.Read(ctx, c, &welcome); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	ui.VerboseLog("%s", welcome.Content)

	if err := wsjson.Write(ctx, c, ws.Message{Type: ws.TypeMessage, Content: request}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	r := bufio.NewReader(in)
	var pending *models.DecisionRequest
	for {
		var msg ws.Message
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			return fmt.Errorf("read from server: %w", err)
		}

		switch msg.Type {
		case ws.TypeDecisionRequest:
			pending = msg.Request
			ui.Decision(pending)
		case ws.TypeCommandOutput:
			ui.Result(msg.Result)
			_ = c.Close(websocket.StatusNormalClosure, "done")
			if msg.Result.State == models.StateFailed {
				return fmt.Errorf("%w: %s", errSessionFailed, msg.Result.Error)
			}
			return nil
		case ws.TypeError:
			if msg.Code != session.CodeInvalidDecision || pending == nil {
				return fmt.Errorf("server error (%s): %s", msg.Code, msg.Content)
			}
			ui.Warning("%s", msg.Content)
		default:
			ui.VerboseLog("Ignoring %s message", msg.Type)
			continue
		}

		key, err := chooseOption(r, pending)
		if err != nil {
			return err
		}
		decision := ws.Message{Type: ws.TypeDecision, SessionID: pending.SessionID, Decision: key}
		if err := wsjson.Write(ctx, c, decision); err != nil {
			return fmt.Errorf("send decision: %w", err)
		}
	}
}
