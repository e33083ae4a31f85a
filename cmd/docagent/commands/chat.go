package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/docagent/pkg/flow"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent in the terminal",
	Long: `Chat with the agent in the terminal.

Type a message and press enter. Ctrl-C stops the reply being written;
/new starts a new conversation and /quit exits. With --session the
conversation is resumed from the session store and saved after every turn.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "session id to resume")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	sess, err := a.session(ctx, chatSessionID)
	if err != nil {
		return err
	}
	r := newRenderer(cmd.OutOrStdout())
	msgs, err := sess.Messages(ctx)
	if err != nil {
		return err
	}
	r.history(msgs)
	r.notice(fmt.Sprintf("session %s (/new, /quit)", sess.ID()))
	cancel := sess.Observe(r.onMutation)

	in := bufio.NewScanner(cmd.InOrStdin())
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(cmd.OutOrStdout(), r.styles.User.Render("you › "))
		if !in.Scan() {
			fmt.Fprintln(cmd.OutOrStdout())
			break
		}
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			cancel()
			return nil
		case "/new":
			cancel()
			if sess, err = a.session(ctx, ""); err != nil {
				return err
			}
			cancel = sess.Observe(r.onMutation)
			r.notice("session " + sess.ID())
			continue
		}

		if err := chatTurn(ctx, a.flow, sess.ID(), func(ctx context.Context) error {
			_, err := a.flow.SendMessage(ctx, sess, line)
			return err
		}); err != nil {
			r.error(err)
		}
	}
	cancel()
	return in.Err()
}

// chatTurn runs send and turns an interrupt into a stop of the turn.
func chatTurn(ctx context.Context, svc *flow.Service, sessionID string, send func(context.Context) error) error {
	sig, stopSignals := signal.NotifyContext(ctx, os.Interrupt)
	defer stopSignals()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sig.Done():
			if ctx.Err() == nil {
				if err := svc.Stop(ctx, sessionID); err != nil && !errors.Is(err, flow.ErrNoActiveTurn) {
					slog.Warn("docagent: stop turn", "session", sessionID, "error", err)
				}
			}
		case <-done:
		}
	}()
	return send(ctx)
}
