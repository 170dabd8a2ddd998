package client

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/aydomini/EchoVault/internal/session"
	"github.com/aydomini/EchoVault/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(joinCmd)
	addRoomFlags(joinCmd)
}

var joinCmd = &cobra.Command{
	Use:   "join [room]",
	Short: "Join a room and chat interactively",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var room string
		if len(args) == 1 {
			room = args[0]
		}
		room, password, err := roomCredentials(cmd, room)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()

		sink, err := store.New(ctx, cfg.Sink)
		if err != nil {
			return fmt.Errorf("open file sink: %w", err)
		}
		sess, err := session.New(sessionConfig(cmd, room, password))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Joining %s on %s, type /help for commands\n", room, cfg.ServerURL)
		if err := sess.Connect(ctx); err != nil {
			sess.Close()
			return err
		}

		c := newChat(sess, sink, out)
		err = c.run(ctx, cmd.InOrStdin())
		sess.Close()
		c.wait()
		return err
	},
}
