package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aydomini/EchoVault/internal/session"
	"github.com/spf13/cobra"
)

const (
	sendTimeout = 15 * time.Second
	// keySettle is how long send waits for peers' keys before sending
	// anyway; peers whose keys are late see an encrypted nickname.
	keySettle = 2 * time.Second
)

var (
	ErrSendTimeout = errors.New("timed out waiting for the relay")
	ErrKicked      = errors.New("replaced by another connection")
)

func init() {
	rootCmd.AddCommand(sendCmd)
	addRoomFlags(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send [room] <text>",
	Short: "Send one message to a room and exit",
	Long:  "Send one message to a room and exit. With --link every argument is message text.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var room string
		if link, _ := cmd.Flags().GetString("link"); link == "" {
			if len(args) < 2 {
				return fmt.Errorf("usage: send <room> <text>")
			}
			room, args = args[0], args[1:]
		}
		room, password, err := roomCredentials(cmd, room)
		if err != nil {
			return err
		}

		sess, err := session.New(sessionConfig(cmd, room, password))
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := sess.Connect(ctx); err != nil {
			return err
		}
		if err := deliver(ctx, sess, strings.Join(args, " "), sendTimeout); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Message sent")
		return nil
	},
}

// deliver waits for the join, gives peers' keys a moment to arrive, sends
// text and returns once the relay echoes it back.
func deliver(ctx context.Context, sess *session.Session, text string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	settle := time.NewTimer(keySettle)
	settle.Stop()
	defer settle.Stop()

	peers, keys := -1, 0
	sent := false
	send := func() error {
		if sent {
			return nil
		}
		sent = true
		return sess.SendMessage(text)
	}

	for {
		select {
		case <-ctx.Done():
			return ErrSendTimeout
		case <-settle.C:
			if err := send(); err != nil {
				return err
			}
		case ev := <-sess.Events():
			switch e := ev.(type) {
			case session.Joined:
				peers = len(e.Members) - 1
				if peers <= 0 {
					if err := send(); err != nil {
						return err
					}
				} else {
					settle.Reset(keySettle)
				}
			case session.PeerKey:
				keys++
				if peers >= 0 && keys >= peers {
					if err := send(); err != nil {
						return err
					}
				}
			case session.ChatMessage:
				if e.Own && sent {
					return nil
				}
			case session.Notice:
				return fmt.Errorf("relay rejected message: %s %s", e.Code, e.Message)
			case session.Kicked:
				return fmt.Errorf("%w: %s", ErrKicked, e.Message)
			case session.StateChanged:
				if e.State == session.StateDisconnected {
					return session.ErrConnectionLost
				}
			}
		}
	}
}
