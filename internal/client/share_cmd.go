package client

import (
	"fmt"

	"github.com/aydomini/EchoVault/internal/crypto"
	qrterminal "github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(shareCmd)
	shareCmd.Flags().String("password", "", "room password (default $"+PasswordEnv+")")
	shareCmd.Flags().String("origin", "", "origin the link points at (default: server URL)")
	shareCmd.Flags().Bool("no-qr", false, "print the link only")
}

var shareCmd = &cobra.Command{
	Use:   "share <room>",
	Short: "Print a join link (and QR code) for a room",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		room, password, err := roomCredentials(cmd, args[0])
		if err != nil {
			fmt.Fprintln(out, "Error:", err)
			return
		}
		origin, _ := cmd.Flags().GetString("origin")
		if origin == "" {
			origin = cfg.ServerURL
		}

		link, err := crypto.CreateShareLink(origin, room, password)
		if err != nil {
			fmt.Fprintln(out, "Error creating link:", err)
			return
		}
		fmt.Fprintln(out, link)
		fmt.Fprintln(out, "Anyone holding this link can read the room. Share it out of band.")

		if noQR, _ := cmd.Flags().GetBool("no-qr"); noQR {
			return
		}
		qrterminal.GenerateWithConfig(link, qrterminal.Config{
			Level:     qrterminal.M,
			Writer:    out,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: 1,
		})
	},
}
