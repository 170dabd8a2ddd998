package client

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pingCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connection to the relay",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		url := strings.TrimRight(cfg.ServerURL, "/")
		if url == "" {
			fmt.Fprintln(out, "Server URL not set in config")
			return
		}

		fmt.Fprintf(out, "Pinging %s...\n", url)
		start := time.Now()
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(url + "/ping")
		if err != nil {
			fmt.Fprintf(out, "Failed to ping server: %v\n", err)
			return
		}
		defer resp.Body.Close()
		duration := time.Since(start)

		if resp.StatusCode == http.StatusOK {
			fmt.Fprintf(out, "Pong! Relay is reachable (Latency: %v)\n", duration)
		} else {
			fmt.Fprintf(out, "Server returned status: %s\n", resp.Status)
		}
	},
}
