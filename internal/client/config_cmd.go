package client

import (
	"fmt"
	"net/url"

	"github.com/aydomini/EchoVault/internal/admission"
	"github.com/aydomini/EchoVault/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(setServerCmd)
	rootCmd.AddCommand(setNicknameCmd)
	rootCmd.AddCommand(setSinkCmd)
}

var setServerCmd = &cobra.Command{
	Use:   "set-server <url>",
	Short: "Set the relay URL",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		u, err := url.Parse(args[0])
		if err != nil || u.Host == "" {
			fmt.Fprintf(out, "Invalid server URL %q\n", args[0])
			return
		}
		cfg.ServerURL = args[0]
		if err := SaveConfigGlobal(); err != nil {
			fmt.Fprintln(out, "Error saving config:", err)
			return
		}
		fmt.Fprintf(out, "Server URL set to %s\n", cfg.ServerURL)
	},
}

var setNicknameCmd = &cobra.Command{
	Use:   "set-nickname <nickname>",
	Short: "Set the nickname shown to other members",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if err := admission.ValidateNickname(args[0]); err != nil {
			fmt.Fprintln(out, "Invalid nickname:", err)
			return
		}
		cfg.Nickname = args[0]
		if err := SaveConfigGlobal(); err != nil {
			fmt.Fprintln(out, "Error saving config:", err)
			return
		}
		fmt.Fprintf(out, "Nickname set to %s\n", cfg.Nickname)
	},
}

var setSinkCmd = &cobra.Command{
	Use:   "set-sink <local|s3>",
	Short: "Choose where received files are saved",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		dir, _ := cmd.Flags().GetString("dir")
		bucket, _ := cmd.Flags().GetString("bucket")
		region, _ := cmd.Flags().GetString("region")
		prefix, _ := cmd.Flags().GetString("prefix")

		sink := store.Config{Type: args[0]}
		switch args[0] {
		case store.TypeLocal:
			sink.Dir = dir
			if sink.Dir == "" {
				sink.Dir = cfg.Sink.Dir
			}
			if sink.Dir == "" {
				sink.Dir = defaultDownloadDir()
			}
		case store.TypeS3:
			if bucket == "" {
				fmt.Fprintln(out, "--bucket is required for the s3 sink")
				return
			}
			sink.Bucket, sink.Region, sink.Prefix = bucket, region, prefix
		default:
			fmt.Fprintf(out, "Unknown sink %q (use local or s3)\n", args[0])
			return
		}

		cfg.Sink = sink
		if err := SaveConfigGlobal(); err != nil {
			fmt.Fprintln(out, "Error saving config:", err)
			return
		}
		if sink.Type == store.TypeS3 {
			fmt.Fprintf(out, "Received files will be saved to s3://%s/%s\n", sink.Bucket, sink.Prefix)
		} else {
			fmt.Fprintf(out, "Received files will be saved to %s\n", sink.Dir)
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		nickname, _ := cmd.Flags().GetString("nickname")
		if nickname == "" {
			fmt.Fprintln(out, "Nickname required")
			return
		}
		if err := admission.ValidateNickname(nickname); err != nil {
			fmt.Fprintln(out, "Invalid nickname:", err)
			return
		}
		cfg.Nickname = nickname

		if serverURL, _ := cmd.Flags().GetString("server"); serverURL != "" {
			cfg.ServerURL = serverURL
		}
		if dir, _ := cmd.Flags().GetString("download-dir"); dir != "" {
			cfg.Sink = store.Config{Type: store.TypeLocal, Dir: dir}
		}

		if err := SaveConfigGlobal(); err != nil {
			fmt.Fprintln(out, "Error saving config:", err)
			return
		}
		fmt.Fprintf(out, "Initialized as %s\n", cfg.Nickname)
		fmt.Fprintf(out, "Server URL: %s\n", cfg.ServerURL)
		fmt.Fprintf(out, "Device ID: %s\n", cfg.DeviceID)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		path := cfgFile
		if path == "" {
			var err error
			if path, err = GetConfigPath(); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Error getting config path:", err)
				return
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	},
}

func init() {
	configInitCmd.Flags().String("nickname", "", "Nickname to use in rooms")
	configInitCmd.Flags().String("server", "", "Relay URL")
	configInitCmd.Flags().String("download-dir", "", "Directory for received files")
	setSinkCmd.Flags().String("dir", "", "Download directory (local sink)")
	setSinkCmd.Flags().String("bucket", "", "S3 bucket (s3 sink)")
	setSinkCmd.Flags().String("region", "", "AWS region (s3 sink)")
	setSinkCmd.Flags().String("prefix", "", "Object key prefix (s3 sink)")
}
