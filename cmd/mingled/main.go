// Command mingled is the mingle signaling and matchmaking server. It pairs
// anonymous clients for peer-to-peer video chat, relays their WebRTC
// signaling, and coordinates with sibling instances through a shared
// Redis store.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "mingled",
	Short: "Signaling and matchmaking server for random peer-to-peer video chat",
	Long: `mingled pairs anonymous visitors for one-on-one video chat. It keeps a
global first-in-first-out waiting queue, relays WebRTC signaling between
matched peers, and enforces IP-level abuse controls. Multiple instances
share state through Redis, so any two clients can be paired regardless
of which instance they landed on.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (optional, environment takes precedence)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mingled version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
