// Command meetd runs the realtime meet coordination server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meetsync/meetd/internal/serverconfig"
)

// Version and Build are overridden at link time via -ldflags, matching
// the teacher's own version stamping convention.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	cfgFile string
	debugFlag bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "meetd",
	Short: "meetd - realtime meet coordination server",
	Long:  `meetd coordinates realtime meet scheduling state across locations: create/join meets, apply and relay updates, and recover from missed updates.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to meetd.toml (or legacy meetd.yaml)")
	serverconfig.BindFlags(rootCmd, serverconfig.Defaults())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the meetd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meetd version %s (%s)\n", Version, Build)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if rootCancel != nil {
		rootCancel()
	}
}
