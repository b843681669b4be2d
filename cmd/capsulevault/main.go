// Command capsulevault manages a versioned capsule store on disk.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"capsulevault/cmd/capsulevault/cli"
)

var version = "dev"

func main() {
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	rootCmd := &cobra.Command{
		Use:   "capsulevault",
		Short: "Versioned capsule store",
		Long:  "Store, tag, retrieve and reconcile immutable versioned capsules for named owners.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			levelFlag, _ := cmd.Flags().GetString("log-level")
			var l slog.Level
			if err := l.UnmarshalText([]byte(levelFlag)); err != nil {
				return fmt.Errorf("invalid log level %q", levelFlag)
			}
			level.Set(l)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("root", "", "storage root directory (default: $CAPSULEVAULT_ROOT or ~/.capsulevault)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn, or error")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")
	rootCmd.PersistentFlags().Bool("compress", false, "zstd-compress new blobs at rest")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(versionCmd)
	cli.AddCommands(rootCmd, logger)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
