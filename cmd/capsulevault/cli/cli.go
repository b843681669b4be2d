// Package cli implements the capsulevault command tree. Every command
// opens the store directly at the configured root; there is no server
// process to talk to, and the root flock keeps concurrent invocations
// from stepping on each other.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	capsulefile "capsulevault/internal/capsule/file"
	"capsulevault/internal/store"
)

const rootEnvVar = "CAPSULEVAULT_ROOT"

// AddCommands wires all store commands onto the root command.
func AddCommands(root *cobra.Command, logger *slog.Logger) {
	root.AddCommand(
		newStoreCmd(logger),
		newRetrieveCmd(logger),
		newDeleteCmd(logger),
		newTagCmd(logger),
		newListCmd(logger),
		newOwnersCmd(logger),
		newSummaryCmd(logger),
		newReconcileCmd(logger),
	)
}

// resolveRoot returns the storage root from the --root flag, the
// environment, or the per-user default, in that order.
func resolveRoot(cmd *cobra.Command) (string, error) {
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		return root, nil
	}
	if root := os.Getenv(rootEnvVar); root != "" {
		return root, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve storage root: %w", err)
	}
	return filepath.Join(home, ".capsulevault"), nil
}

func openStore(cmd *cobra.Command, logger *slog.Logger) (*store.Store, error) {
	root, err := resolveRoot(cmd)
	if err != nil {
		return nil, err
	}

	compression := capsulefile.CompressionNone
	if compress, _ := cmd.Flags().GetBool("compress"); compress {
		compression = capsulefile.CompressionZstd
	}

	return store.Open(store.Config{
		Root:        root,
		Compression: compression,
		Logger:      logger,
	})
}

// withStore runs fn against an opened store and always closes it.
func withStore(cmd *cobra.Command, logger *slog.Logger, fn func(*store.Store) error) error {
	s, err := openStore(cmd, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(s)
}

// outputFormat returns "json" or "table" from the --output flag.
func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}
