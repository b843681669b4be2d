package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"capsulevault/internal/capsule"
	"capsulevault/internal/store"
)

func newTagCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage version tags",
	}
	cmd.AddCommand(
		newTagAddCmd(logger),
		newTagRemoveCmd(logger),
	)
	return cmd
}

func newTagAddCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "add <owner> <version-id> <tag>",
		Short: "Tag a version",
		Long:  "Attach a tag to a stored version. Tagging an already-tagged version is a no-op.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := capsule.ParseVersionID(args[1])
			if err != nil {
				return err
			}
			return withStore(cmd, logger, func(s *store.Store) error {
				return s.AddTag(args[0], id, args[2])
			})
		},
	}
}

func newTagRemoveCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <owner> <version-id> <tag>",
		Short: "Untag a version",
		Long:  "Remove a tag from a stored version. Removing an absent tag is a no-op.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := capsule.ParseVersionID(args[1])
			if err != nil {
				return err
			}
			return withStore(cmd, logger, func(s *store.Store) error {
				return s.RemoveTag(args[0], id, args[2])
			})
		},
	}
}
