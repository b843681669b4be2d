package cli

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"capsulevault/internal/store"
)

func newListCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <owner>",
		Short: "List an owner's versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, _ := cmd.Flags().GetString("tag")
			return withStore(cmd, logger, func(s *store.Store) error {
				versions, err := s.List(args[0], tag)
				if err != nil {
					return err
				}
				p := newPrinter(outputFormat(cmd))
				if p.format == "json" {
					return p.json(versions)
				}
				rows := make([][]string, 0, len(versions))
				for _, v := range versions {
					rows = append(rows, []string{
						v.ID.String(),
						v.CreatedAt.Format(time.RFC3339),
						strconv.FormatInt(v.ByteSize, 10),
						strings.Join(v.Tags, ","),
					})
				}
				p.table([]string{"VERSION", "CREATED", "SIZE", "TAGS"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().String("tag", "", "only versions carrying this tag")
	return cmd
}

func newOwnersCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "owners",
		Short: "List all owners in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, logger, func(s *store.Store) error {
				owners, err := s.ListOwners()
				if err != nil {
					return err
				}
				p := newPrinter(outputFormat(cmd))
				if p.format == "json" {
					return p.json(owners)
				}
				rows := make([][]string, 0, len(owners))
				for _, owner := range owners {
					rows = append(rows, []string{owner})
				}
				p.table([]string{"OWNER"}, rows)
				return nil
			})
		},
	}
}

func newSummaryCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <owner>",
		Short: "Show an owner's version count, tags and latest pointer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, logger, func(s *store.Store) error {
				sum, err := s.OwnerSummary(args[0])
				if err != nil {
					return err
				}
				p := newPrinter(outputFormat(cmd))
				if p.format == "json" {
					return p.json(sum)
				}
				pairs := [][2]string{
					{"Owner", sum.Owner},
					{"Versions", strconv.Itoa(sum.VersionCount)},
					{"Latest", sum.LatestID},
					{"Tags", strings.Join(sum.Tags, ", ")},
				}
				if !sum.FirstCreatedAt.IsZero() {
					pairs = append(pairs,
						[2]string{"First", sum.FirstCreatedAt.Format(time.RFC3339)},
						[2]string{"Last", sum.LastCreatedAt.Format(time.RFC3339)},
					)
				}
				p.kv(pairs)
				return nil
			})
		},
	}
}
