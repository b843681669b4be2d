package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"capsulevault/internal/capsule"
	"capsulevault/internal/store"
)

func newStoreCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store <owner> [file]",
		Short: "Store a new capsule version for an owner",
		Long:  "Store the given file (or stdin) as a new immutable version. Prints the version metadata.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(args)
			if err != nil {
				return err
			}
			tags, _ := cmd.Flags().GetStringSlice("tag")

			return withStore(cmd, logger, func(s *store.Store) error {
				v, err := s.Store(args[0], content)
				if err != nil {
					return err
				}
				for _, tag := range tags {
					if err := s.AddTag(args[0], v.ID, tag); err != nil {
						return fmt.Errorf("stored %s but tagging failed: %w", v.ID, err)
					}
					v.Tags = append(v.Tags, tag)
				}

				p := newPrinter(outputFormat(cmd))
				if p.format == "json" {
					return p.json(v)
				}
				p.kv(versionDetailPairs(v))
				return nil
			})
		},
	}
	cmd.Flags().StringSlice("tag", nil, "tag to apply to the new version (repeatable)")
	return cmd
}

func newRetrieveCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrieve <owner>",
		Short: "Retrieve a capsule version",
		Long: "Retrieve the latest version, or a specific one via --version or --tag. " +
			"Content goes to stdout (or --out); a failed integrity check still emits the content but exits nonzero.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := selectorFromFlags(cmd)
			if err != nil {
				return err
			}
			outPath, _ := cmd.Flags().GetString("out")
			infoOnly, _ := cmd.Flags().GetBool("info")

			return withStore(cmd, logger, func(s *store.Store) error {
				res, err := s.Retrieve(args[0], sel)
				if err != nil {
					return err
				}

				if infoOnly {
					p := newPrinter(outputFormat(cmd))
					if p.format == "json" {
						return p.json(struct {
							capsule.Version
							IntegrityValid bool `json:"integrityValid"`
						}{res.Version, res.IntegrityValid})
					}
					pairs := versionDetailPairs(res.Version)
					pairs = append(pairs, [2]string{"Integrity", strconv.FormatBool(res.IntegrityValid)})
					p.kv(pairs)
					return integrityErr(res)
				}

				if outPath != "" {
					if err := os.WriteFile(outPath, res.Content, 0o644); err != nil {
						return err
					}
				} else if _, err := os.Stdout.Write(res.Content); err != nil {
					return err
				}
				return integrityErr(res)
			})
		},
	}
	cmd.Flags().String("version", "", "retrieve this version id")
	cmd.Flags().String("tag", "", "retrieve the most recent version carrying this tag")
	cmd.Flags().String("out", "", "write content to this file instead of stdout")
	cmd.Flags().Bool("info", false, "print version metadata instead of content")
	return cmd
}

func newDeleteCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <owner> <version-id>",
		Short: "Delete a capsule version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := capsule.ParseVersionID(args[1])
			if err != nil {
				return err
			}
			return withStore(cmd, logger, func(s *store.Store) error {
				return s.Delete(args[0], id)
			})
		},
	}
}

// readContent loads the payload from the optional file argument or stdin.
func readContent(args []string) ([]byte, error) {
	if len(args) == 2 && args[1] != "-" {
		return os.ReadFile(args[1])
	}
	return io.ReadAll(os.Stdin)
}

// selectorFromFlags maps --version/--tag onto a selector; with neither
// set the latest version is selected.
func selectorFromFlags(cmd *cobra.Command) (capsule.Selector, error) {
	versionFlag, _ := cmd.Flags().GetString("version")
	tagFlag, _ := cmd.Flags().GetString("tag")

	switch {
	case versionFlag != "" && tagFlag != "":
		return capsule.Selector{}, fmt.Errorf("--version and --tag are mutually exclusive")
	case versionFlag != "":
		id, err := capsule.ParseVersionID(versionFlag)
		if err != nil {
			return capsule.Selector{}, err
		}
		return capsule.ByVersion(id), nil
	case tagFlag != "":
		return capsule.ByTag(tagFlag), nil
	default:
		return capsule.Latest(), nil
	}
}

// integrityErr turns a failed integrity check into a command error so
// the exit code reflects it. The content has already been emitted.
func integrityErr(res store.Result) error {
	if res.IntegrityValid {
		return nil
	}
	return fmt.Errorf("integrity check failed for %s/%s: content does not match its stored fingerprint",
		res.Version.Owner, res.Version.ID)
}

// versionDetailPairs builds the key-value pairs for version detail rendering.
func versionDetailPairs(v capsule.Version) [][2]string {
	pairs := [][2]string{
		{"Owner", v.Owner},
		{"Version", v.ID.String()},
		{"Created", v.CreatedAt.Format(time.RFC3339)},
		{"Fingerprint", v.Fingerprint.String()},
		{"Location", v.StorageLocation},
		{"Size", strconv.FormatInt(v.ByteSize, 10)},
	}
	if len(v.Tags) > 0 {
		pairs = append(pairs, [2]string{"Tags", strings.Join(v.Tags, ", ")})
	}
	if v.SchemaVersion != 0 {
		pairs = append(pairs, [2]string{"Schema", strconv.Itoa(v.SchemaVersion)})
	}
	if v.ProducerID != "" {
		pairs = append(pairs, [2]string{"Producer", v.ProducerID})
	}
	if v.SourceTag != "" {
		pairs = append(pairs, [2]string{"Source", v.SourceTag})
	}
	return pairs
}
