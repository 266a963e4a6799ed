package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kbharvest/internal/flatten"
)

// NewFlattenCmd creates the flatten command, the standalone counterpart of
// the post-crawl flatten pass.
func NewFlattenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flatten <input-dir>",
		Short: "Collapse a nested directory tree into one flat directory",
		Long: `Copies every leaf file under the input directory into the output
directory, dropping the nested structure. Name collisions get a
deterministic content-hash suffix, so repeated runs over the same input
produce the same filenames.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			includeHidden, _ := cmd.Flags().GetBool("include-hidden")
			ignore, _ := cmd.Flags().GetStringArray("ignore")
			include, _ := cmd.Flags().GetStringArray("include")

			res, err := flatten.Flatten(args[0], output, flatten.Options{
				IncludeHidden:   includeHidden,
				IgnorePatterns:  ignore,
				IncludePatterns: include,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "copied %d file(s), skipped %d, %d collision(s)\n",
				res.Copied, res.Skipped, res.Collisions)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "flattened", "Output directory")
	cmd.Flags().Bool("include-hidden", false, "Keep dotfiles and OS artifact files")
	cmd.Flags().StringArray("ignore", nil, "Extra filename regexps to skip (repeatable)")
	cmd.Flags().StringArray("include", nil, "Restrict copying to filenames matching these regexps (repeatable)")
	return cmd
}
