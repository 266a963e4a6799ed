package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for kbharvest.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kbharvest",
		Short: "Knowledge base crawl and export service",
		Long: `kbharvest runs asynchronous crawl tasks against a wiki page tree or an
issue tracker search, funnels attachments through a two-stage filter,
optionally enriches the extracted text via a generation service and
exports everything as markdown documents.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
			level := zerolog.InfoLevel
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
		},
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewFlattenCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
