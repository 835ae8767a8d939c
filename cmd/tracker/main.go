package main

import (
	"context"

	"github.com/spf13/cobra"
)

func main() {
	cobra.CheckErr(NewCmd().ExecuteContext(context.Background()))
}

func NewCmd() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "tracker [command] [flags]",
		Short:         "tracker infers the block, trip and schedule position of transit vehicles",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume raw records from NATS and publish inferred records",
		Args:  cobra.NoArgs,
		RunE:  doServe,
	}

	replayCmd := &cobra.Command{
		Use:   "replay [flags] <trace.csv>",
		Short: "Run a recorded CSV trace through the tracker and print final states",
		Args:  cobra.ExactArgs(1),
		RunE:  doReplay,
	}
	replayCmd.Flags().String("params", "", "`<File>` with runtime parameters (YAML)")
	replayCmd.Flags().String("reference", "", "`<File>` with sign codes and bases (YAML)")
	replayCmd.Flags().String("db", "", "`<DSN>` of a schedule database; empty replays without a schedule")
	replayCmd.Flags().String("tz", "", "`<Zone>` of the dt column, defaults to local time")
	replayCmd.Flags().Uint64("seed", 1, "random `<Seed>` of the particle filters; 0 is nondeterministic")
	replayCmd.Flags().Bool("details", false, "include particle details of every vehicle")

	rootCmd.AddCommand(serveCmd, replayCmd)
	return rootCmd
}
