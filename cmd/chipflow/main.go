package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/chipflow/internal/store"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chipflow",
		Short: "chipflow: build flow orchestration, locally or on a remote server",
		Long:  "chipflow runs the nodes of a build flow graph as tool processes, locally or delegated to a chipflow server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("history", "", "run history database (default $XDG_DATA_HOME/chipflow/history.db)")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newRemoteCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chipflow %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// openHistory opens the history database named by --history. A history
// that cannot be opened only disables recording.
func openHistory(cmd *cobra.Command) *store.Store {
	path, _ := cmd.Flags().GetString("history")
	st, err := store.NewStore(path)
	if err != nil {
		log.Warn().Err(err).Msg("run history disabled")
		return nil
	}
	return st
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("history")
			st, err := store.NewStore(path)
			if err != nil {
				return err
			}
			defer st.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			showNodes, _ := cmd.Flags().GetBool("nodes")
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tDESIGN\tJOB\tFLOW\tWHERE\tSTATUS\tREMOTE ID")
			for _, r := range runs {
				where := "local"
				if r.Remote {
					where = "remote"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(r.StartedAt), r.Design, r.JobName, r.Flow, where, r.Status, r.RemoteID)
				if !showNodes {
					continue
				}
				nodes, err := st.Nodes(cmd.Context(), r.ID)
				if err != nil {
					return err
				}
				for _, n := range nodes {
					fmt.Fprintf(tw, "\t  %s%s\t\t\t\t%s\t%s\n", n.Step, n.Index, n.Status, n.Elapsed.Round(time.Millisecond))
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show, 0 for all")
	cmd.Flags().Bool("nodes", false, "show node results")
	return cmd
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setupLogger()
	root := newRootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
