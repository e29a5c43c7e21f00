package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/keytap/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show previous open attempts",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var (
	historyLimit int
	historyClear bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Show at most this many attempts (0 for all)")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "Delete the history")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit < 0 {
		return fmt.Errorf("%w: --limit cannot be negative", ErrInvalidArgs)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	history, err := openHistoryStore(cfg)
	if err != nil {
		return err
	}

	if historyClear {
		if err := history.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
		return nil
	}

	records, err := history.List(historyLimit)
	if err != nil {
		return err
	}
	return displayHistory(cmd.OutOrStdout(), records)
}

func displayHistory(out io.Writer, records []store.Record) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "No attempts recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tDURATION\tPERIPHERAL\tPROFILE\tRESULT\tRECONNECTS\tSIGNAL")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, r := range records {
		peripheral := r.Name
		if peripheral == "" {
			peripheral = r.Address
		}
		if peripheral == "" {
			peripheral = "-"
		}
		profile := r.Profile
		if profile == "" {
			profile = "-"
		}
		result := r.Phase
		if r.ErrorKind != "" {
			result = fmt.Sprintf("%s (%s)", r.Phase, r.ErrorKind)
		}
		signal := "-"
		if r.Signal != nil {
			signal = fmt.Sprintf("%d dBm", *r.Signal)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration().Round(10*time.Millisecond),
			peripheral, profile, result, r.Reconnects, signal)
	}
	return w.Flush()
}
