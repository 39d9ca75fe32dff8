package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/dtebundle/internal/store"
)

var (
	jobsState  string
	jobsLimit  int
	jobsJSON   bool
	pruneAfter time.Duration
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the ZIP job history",
		Long: `Read finished ZIP jobs from the local history database configured
under store.db_path.`,
		Example: `  dtebundle jobs list --state PARTIAL
  dtebundle jobs show 3f2b8c1e-5d4a-4e6f-9a7b-1c2d3e4f5a6b
  dtebundle jobs prune --older-than 720h`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		Args:  cobra.NoArgs,
		RunE:  jobsListRun,
	}
	list.Flags().StringVar(&jobsState, "state", "", "only jobs in this state (READY, PARTIAL, FAILED)")
	list.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs")
	list.Flags().BoolVar(&jobsJSON, "json", false, "print JSON instead of a table")

	show := &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show one job with its files",
		Args:  cobra.ExactArgs(1),
		RunE:  jobsShowRun,
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete jobs created before a cutoff",
		Args:  cobra.NoArgs,
		RunE:  jobsPruneRun,
	}
	prune.Flags().DurationVar(&pruneAfter, "older-than", 30*24*time.Hour, "delete jobs older than this")

	cmd.AddCommand(list, show, prune)
	return cmd
}

// openJobStore opens the history database without building the container.
func openJobStore() (*store.Store, error) {
	if globalCfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	if globalCfg.Store.DBPath == "" {
		return nil, errors.New("job history is disabled (store.db_path is empty)")
	}
	return store.New(globalCfg.Store.DBPath, logger)
}

func jobsListRun(cmd *cobra.Command, args []string) error {
	st, err := openJobStore()
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.ListJobs(cmd.Context(), strings.ToUpper(jobsState), jobsLimit)
	if err != nil {
		return err
	}
	if jobsJSON {
		return printJSON(cmd.OutOrStdout(), jobs)
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATE\tFILES\tSIZE\tTIME\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%dms\t%s\n",
			j.ID, j.State, j.IncludedCount, j.RequestedCount,
			humanize.Bytes(uint64(j.SizeBytes)), j.GenerationTimeMs,
			humanize.Time(j.CreatedAt))
	}
	return tw.Flush()
}

func jobsShowRun(cmd *cobra.Command, args []string) error {
	st, err := openJobStore()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), job)
}

func jobsPruneRun(cmd *cobra.Command, args []string) error {
	st, err := openJobStore()
	if err != nil {
		return err
	}
	defer st.Close()

	cutoff := time.Now().Add(-pruneAfter)
	n, err := st.PruneJobs(cmd.Context(), cutoff)
	if err != nil {
		return err
	}
	logger.Info("pruned job history", "deleted", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d job(s) created before %s\n", n, cutoff.UTC().Format(time.RFC3339))
	return nil
}
