package main

import (
	"github.com/spf13/cobra"

	"github.com/BadgerOps/dtebundle/internal/app"
	"github.com/BadgerOps/dtebundle/internal/timesync"
)

func newTimeSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timesync",
		Short: "Probe the storage endpoint clock",
		Long: `Compare the local clock with the Date header of the storage endpoint and
print the skew, status and the expiry buffer signed URLs would get.`,
		Example: `  dtebundle timesync`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := app.NewClock(globalCfg, nil, logger)
			res := v.Refresh(cmd.Context())
			if res.Status == timesync.StatusSkewed {
				logger.Warn("clock skew detected", "skew_seconds", res.SkewSeconds, "buffer_minutes", res.RecommendedBufferMinutes)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
