package main

import (
	"github.com/spf13/cobra"

	"github.com/BadgerOps/dtebundle/internal/app"
	"github.com/BadgerOps/dtebundle/internal/envcheck"
)

var envConfigure bool

func newEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Validate the runtime environment",
		Long: `Check timezone, credentials and signing tunables and print the report.
With --configure, missing tunables are filled with defaults for this run
before validating. Exits with status 1 when the environment is not ready.`,
		Example: `  dtebundle env
  dtebundle env --configure --log-level debug`,
		RunE: envRun,
	}

	cmd.Flags().BoolVar(&envConfigure, "configure", false, "apply defaults for missing tunables before validating")

	return cmd
}

type envOutput struct {
	Applied []string          `json:"applied,omitempty"`
	Report  envcheck.Report   `json:"report"`
	Status  map[string]string `json:"status"`
}

func envRun(cmd *cobra.Command, args []string) error {
	clock := app.NewClock(globalCfg, nil, logger)
	v := app.NewEnv(globalCfg, clock, app.Hooks{}, logger)

	var out envOutput
	if envConfigure {
		out.Applied = v.Configure(cmd.Context(), globalCfg)
	}
	out.Report = v.Validate(cmd.Context())
	out.Status = v.Status()

	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if !out.Report.Success {
		for _, issue := range out.Report.Issues {
			logger.Warn("environment issue", "issue", issue)
		}
		return &exitError{code: 1}
	}
	return nil
}
