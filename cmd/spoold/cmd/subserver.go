package cmd

import (
	"net"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/jobstate"
	"github.com/orrn/spoold/internal/subserver"
)

const (
	jobFlag  = "job"
	destFlag = "dest"
)

// subserverCmd performs one print or forward attempt and reports the outcome
// through its exit status. The scheduler starts it; it is not meant for
// interactive use.
func subserverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "subserver",
		Short:  "Perform one attempt of a job",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return &exitError{code: int(jobstate.FailNoRetry), err: err}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			printer := viper.GetString(printerFlag)
			w := &subserver.Worker{
				Spools: core.NewSpools(cfg, nil),
				Open:   core.OpenDevice,
				Dial:   (&net.Dialer{Timeout: cfg.Devices.ConnectionTimeout}).DialContext,
				Log:    log.WithField("printer", printer),
			}
			code, err := w.Run(ctx, printer, viper.GetString(jobFlag), viper.GetInt(destFlag))
			if ctx.Err() != nil && code == jobstate.Success {
				code = jobstate.Signal
			}
			if code == jobstate.Success {
				return nil
			}
			if err == nil {
				err = &codeError{code: code}
			}
			return &exitError{code: int(code), err: err}
		},
	}
	cmd.Flags().String(printerFlag, "", "Queue of the job")
	cmd.Flags().String(jobFlag, "", "Hold file name of the job")
	cmd.Flags().Int(destFlag, -1, "Destination index, -1 for the job itself")
	_ = cmd.MarkFlagRequired(printerFlag)
	_ = cmd.MarkFlagRequired(jobFlag)
	return cmd
}

type codeError struct {
	code jobstate.Code
}

func (e *codeError) Error() string { return "attempt ended with " + e.code.String() }
