package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/db"
	"github.com/orrn/spoold/internal/notify"
	"github.com/orrn/spoold/internal/scheduler"
	"github.com/orrn/spoold/internal/subserver"
)

const printerFlag = "printer"

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run one queue's scheduler in the foreground until the queue is empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return schedule(ctx, cfg, viper.GetString(printerFlag))
		},
	}
	cmd.Flags().StringP(printerFlag, "P", "", "Queue to schedule")
	_ = cmd.MarkFlagRequired(printerFlag)
	return cmd
}

func schedule(ctx context.Context, cfg *config.Config, printer string) error {
	if err := db.Init(db.Config{Path: cfg.Database.Path}); err != nil {
		log.WithError(err).Warn("job history disabled")
	} else {
		defer db.Close()
	}
	notifier, stopNotify, err := notify.FromConfig(cfg.Notify, nil)
	if err != nil {
		return err
	}
	defer stopNotify()

	launcher, err := subserver.SelfLauncher("--"+ConfigFlag, viper.GetString(ConfigFlag))
	if err != nil {
		return err
	}
	spools := core.NewSpools(cfg, nil)
	q, err := scheduler.NewQueue(printer, scheduler.Options{
		Spools:   spools,
		Launcher: launcher,
		Notifier: notifier,
		Kicker:   scheduler.SignalKicker{Spools: spools},
	})
	if err != nil {
		return err
	}

	rescan := make(chan os.Signal, 1)
	signal.Notify(rescan, unix.SIGUSR1)
	defer signal.Stop(rescan)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-rescan:
				q.Kick()
			}
		}
	}()

	err = q.Run(ctx, func() bool { return true })
	if errors.Is(err, scheduler.ErrQueueBusy) {
		log.WithField("printer", printer).Info(err)
		return nil
	}
	return err
}
