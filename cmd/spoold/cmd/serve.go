package cmd

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/spoold/internal/api"
	"github.com/orrn/spoold/internal/api/handlers"
	"github.com/orrn/spoold/internal/archive"
	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/db"
	"github.com/orrn/spoold/internal/notify"
	"github.com/orrn/spoold/internal/scheduler"
	"github.com/orrn/spoold/internal/server"
	"github.com/orrn/spoold/internal/subserver"
)

const (
	listenFlag      = "listen"
	adminListenFlag = "admin-listen"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept jobs and run the queue schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if v := viper.GetString(listenFlag); v != "" {
				cfg.Server.Listen = v
			}
			if v := viper.GetString(adminListenFlag); v != "" {
				cfg.Server.AdminListen = v
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String(listenFlag, "", "Protocol listen address, overrides server.listen")
	cmd.Flags().String(adminListenFlag, "", "Admin API listen address, overrides server.admin_listen")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := db.Init(db.Config{Path: cfg.Database.Path}); err != nil {
		return err
	}
	defer db.Close()

	notifier, stopNotify, err := notify.FromConfig(cfg.Notify, nil)
	if err != nil {
		return err
	}
	defer stopNotify()

	launcher, err := subserver.SelfLauncher("--"+ConfigFlag, viper.GetString(ConfigFlag))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	spools := core.NewSpools(cfg, nil)
	registry := scheduler.NewRegistry(gctx, scheduler.Options{
		Spools:   spools,
		Launcher: launcher,
		Notifier: notifier,
	})
	svc := core.NewQueueService(spools, registry, notifier, nil)

	devices := core.NewDeviceManager(cfg, notifier, nil)
	devices.Start()
	defer devices.Stop()

	archiver, err := archive.NewArchiver(db.GetDB(), archive.Config{
		ArchivePath: cfg.Database.ArchivePath,
		ArchiveDays: cfg.Database.ArchiveDays,
		Schedule:    cfg.Database.ArchiveSchedule,
	}, nil)
	if err != nil {
		return err
	}
	handlers.LoadArchiveDays(ctx, archiver)
	if err := archiver.Start(); err != nil {
		return err
	}
	defer archiver.Stop()

	srv := server.New(server.Options{Service: svc, Kicker: registry, Notifier: notifier})
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if cfg.Server.AdminListen != "" {
		admin, err := api.New(cfg.Server.AdminListen, api.Options{Service: svc, Devices: devices, Archiver: archiver})
		if err != nil {
			return err
		}
		g.Go(func() error { return admin.Run(gctx) })
	}

	g.Go(func() error {
		registry.Poll(gctx, cfg.Queue.PollInterval)
		return nil
	})
	g.Go(func() error {
		registry.HandleSignals(gctx)
		return nil
	})

	log.Infof("spoold serving %d queue(s)", len(cfg.Printers))
	err = g.Wait()
	registry.Wait()
	log.Info("spoold stopped")
	return err
}
