package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orrn/spoold/internal/api/handlers"
	"github.com/orrn/spoold/internal/archive"
	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/db"
)

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Manage job history archives",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Move old history entries into monthly archive files now",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArchiver(func(a *archive.Archiver) error {
					n, err := a.RunArchive(cmd.Context())
					fmt.Fprintf(cmd.OutOrStdout(), "archived %d entries\n", n)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List archive files",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArchiver(func(a *archive.Archiver) error {
					files, err := a.ListArchives()
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "FILE\tMONTH\tSIZE")
					for _, f := range files {
						fmt.Fprintf(w, "%s\t%s\t%d\n", f.Filename, f.Month, f.Size)
					}
					return w.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "delete FILE",
			Short: "Delete an archive file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArchiver(func(a *archive.Archiver) error {
					return a.DeleteArchive(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}

func withArchiver(fn func(*archive.Archiver) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return runWithArchiver(cfg, fn)
}

func runWithArchiver(cfg *config.Config, fn func(*archive.Archiver) error) error {
	if err := db.Init(db.Config{Path: cfg.Database.Path}); err != nil {
		return err
	}
	defer db.Close()
	a, err := archive.NewArchiver(db.GetDB(), archive.Config{
		ArchivePath: cfg.Database.ArchivePath,
		ArchiveDays: cfg.Database.ArchiveDays,
		Schedule:    cfg.Database.ArchiveSchedule,
	}, nil)
	if err != nil {
		return err
	}
	handlers.LoadArchiveDays(context.Background(), a)
	return fn(a)
}
