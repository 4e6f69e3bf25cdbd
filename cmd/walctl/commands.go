package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/libsql-go/walreplicator/internal/admin"
	"github.com/libsql-go/walreplicator/internal/replicator"
)

func newCLILogger() log.Logger {
	return log.NewLogfmtLogger(os.Stderr)
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", s, err)
	}
	return &t, nil
}

func parseTimestamp(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q, expected RFC3339: %w", s, err)
	}
	return &t, nil
}

func requireDatabase(gf *globalFlags) error {
	if gf.database == "" {
		return fmt.Errorf("--database is required")
	}
	return nil
}

func newCopyCmd(gf *globalFlags) *cobra.Command {
	var generation, toDir string
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy a generation's segments and snapshot to a local directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(gf); err != nil {
				return err
			}
			if toDir == "" {
				return fmt.Errorf("--to-dir is required")
			}
			st, cat, _, err := openStore(gf)
			if err != nil {
				return err
			}
			defer st.Close()
			defer cat.Close()
			if err := admin.Copy(context.Background(), st, gf.database, generation, toDir); err != nil {
				return err
			}
			fmt.Printf("copied generation %q to %s\n", generation, toDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&generation, "generation", "g", "", "generation to copy (latest by default)")
	cmd.Flags().StringVar(&toDir, "to-dir", "", "target local directory")
	return cmd
}

func newCreateCmd(gf *globalFlags) *cobra.Command {
	var sourceDBPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new generation seeded from an existing database file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(gf); err != nil {
				return err
			}
			if sourceDBPath == "" {
				return fmt.Errorf("--source-db-path is required")
			}
			st, cat, _, err := openStore(gf)
			if err != nil {
				return err
			}
			defer st.Close()
			defer cat.Close()
			generation, err := admin.Create(context.Background(), st, gf.database, sourceDBPath)
			if err != nil {
				return err
			}
			fmt.Printf("created generation %s\n", generation)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sourceDBPath, "source-db-path", "s", "", "path to the source database file")
	return cmd
}

func newLsCmd(gf *globalFlags) *cobra.Command {
	var generation string
	var limit int
	var olderThanStr, newerThanStr string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List known generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(gf); err != nil {
				return err
			}
			olderThan, err := parseDate(olderThanStr)
			if err != nil {
				return err
			}
			newerThan, err := parseDate(newerThanStr)
			if err != nil {
				return err
			}
			st, cat, _, err := openStore(gf)
			if err != nil {
				return err
			}
			defer st.Close()
			defer cat.Close()

			infos, err := admin.List(context.Background(), st, gf.database, generation, limit, olderThan, newerThan)
			if err != nil {
				return err
			}
			for _, g := range infos {
				if verbose {
					fmt.Printf("%s\tcreated=%s\tsegments=%d\tbytes=%d\n", g.Generation, g.CreatedAt.UTC().Format(time.RFC3339), g.Segments, g.Bytes)
				} else {
					fmt.Println(g.Generation)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&generation, "generation", "g", "", "show only this generation")
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "list only the <limit> newest generations")
	cmd.Flags().StringVar(&olderThanStr, "older-than", "", "list only generations older than this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&newerThanStr, "newer-than", "", "list only generations newer than this date (YYYY-MM-DD)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print per-generation detail")
	return cmd
}

func newRestoreCmd(gf *globalFlags) *cobra.Command {
	var generation, utcTime, fromDir string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the database from the segment store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(gf); err != nil {
				return err
			}
			if gf.dbPath == "" {
				return fmt.Errorf("--db-path is required")
			}
			targetTime, err := parseTimestamp(utcTime)
			if err != nil {
				return err
			}

			restoreGf := gf
			if fromDir != "" {
				// Point at another --local working directory (objects
				// under <dir>/remote) instead of the configured remote
				// store. The flat output of `copy` is not in that layout.
				local := *gf
				local.local = true
				local.localDir = fromDir
				restoreGf = &local
			}

			st, cat, cfg, err := openStore(restoreGf)
			if err != nil {
				return err
			}
			defer st.Close()
			defer cat.Close()

			r, err := replicator.Open(st, replicator.Config{
				Namespace: cfg.Namespace,
				DBID:      gf.database,
				PageSize:  4096,
				Logger:    newCLILogger(),
				Reg:       prometheus.NewRegistry(),
			})
			if err != nil {
				return err
			}

			result, err := admin.Restore(context.Background(), r, gf.dbPath, generation, nil, targetTime)
			if err != nil {
				return err
			}
			fmt.Printf("restored generation=%s frame_no=%d action=%d\n", result.Generation, result.FrameNo, result.Action)
			return nil
		},
	}
	cmd.Flags().StringVarP(&generation, "generation", "g", "", "generation to restore from (latest by default)")
	cmd.Flags().StringVarP(&utcTime, "utc-time", "u", "", "restore up to this RFC3339 UTC timestamp")
	cmd.Flags().StringVarP(&fromDir, "from-dir", "f", "", "restore from a local directory instead of remote storage")
	return cmd
}

func newVerifyCmd(gf *globalFlags) *cobra.Command {
	var generation, utcTime string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the checksum chain of a generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(gf); err != nil {
				return err
			}
			targetTime, err := parseTimestamp(utcTime)
			if err != nil {
				return err
			}
			st, cat, _, err := openStore(gf)
			if err != nil {
				return err
			}
			defer st.Close()
			defer cat.Close()

			logger := newCLILogger()
			result, err := admin.Verify(context.Background(), st, logger, gf.database, generation, nil, targetTime)
			if err != nil {
				return err
			}
			fmt.Printf("generation=%s frames_read=%d last_frame_no=%d ok=%v\n", result.Generation, result.FramesRead, result.LastFrameNo, result.OK)
			if !result.OK {
				return fmt.Errorf("checksum chain broken at frame_no=%d", result.FailedAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&generation, "generation", "g", "", "generation to verify (latest by default)")
	cmd.Flags().StringVarP(&utcTime, "utc-time", "u", "", "verify up to this RFC3339 UTC timestamp")
	return cmd
}

func newRmCmd(gf *globalFlags) *cobra.Command {
	var generation, olderThanStr string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Remove a generation, or every generation older than a date, from remote storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(gf); err != nil {
				return err
			}
			olderThan, err := parseDate(olderThanStr)
			if err != nil {
				return err
			}
			st, cat, cfg, err := openStore(gf)
			if err != nil {
				return err
			}
			defer st.Close()
			defer cat.Close()

			n, err := admin.Delete(context.Background(), st, cat, cfg.Namespace, gf.database, generation, olderThan, 5*time.Minute)
			if err != nil {
				return err
			}
			if verbose {
				fmt.Printf("removed %d generation(s)\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&generation, "generation", "g", "", "generation to remove")
	cmd.Flags().StringVar(&olderThanStr, "older-than", "", "remove generations older than this date (YYYY-MM-DD)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print how many generations were removed")
	return cmd
}

func newSnapshotCmd(gf *globalFlags) *cobra.Command {
	var generation string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Upload a full database image as a generation's base snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(gf); err != nil {
				return err
			}
			if gf.dbPath == "" {
				return fmt.Errorf("--db-path is required")
			}
			st, cat, _, err := openStore(gf)
			if err != nil {
				return err
			}
			defer st.Close()
			defer cat.Close()
			if err := admin.Snapshot(context.Background(), st, gf.database, generation, gf.dbPath); err != nil {
				return err
			}
			fmt.Println("snapshot uploaded")
			return nil
		},
	}
	cmd.Flags().StringVarP(&generation, "generation", "g", "", "generation to snapshot (latest by default)")
	return cmd
}
