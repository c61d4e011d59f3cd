package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"thk/internal/audit"
	"thk/internal/config"
	"thk/internal/domain"
	"thk/internal/store"

	"github.com/spf13/cobra"
)

func openAuditStore() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(config.ExpandPath(cfg.Audit.SQLite.DBPath), logger)
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and maintain the SQLite audit trail",
	}

	var (
		limit   int
		uid     int64
		outcome string
		since   time.Duration
		asJSON  bool
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := store.Query{Limit: limit}
			if uid >= 0 {
				id := uint32(uid)
				q.Identity = &id
			}
			if outcome != "" {
				o, err := domain.ParseOutcome(outcome)
				if err != nil {
					return err
				}
				q.Outcome = &o
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}

			st, err := openAuditStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			recs, err := st.Recent(ctx, q)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	tail.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	tail.Flags().Int64Var(&uid, "uid", -1, "only records for this identity")
	tail.Flags().StringVar(&outcome, "outcome", "", "only records with this outcome (allowed|blocked|rate_limited|invalid)")
	tail.Flags().DurationVar(&since, "since", 0, "only records newer than this (e.g. 1h)")
	tail.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.AddCommand(tail)

	var days int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit records older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				days = cfg.Audit.SQLite.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("retention is disabled; pass --days")
			}

			st, err := openAuditStore()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.PruneOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d records older than %d days\n", n, days)
			return nil
		},
	}
	prune.Flags().IntVar(&days, "days", 0, "retention in days (default: audit.sqlite.retentionDays)")
	cmd.AddCommand(prune)

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Count stored audit records per outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAuditStore()
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.CountByOutcome(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), counts)
			return nil
		},
	}
	cmd.AddCommand(summary)

	return cmd
}

func printSummary(w io.Writer, counts map[domain.Outcome]int64) {
	var total int64
	for _, o := range []domain.Outcome{domain.OutcomeOK, domain.OutcomeBlocked, domain.OutcomeRateLimited, domain.OutcomeInvalid} {
		fmt.Fprintf(w, "  %-13s %d\n", o.String()+":", counts[o])
		total += counts[o]
	}
	fmt.Fprintf(w, "  %-13s %d\n", "total:", total)
}

func printRecords(w io.Writer, recs []domain.AuditRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no audit records")
		return
	}
	// oldest first, like a log
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		fmt.Fprintf(w, "%s %s\n", rec.Time.Local().Format(time.DateTime), audit.FormatLine(rec))
	}
}
