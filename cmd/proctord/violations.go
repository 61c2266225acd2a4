package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"proctord/internal/proctor"
	"proctord/internal/store"
)

var (
	flagExam    string
	flagUser    string
	flagKind    string
	flagSince   time.Duration
	flagLimit   int
	flagSummary bool
	flagJSON    bool
)

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "List violations recorded for an exam",
	RunE:  runViolations,
}

func init() {
	violationsCmd.Flags().StringVar(&flagExam, "exam", "", "Exam ID (required)")
	violationsCmd.Flags().StringVar(&flagUser, "user", "", "Only this user")
	violationsCmd.Flags().StringVar(&flagKind, "kind", "", "Only this violation kind, e.g. TAB_SWITCH")
	violationsCmd.Flags().DurationVar(&flagSince, "since", 0, "Only violations newer than this (e.g. 2h)")
	violationsCmd.Flags().IntVar(&flagLimit, "limit", 0, "Maximum rows, 0 for all")
	violationsCmd.Flags().BoolVar(&flagSummary, "summary", false, "Print per-student totals instead of rows")
	violationsCmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON")
	_ = violationsCmd.MarkFlagRequired("exam")
	rootCmd.AddCommand(violationsCmd)
}

func runViolations(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Path == "" {
		return errors.New("no violation store configured (storage.path)")
	}

	db, err := store.Open(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if flagSummary {
		sum, err := db.ExamSummary(ctx, flagExam)
		if err != nil {
			return err
		}
		if flagJSON {
			return writeJSON(cmd, sum)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tTOTAL\tMAX SEVERITY\tBLOCKED\tLAST")
		for _, s := range sum.Students {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%s\n",
				s.UserID, s.Total, s.MaxSeverity, s.Blocked, s.LastAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	}

	f := store.ViolationFilter{ExamID: flagExam, UserID: flagUser, Limit: flagLimit}
	if flagKind != "" {
		if f.Kind, err = proctor.ParseKind(flagKind); err != nil {
			return err
		}
	}
	if flagSince > 0 {
		f.Since = time.Now().Add(-flagSince)
	}

	vs, err := db.ListViolations(ctx, f)
	if err != nil {
		return err
	}
	if flagJSON {
		return writeJSON(cmd, vs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tUSER\tKIND\tCOUNT\tSESSION")
	for _, v := range vs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			v.OccurredAt.Local().Format(time.DateTime), v.UserID, v.Kind, v.ViolationCount, v.SessionID)
	}
	return tw.Flush()
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
