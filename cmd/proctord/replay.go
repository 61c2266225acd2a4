package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"proctord/internal/replay"
)

var (
	flagReplayUser string
	flagReplayExam string
	flagReplayJSON bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <script>",
	Short: "Replay a scripted exam session offline",
	Long: `Replay a JSON-lines script of timed page events against a detector
built from the configured detector defaults. Time is simulated.

Each line is a message the exam page would send, plus an offset:

  {"at":"2s","type":"page.keydown","key":"Tab","alt":true}
  {"at":"3.5s","type":"page.visibility","hidden":true}
  {"at":"6s","type":"host.reset"}`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&flagReplayUser, "user", "replay-user", "User ID of the replayed session")
	replayCmd.Flags().StringVar(&flagReplayExam, "exam", "replay-exam", "Exam ID of the replayed session")
	replayCmd.Flags().BoolVar(&flagReplayJSON, "json", false, "Print the full result as JSON")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	steps, err := replay.ParseFile(args[0])
	if err != nil {
		return err
	}

	act := cfg.Activation(flagReplayUser, flagReplayExam)
	res, err := replay.Run(cmd.Context(), act, steps, replay.Options{
		Logger: cliLogger().WithComponent("replay").Logger,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flagReplayJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printReplay(out, res)
	return nil
}

func printReplay(w io.Writer, res *replay.Result) {
	fmt.Fprintf(w, "Replayed %d steps over %s (max %d violations, arming %s)\n\n",
		res.Steps, res.Duration, res.Activation.MaxViolations, res.Activation.ArmingDelay)

	origin := time.Time{}
	if len(res.Phases) > 0 {
		origin = res.Phases[0].At
	}
	offset := func(t time.Time) time.Duration { return t.Sub(origin) }

	for _, ev := range res.Events {
		fmt.Fprintf(w, "  %8s  #%d %-18s count=%d", offset(ev.OccurredAt), ev.Sequence, ev.Kind, ev.Count)
		if len(ev.Detail) > 0 {
			detail, _ := json.Marshal(ev.Detail)
			fmt.Fprintf(w, " %s", detail)
		}
		fmt.Fprintln(w)
	}
	for _, b := range res.Blocks {
		cause := "forced"
		if b.Cause.Event != nil {
			cause = string(b.Cause.Event.Kind)
		}
		fmt.Fprintf(w, "  %8s  BLOCKED at %d (%s)\n", offset(b.At), b.Count, cause)
	}

	fmt.Fprintf(w, "\nViolations: %d  Blocked: %t  Phase: %s  Suppressed inputs: %d\n",
		res.State.Count, res.State.Blocked, res.Phase, len(res.Suppressed))
}
