package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/recorder"
	"github.com/SmitUplenchwar2687/Bastion/internal/replay"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

func newReplayCmd() *cobra.Command {
	var (
		file        string
		speed       float64
		identifiers []string
		endpoints   []string
		adaptive    bool
		noAbuse     bool
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded traffic through the admission pipeline",
		Long: `Replays previously recorded traffic through a full admission pipeline
(policy, abuse detectors, trust and quotas) built from the config.

Records are replayed in timestamp order against an in-memory store. The
virtual clock advances to match the time gaps between records, so quotas,
blocks and detector windows behave exactly as they would in production,
at any speed you choose. Recorded response statuses are fed back, so
violation and credential stuffing detection see the same signals.

Speed: 0 = instant, 1 = real-time, 10 = 10x, 100 = 100x`,
		Example: `  bastion replay --file traffic.json
  bastion replay --file traffic.ndjson --config strict.yaml
  bastion replay --file traffic.json --ids user-1,203.0.113.5 --endpoints /api/auth
  bastion replay --file traffic.json --speed 0 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("adaptive") {
				cfg.Trust.Adaptive = adaptive
				if adaptive {
					cfg.Trust.Enabled = true
				}
			}
			if noAbuse {
				cfg.Abuse.Enabled = false
			}
			// Replay never touches shared state.
			cfg.Storage.Backend = store.BackendMemory

			records, err := recorder.LoadFile(file)
			if err != nil {
				return fmt.Errorf("loading records: %w", err)
			}

			vc := clock.NewVirtualClock(replayStart(records))
			s, err := openStore(cfg.Storage, vc)
			if err != nil {
				return err
			}
			comp, err := buildComponents(cfg, s, vc, nil)
			if err != nil {
				s.Close()
				return err
			}
			defer comp.Close()

			r := replay.New(comp.Pipeline, vc, speed, replay.Filter{
				Identifiers: identifiers,
				Endpoints:   endpoints,
			})
			r.LoadRecords(records)

			out := cmd.OutOrStdout()
			if !outputJSON {
				fmt.Fprintf(out, "Replaying %s at %.0fx speed...\n\n", file, speed)
			}

			var results []replay.Result
			summary, err := r.Run(cmd.Context(), func(res replay.Result) {
				if outputJSON {
					results = append(results, res)
					return
				}
				v := res.Verdict
				line := fmt.Sprintf("  [%-9s] %s key=%s %s",
					v.Outcome,
					res.Time.Format("15:04:05"),
					v.Key,
					res.Record.Endpoint())
				if v.Decision != nil {
					line += fmt.Sprintf(" remaining=%d/%d", v.Decision.Remaining, v.Decision.Limit)
				}
				if v.Detector != "" {
					line += " detector=" + v.Detector
				}
				fmt.Fprintln(out, line)
			})
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"results": results,
					"summary": summary,
				})
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, "--- Replay Summary ---")
			fmt.Fprintf(out, "  Total records:  %d\n", summary.TotalRecords)
			fmt.Fprintf(out, "  Filtered:       %d\n", summary.Filtered)
			fmt.Fprintf(out, "  Replayed:       %d\n", summary.Replayed)
			fmt.Fprintf(out, "  Allowed:        %d\n", summary.Allowed)
			fmt.Fprintf(out, "  Limited (429):  %d\n", summary.Limited)
			fmt.Fprintf(out, "  Forbidden:      %d\n", summary.Forbidden)
			fmt.Fprintf(out, "  New blocks:     %d\n", summary.NewBlocks)
			fmt.Fprintf(out, "  Virtual time:   %s\n", summary.Duration)
			fmt.Fprintf(out, "  Wall time:      %s\n", summary.WallDuration.Round(time.Millisecond))

			if len(summary.PerKey) > 1 {
				keys := make([]string, 0, len(summary.PerKey))
				for k := range summary.PerKey {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintln(out)
				fmt.Fprintln(out, "  Per key:")
				for _, k := range keys {
					ks := summary.PerKey[k]
					fmt.Fprintf(out, "    %s: %d allowed, %d limited, %d forbidden\n", k, ks.Allowed, ks.Limited, ks.Forbidden)
				}
			}

			if rejected := summary.Limited + summary.Forbidden; rejected > 0 && summary.Replayed > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, strings.Repeat("=", 50))
				rate := float64(rejected) / float64(summary.Replayed) * 100
				fmt.Fprintf(out, "Rejection rate: %.1f%% (%d/%d requests)\n", rate, rejected, summary.Replayed)
				fmt.Fprintln(out, strings.Repeat("=", 50))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to recorded traffic (JSON array or NDJSON, required)")
	cmd.Flags().Float64Var(&speed, "speed", 0, "replay speed (0=instant, 1=real-time, 10=10x)")
	cmd.Flags().StringSliceVar(&identifiers, "ids", nil, "filter by user ids, API keys or IPs (comma-separated)")
	cmd.Flags().StringSliceVar(&endpoints, "endpoints", nil, "filter by endpoints (comma-separated)")
	cmd.Flags().BoolVar(&adaptive, "adaptive", false, "scale quotas by trust score")
	cmd.Flags().BoolVar(&noAbuse, "no-abuse", false, "disable the abuse detectors")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

// replayStart is the earliest record timestamp, or now for no records.
func replayStart(records []recorder.TrafficRecord) time.Time {
	if len(records) == 0 {
		return time.Now().Truncate(time.Second)
	}
	start := records[0].Timestamp
	for _, r := range records[1:] {
		if r.Timestamp.Before(start) {
			start = r.Timestamp
		}
	}
	return start
}
