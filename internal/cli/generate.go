package cli

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Bastion/internal/admission"
	"github.com/SmitUplenchwar2687/Bastion/internal/config"
	"github.com/SmitUplenchwar2687/Bastion/internal/recorder"
)

// Traffic patterns understood by generateTraffic.
const (
	PatternSteady   = "steady"
	PatternBurst    = "burst"
	PatternRamp     = "ramp"
	PatternScraper  = "scraper"
	PatternStuffing = "stuffing"
)

func newGenerateCmd() *cobra.Command {
	var (
		output   string
		count    int
		keys     int
		duration time.Duration
		pattern  string
		seed     int64
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample traffic files and config",
		Long: `Generates sample data for testing and experimentation.

Use "generate traffic" to create a sample traffic JSON file.
Use "generate config" to create an example YAML or JSON config file.`,
	}

	trafficCmd := &cobra.Command{
		Use:   "traffic",
		Short: "Generate a sample traffic JSON file",
		Long: `Creates a realistic traffic file with configurable parameters.

Patterns:
  steady    Evenly distributed requests
  burst     Concentrated bursts with quiet periods
  ramp      Gradually increasing request rate
  scraper   One client with a bot user agent walking paths quickly
  stuffing  One IP failing logins against many accounts`,
		Example: `  bastion generate traffic --output traffic.json --count 100 --keys 5
  bastion generate traffic --output burst.json --count 200 --pattern burst --duration 10m
  bastion generate traffic --output attack.json --pattern stuffing --count 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keys < 1 {
				return fmt.Errorf("--keys must be at least 1")
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			rng := rand.New(rand.NewSource(seed))
			start := time.Now().Truncate(time.Second)

			records, err := generateTraffic(rng, start, count, keys, duration, pattern)
			if err != nil {
				return err
			}

			rec := recorder.New(nil, 0)
			for _, r := range records {
				if err := rec.Record(r); err != nil {
					return err
				}
			}
			if err := rec.ExportFile(output); err != nil {
				return fmt.Errorf("writing records: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Generated %d traffic records to %s\n", len(records), output)
			fmt.Fprintf(out, "  Keys:     %d\n", keys)
			fmt.Fprintf(out, "  Duration: %s\n", duration)
			fmt.Fprintf(out, "  Pattern:  %s\n", pattern)
			return nil
		},
	}

	trafficCmd.Flags().StringVar(&output, "output", "traffic.json", "output file path")
	trafficCmd.Flags().IntVar(&count, "count", 100, "number of records to generate")
	trafficCmd.Flags().IntVar(&keys, "keys", 3, "number of distinct users")
	trafficCmd.Flags().DurationVar(&duration, "duration", 5*time.Minute, "time span for generated traffic")
	trafficCmd.Flags().StringVar(&pattern, "pattern", PatternSteady, "traffic pattern (steady, burst, ramp, scraper, stuffing)")
	trafficCmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 = time based)")

	var configOutput string
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Generate an example config file",
		Example: `  bastion generate config --output bastion.yaml
  bastion generate config --output bastion.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteExample(configOutput); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated example config at %s\n", configOutput)
			return nil
		},
	}

	configCmd.Flags().StringVar(&configOutput, "output", "bastion.yaml", "output file path (.yaml, .yml or .json)")

	cmd.AddCommand(trafficCmd, configCmd)
	return cmd
}

var endpoints = []struct{ method, path string }{
	{http.MethodGet, "/api/users"},
	{http.MethodGet, "/api/data"},
	{http.MethodPost, "/api/events"},
	{http.MethodGet, "/api/search"},
	{http.MethodPut, "/api/settings"},
}

var browserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

func generateTraffic(rng *rand.Rand, start time.Time, count, numKeys int, duration time.Duration, pattern string) ([]recorder.TrafficRecord, error) {
	users := make([]string, numKeys)
	for i := range users {
		users[i] = fmt.Sprintf("user-%d", i+1)
	}

	switch pattern {
	case PatternSteady, "":
		return generateSteady(rng, start, count, users, duration), nil
	case PatternBurst:
		return generateBurst(rng, start, count, users, duration), nil
	case PatternRamp:
		return generateRamp(rng, start, count, users, duration), nil
	case PatternScraper:
		return generateScraper(start, count, duration), nil
	case PatternStuffing:
		return generateStuffing(start, count, users, duration), nil
	default:
		return nil, fmt.Errorf("unknown pattern %q (valid: steady, burst, ramp, scraper, stuffing)", pattern)
	}
}

// userRequest builds a request from one of users, each pinned to its own
// documentation-range IP.
func userRequest(rng *rand.Rand, users []string, seq int) (admission.Request, int) {
	i := rng.Intn(len(users))
	ep := endpoints[rng.Intn(len(endpoints))]
	return admission.Request{
		UserID:    users[i],
		IP:        fmt.Sprintf("198.51.100.%d", i%254+1),
		Method:    ep.method,
		Path:      ep.path,
		Query:     fmt.Sprintf("page=%d", seq),
		UserAgent: browserAgents[i%len(browserAgents)],
	}, http.StatusOK
}

func generateSteady(rng *rand.Rand, start time.Time, count int, users []string, dur time.Duration) []recorder.TrafficRecord {
	interval := dur / time.Duration(count)
	records := make([]recorder.TrafficRecord, count)
	for i := range records {
		req, status := userRequest(rng, users, i)
		records[i] = recorder.TrafficRecord{
			Timestamp: start.Add(time.Duration(i) * interval),
			Request:   req,
			Status:    status,
		}
	}
	return records
}

func generateBurst(rng *rand.Rand, start time.Time, count int, users []string, dur time.Duration) []recorder.TrafficRecord {
	records := make([]recorder.TrafficRecord, 0, count)
	numBursts := 4
	burstSize := count / numBursts
	burstGap := dur / time.Duration(numBursts)

	for b := 0; b < numBursts; b++ {
		burstStart := start.Add(time.Duration(b) * burstGap)
		for i := 0; i < burstSize; i++ {
			// Requests within a burst are very close together.
			offset := time.Duration(rng.Intn(1000)) * time.Millisecond
			req, status := userRequest(rng, users, len(records))
			records = append(records, recorder.TrafficRecord{
				Timestamp: burstStart.Add(offset),
				Request:   req,
				Status:    status,
			})
		}
	}

	// Fill remaining.
	for len(records) < count {
		req, status := userRequest(rng, users, len(records))
		records = append(records, recorder.TrafficRecord{
			Timestamp: start.Add(time.Duration(rng.Int63n(int64(dur) + 1))),
			Request:   req,
			Status:    status,
		})
	}

	return records
}

func generateRamp(rng *rand.Rand, start time.Time, count int, users []string, dur time.Duration) []recorder.TrafficRecord {
	records := make([]recorder.TrafficRecord, 0, count)
	// Quadratic spacing puts more requests towards the end.
	for i := 0; i < count; i++ {
		frac := float64(i) / float64(count)
		req, status := userRequest(rng, users, i)
		records = append(records, recorder.TrafficRecord{
			Timestamp: start.Add(time.Duration(frac * frac * float64(dur))),
			Request:   req,
			Status:    status,
		})
	}
	return records
}

// generateScraper emits anonymous requests from a single IP with a crawler
// user agent, walking distinct paths at a steady clip.
func generateScraper(start time.Time, count int, dur time.Duration) []recorder.TrafficRecord {
	interval := dur / time.Duration(count)
	records := make([]recorder.TrafficRecord, count)
	for i := range records {
		records[i] = recorder.TrafficRecord{
			Timestamp: start.Add(time.Duration(i) * interval),
			Request: admission.Request{
				IP:        "203.0.113.66",
				Method:    http.MethodGet,
				Path:      fmt.Sprintf("/api/products/%d", i+1),
				UserAgent: "python-requests/2.31",
			},
			Status: http.StatusOK,
		}
	}
	return records
}

// generateStuffing emits failed logins from one IP cycling through
// usernames.
func generateStuffing(start time.Time, count int, users []string, dur time.Duration) []recorder.TrafficRecord {
	interval := dur / time.Duration(count)
	records := make([]recorder.TrafficRecord, count)
	for i := range records {
		records[i] = recorder.TrafficRecord{
			Timestamp: start.Add(time.Duration(i) * interval),
			Request: admission.Request{
				IP:        "203.0.113.99",
				Method:    http.MethodPost,
				Path:      "/api/auth/login",
				Query:     "username=" + users[i%len(users)],
				UserAgent: browserAgents[0],
			},
			Status: http.StatusUnauthorized,
		}
	}
	return records
}
