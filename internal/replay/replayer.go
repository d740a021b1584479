// Package replay runs recorded traffic through an admission pipeline on a
// virtual clock, so policy changes can be evaluated against real traffic
// without waiting for it.
package replay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/SmitUplenchwar2687/Bastion/internal/admission"
	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/recorder"
)

// Replayer replays recorded traffic at a configurable speed.
type Replayer struct {
	records  []recorder.TrafficRecord
	pipeline *admission.Pipeline
	clock    *clock.VirtualClock
	filter   Filter
	speed    float64 // 1.0 = real-time, 10.0 = 10x, 0 = instant
}

// Result is the outcome of replaying a single record.
type Result struct {
	Record  recorder.TrafficRecord `json:"record"`
	Verdict *admission.Verdict     `json:"verdict"`
	Time    time.Time              `json:"time"` // virtual time of the verdict
}

// Summary aggregates replay statistics.
type Summary struct {
	TotalRecords int                   `json:"total_records"`
	Filtered     int                   `json:"filtered"` // records that passed the filter
	Replayed     int                   `json:"replayed"`
	Allowed      int                   `json:"allowed"`
	Limited      int                   `json:"limited"`
	Forbidden    int                   `json:"forbidden"`
	NewBlocks    int                   `json:"new_blocks"`
	Duration     time.Duration         `json:"duration"`      // virtual time span
	WallDuration time.Duration         `json:"wall_duration"` // actual wall clock time
	PerKey       map[string]KeySummary `json:"per_key"`
}

// KeySummary has per-identity stats.
type KeySummary struct {
	Allowed   int `json:"allowed"`
	Limited   int `json:"limited"`
	Forbidden int `json:"forbidden"`
}

// New creates a Replayer. p must run on vc.
func New(p *admission.Pipeline, vc *clock.VirtualClock, speed float64, filter Filter) *Replayer {
	if speed < 0 {
		speed = 0
	}
	return &Replayer{
		pipeline: p,
		clock:    vc,
		speed:    speed,
		filter:   filter,
	}
}

// Load reads traffic records from r.
func (r *Replayer) Load(reader io.Reader) error {
	records, err := recorder.LoadJSON(reader)
	if err != nil {
		return fmt.Errorf("loading records: %w", err)
	}
	r.records = records
	return nil
}

// LoadRecords sets the records directly.
func (r *Replayer) LoadRecords(records []recorder.TrafficRecord) {
	r.records = make([]recorder.TrafficRecord, len(records))
	copy(r.records, records)
}

// Run replays the loaded records in timestamp order. The virtual clock is
// advanced by the gap between consecutive records. Rejections and recorded
// response statuses are fed back through the pipeline's observer, so
// violation and credential stuffing detectors see the same signals they
// would live. cb, if non-nil, receives every result.
func (r *Replayer) Run(ctx context.Context, cb func(Result)) (*Summary, error) {
	if len(r.records) == 0 {
		return nil, fmt.Errorf("no records loaded")
	}

	sorted := make([]recorder.TrafficRecord, len(r.records))
	copy(sorted, r.records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var filtered []recorder.TrafficRecord
	for _, rec := range sorted {
		if r.filter.Match(rec) {
			filtered = append(filtered, rec)
		}
	}

	summary := &Summary{
		TotalRecords: len(sorted),
		Filtered:     len(filtered),
		PerKey:       make(map[string]KeySummary),
	}
	if len(filtered) == 0 {
		return summary, nil
	}

	wallStart := time.Now()
	for i, rec := range filtered {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		if i > 0 {
			if gap := rec.Timestamp.Sub(filtered[i-1].Timestamp); gap > 0 {
				if err := r.wait(ctx, gap); err != nil {
					return summary, err
				}
				r.clock.Advance(gap)
			}
		}

		v := r.pipeline.Check(ctx, rec.Request)
		r.observe(ctx, rec, v)
		v.Release()

		summary.add(v)
		if cb != nil {
			cb(Result{Record: rec, Verdict: v, Time: r.clock.Now()})
		}
	}

	summary.Duration = filtered[len(filtered)-1].Timestamp.Sub(filtered[0].Timestamp)
	summary.WallDuration = time.Since(wallStart)
	return summary, nil
}

// wait sleeps for the scaled gap when replaying at a finite speed.
func (r *Replayer) wait(ctx context.Context, gap time.Duration) error {
	if r.speed <= 0 {
		return nil
	}
	scaled := time.Duration(float64(gap) / r.speed)
	if scaled <= time.Millisecond {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(scaled):
		return nil
	}
}

func (r *Replayer) observe(ctx context.Context, rec recorder.TrafficRecord, v *admission.Verdict) {
	switch {
	case v.Status == http.StatusTooManyRequests:
		r.pipeline.Observe(ctx, rec.Request, v.Status)
	case v.Allowed && rec.Status != 0:
		r.pipeline.Observe(ctx, rec.Request, rec.Status)
	}
}

func (s *Summary) add(v *admission.Verdict) {
	s.Replayed++
	ks := s.PerKey[v.Key.String()]
	switch {
	case v.Allowed:
		s.Allowed++
		ks.Allowed++
	case v.Status == http.StatusTooManyRequests:
		s.Limited++
		ks.Limited++
	default:
		s.Forbidden++
		ks.Forbidden++
	}
	if v.Blocked {
		s.NewBlocks++
	}
	s.PerKey[v.Key.String()] = ks
}
