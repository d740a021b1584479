package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Bastion/internal/abuse"
	"github.com/SmitUplenchwar2687/Bastion/internal/admission"
	"github.com/SmitUplenchwar2687/Bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/Bastion/internal/policy"
	"github.com/SmitUplenchwar2687/Bastion/internal/recorder"
	"github.com/SmitUplenchwar2687/Bastion/internal/store/storetest"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, perMinute int, withAbuse bool) (*admission.Pipeline, *clock.VirtualClock) {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	s := storetest.NewMemory(t, vc)

	lim, err := limiter.NewEngine(s, vc, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	blocks := blocklist.New(s, vc, nil)

	cfg := policy.DefaultConfig()
	cfg.Tiers = map[policy.Tier]policy.TierLimits{policy.TierFree: {PerMinute: perMinute}}
	resolver, err := policy.NewResolver(cfg, blocks, nil)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	opts := admission.Options{Resolver: resolver, Limiter: lim}
	if withAbuse {
		det, err := abuse.New(s, vc, lim, blocks, nil, abuse.Config{})
		if err != nil {
			t.Fatalf("abuse.New() error = %v", err)
		}
		opts.Abuse = det
	}
	p, err := admission.New(opts)
	if err != nil {
		t.Fatalf("admission.New() error = %v", err)
	}
	return p, vc
}

func makeRecords(count int, user string, interval time.Duration) []recorder.TrafficRecord {
	records := make([]recorder.TrafficRecord, count)
	for i := range records {
		records[i] = recorder.TrafficRecord{
			Timestamp: epoch.Add(time.Duration(i) * interval),
			Request:   admission.Request{UserID: user, Method: "GET", Path: "/api/data"},
		}
	}
	return records
}

func TestReplayer_BasicReplay(t *testing.T) {
	p, vc := newPipeline(t, 5, false)
	r := New(p, vc, 0, Filter{})
	r.LoadRecords(makeRecords(10, "user1", time.Second))

	var results []Result
	summary, err := r.Run(context.Background(), func(res Result) {
		results = append(results, res)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Replayed != 10 {
		t.Errorf("Replayed = %d, want 10", summary.Replayed)
	}
	if summary.Allowed != 5 {
		t.Errorf("Allowed = %d, want 5", summary.Allowed)
	}
	if summary.Limited != 5 {
		t.Errorf("Limited = %d, want 5", summary.Limited)
	}
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	if !results[9].Time.Equal(epoch.Add(9 * time.Second)) {
		t.Errorf("last result time = %v, want %v", results[9].Time, epoch.Add(9*time.Second))
	}
	if summary.Duration != 9*time.Second {
		t.Errorf("Duration = %v, want 9s", summary.Duration)
	}
}

func TestReplayer_AdvancesClock(t *testing.T) {
	p, vc := newPipeline(t, 5, false)

	// The second batch starts after the first window has reset.
	records := append(
		makeRecords(5, "user1", time.Second),
		makeRecords(5, "user1", time.Second)...,
	)
	for i := 5; i < 10; i++ {
		records[i].Timestamp = epoch.Add(61*time.Second + time.Duration(i-5)*time.Second)
	}

	r := New(p, vc, 0, Filter{})
	r.LoadRecords(records)

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Allowed != 10 {
		t.Errorf("Allowed = %d, want 10 (clock should advance between batches)", summary.Allowed)
	}
}

func TestReplayer_Filter_Identifiers(t *testing.T) {
	p, vc := newPipeline(t, 100, false)
	records := append(
		makeRecords(5, "user1", time.Second),
		makeRecords(5, "user2", time.Second)...,
	)

	r := New(p, vc, 0, Filter{Identifiers: []string{"user1"}})
	r.LoadRecords(records)

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Filtered != 5 || summary.Replayed != 5 {
		t.Errorf("Filtered = %d, Replayed = %d, want 5/5", summary.Filtered, summary.Replayed)
	}
}

func TestReplayer_Filter_NoMatch(t *testing.T) {
	p, vc := newPipeline(t, 100, false)
	r := New(p, vc, 0, Filter{Endpoints: []string{"/nowhere"}})
	r.LoadRecords(makeRecords(3, "user1", time.Second))

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.TotalRecords != 3 || summary.Replayed != 0 {
		t.Errorf("summary = %+v, want 3 total and none replayed", summary)
	}
}

func TestReplayer_Load_FromJSON(t *testing.T) {
	p, vc := newPipeline(t, 100, false)

	data, err := json.Marshal(makeRecords(3, "user1", time.Second))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	r := New(p, vc, 0, Filter{})
	if err := r.Load(bytes.NewReader(data)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Replayed != 3 {
		t.Errorf("Replayed = %d, want 3", summary.Replayed)
	}
}

func TestReplayer_EmptyRecords(t *testing.T) {
	p, vc := newPipeline(t, 10, false)
	r := New(p, vc, 0, Filter{})

	if _, err := r.Run(context.Background(), nil); err == nil {
		t.Error("expected error for empty records")
	}
}

func TestReplayer_ContextCancellation(t *testing.T) {
	p, vc := newPipeline(t, 100, false)
	r := New(p, vc, 0, Filter{})
	r.LoadRecords(makeRecords(1000, "user1", time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	summary, err := r.Run(ctx, func(res Result) {
		count++
		if count >= 5 {
			cancel()
		}
	})

	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if summary.Replayed < 5 {
		t.Errorf("should have replayed at least 5, got %d", summary.Replayed)
	}
}

func TestReplayer_PerKeySummary(t *testing.T) {
	p, vc := newPipeline(t, 3, false)
	records := append(
		makeRecords(5, "user1", time.Second),
		makeRecords(5, "user2", time.Second)...,
	)

	r := New(p, vc, 0, Filter{})
	r.LoadRecords(records)

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, user := range []string{"user1", "user2"} {
		ks := summary.PerKey["user:"+user]
		if ks.Allowed != 3 || ks.Limited != 2 {
			t.Errorf("%s: allowed=%d limited=%d, want 3/2", user, ks.Allowed, ks.Limited)
		}
	}
}

func TestReplayer_SortsRecords(t *testing.T) {
	p, vc := newPipeline(t, 100, false)
	req := func(path string) admission.Request {
		return admission.Request{UserID: "u1", Method: "GET", Path: path}
	}
	records := []recorder.TrafficRecord{
		{Timestamp: epoch.Add(2 * time.Second), Request: req("/c")},
		{Timestamp: epoch, Request: req("/a")},
		{Timestamp: epoch.Add(time.Second), Request: req("/b")},
	}

	r := New(p, vc, 0, Filter{})
	r.LoadRecords(records)

	var order []string
	if _, err := r.Run(context.Background(), func(res Result) {
		order = append(order, res.Record.Endpoint())
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(order) != 3 || order[0] != "GET /a" || order[1] != "GET /b" || order[2] != "GET /c" {
		t.Errorf("records not sorted, got %v", order)
	}
}

func TestReplayer_DetectsCredentialStuffing(t *testing.T) {
	p, vc := newPipeline(t, 100, true)

	var records []recorder.TrafficRecord
	for i := 0; i < 12; i++ {
		records = append(records, recorder.TrafficRecord{
			Timestamp: epoch.Add(time.Duration(i) * 2 * time.Second),
			Request:   admission.Request{IP: "192.0.2.44", Method: "POST", Path: "/api/auth/login", Query: fmt.Sprintf("attempt=%d", i)},
			Status:    http.StatusUnauthorized,
		})
	}

	r := New(p, vc, 0, Filter{})
	r.LoadRecords(records)

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Allowed != 10 || summary.Forbidden != 2 {
		t.Errorf("allowed=%d forbidden=%d, want 10/2", summary.Allowed, summary.Forbidden)
	}
}
