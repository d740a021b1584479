package config

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Bastion/pkg/admission"
	"github.com/SmitUplenchwar2687/Bastion/pkg/clock"
)

func TestDefaultBuildsPipeline(t *testing.T) {
	cfg := Default()
	vc := clock.NewVirtualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	s, err := cfg.Storage.OpenStore(vc)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	st, err := cfg.Build(s, vc, nil, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer st.Close()

	v := st.Pipeline.Check(context.Background(), admission.Request{IP: "198.51.100.7", Method: http.MethodGet, Path: "/api/data"})
	defer v.Release()
	if !v.Allowed || v.Outcome != admission.OutcomeAllowed {
		t.Fatalf("Check() = %+v, want allowed", v)
	}
}
