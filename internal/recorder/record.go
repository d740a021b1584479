package recorder

import (
	"time"

	"github.com/SmitUplenchwar2687/Bastion/internal/admission"
)

// TrafficRecord is a single captured request and the status it was answered
// with.
type TrafficRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Request   admission.Request `json:"request"`
	// Status is the response status; 0 when unknown.
	Status int `json:"status,omitempty"`
}

// Endpoint renders the request line, e.g. "GET /api/users".
func (r TrafficRecord) Endpoint() string {
	if r.Request.Method == "" {
		return r.Request.Path
	}
	return r.Request.Method + " " + r.Request.Path
}

// Event kinds streamed to live subscribers.
const (
	EventAdmission = "admission"
	EventBlock     = "block"
	EventUnblock   = "unblock"
)

// Event is a live or replayed occurrence: an admission verdict or a change
// to the block registry.
type Event struct {
	Kind    string             `json:"kind"`
	Time    time.Time          `json:"time"`
	Record  *TrafficRecord     `json:"record,omitempty"`
	Verdict *admission.Verdict `json:"verdict,omitempty"`
	// Identifier and Reason describe block registry changes.
	Identifier string `json:"identifier,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AdmissionEvent pairs a record with the verdict it produced.
func AdmissionEvent(rec TrafficRecord, v *admission.Verdict, now time.Time) *Event {
	return &Event{Kind: EventAdmission, Time: now, Record: &rec, Verdict: v}
}
