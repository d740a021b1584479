package recorder

import (
	"io"

	internalrecorder "github.com/SmitUplenchwar2687/Bastion/internal/recorder"
)

// Recorder captures traffic records.
type Recorder = internalrecorder.Recorder

// TrafficRecord is a single captured request and its response status.
type TrafficRecord = internalrecorder.TrafficRecord

// New creates a Recorder that also streams NDJSON to w when non-nil.
func New(w io.Writer, max int) *Recorder {
	return internalrecorder.New(w, max)
}

// LoadFile reads traffic records from a JSON array or NDJSON file.
func LoadFile(path string) ([]TrafficRecord, error) {
	return internalrecorder.LoadFile(path)
}
