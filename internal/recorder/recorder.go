// Package recorder captures admitted traffic for later replay.
package recorder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Recorder captures traffic records. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	records []TrafficRecord
	writer  io.Writer
	max     int
}

// New creates a Recorder. If w is non-nil, records are also written to it
// as newline-delimited JSON as they arrive. max bounds the records kept in
// memory; zero keeps all of them.
func New(w io.Writer, max int) *Recorder {
	return &Recorder{writer: w, max: max}
}

// Record captures rec. When the in-memory buffer is full the oldest record
// is dropped; the stream still receives every record.
func (r *Recorder) Record(rec TrafficRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.records) >= r.max {
		r.records = append(r.records[:0], r.records[1:]...)
	}
	r.records = append(r.records, rec)

	if r.writer != nil {
		if err := json.NewEncoder(r.writer).Encode(rec); err != nil {
			return fmt.Errorf("stream record: %w", err)
		}
	}
	return nil
}

// Records returns a copy of the buffered records.
func (r *Recorder) Records() []TrafficRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TrafficRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of buffered records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// ExportJSON writes the buffered records as a JSON array.
func (r *Recorder) ExportJSON(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.records)
}

// ExportFile writes the buffered records to path as a JSON array.
func (r *Recorder) ExportFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.ExportJSON(f)
}

// LoadJSON reads traffic records from a JSON array or from
// newline-delimited JSON, as written by a streaming Recorder.
func LoadJSON(r io.Reader) ([]TrafficRecord, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if first == '[' {
		var records []TrafficRecord
		if err := json.NewDecoder(br).Decode(&records); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
		return records, nil
	}

	var records []TrafficRecord
	dec := json.NewDecoder(br)
	for {
		var rec TrafficRecord
		err := dec.Decode(&rec)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
}

// LoadFile reads traffic records from path.
func LoadFile(path string) ([]TrafficRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadJSON(f)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}
