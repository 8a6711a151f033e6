// Package telemetry records per-invocation execution events to the feature's
// execution log for diagnostics and reporting.
package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/speckitty/speckitty/internal/feature"
	"github.com/speckitty/speckitty/internal/log"
)

// Outcomes of one agent invocation.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ExecutionEvent is one line in execution.events.jsonl.
type ExecutionEvent struct {
	FeatureSlug string    `json:"feature_slug"`
	WPID        string    `json:"wp_id"`
	Role        string    `json:"role"`
	Agent       string    `json:"agent"`
	Outcome     string    `json:"outcome"`
	DurationMS  int64     `json:"duration_ms"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

// Recorder appends execution events for one feature. Recording is best
// effort: a write failure is logged, never surfaced.
type Recorder struct {
	feat *feature.Feature
}

// NewRecorder builds a recorder for the feature.
func NewRecorder(f *feature.Feature) *Recorder {
	return &Recorder{feat: f}
}

// Record appends one event.
func (r *Recorder) Record(ev ExecutionEvent) {
	ev.FeatureSlug = r.feat.Slug
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		log.ErrorErr(log.CatSched, "Encoding execution event failed", err, "wp", ev.WPID)
		return
	}
	path := r.feat.Path(feature.ExecutionFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304
	if err != nil {
		log.ErrorErr(log.CatSched, "Opening execution log failed", err, "path", path)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.ErrorErr(log.CatSched, "Writing execution event failed", err, "path", path)
	}
}

// Read returns all parseable execution events, skipping corrupt lines.
func (r *Recorder) Read() ([]ExecutionEvent, error) {
	f, err := os.Open(r.feat.Path(feature.ExecutionFile)) //nolint:gosec // G304
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening execution log: %w", err)
	}
	defer f.Close()

	var events []ExecutionEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev ExecutionEvent
		if json.Unmarshal(scanner.Bytes(), &ev) != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
