// Package events defines the pipeline notification payloads published on
// run milestones.
package events

import (
	"fmt"
	"time"
)

// Stages emitted over one pipeline run.
const (
	StageRunStart      = "RUN_START"
	StageSourceScraped = "SOURCE_SCRAPED"
	StageRunDone       = "RUN_DONE"
)

// Event is one pipeline milestone notification.
type Event struct {
	RunID    string        `json:"run_id"`
	Stage    string        `json:"stage"`
	Source   string        `json:"source,omitempty"`
	Articles int           `json:"articles,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Note     string        `json:"note,omitempty"`
	TS       time.Time     `json:"ts"`
}

// Validate checks the event is publishable.
func (e Event) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("event run_id is required")
	}
	switch e.Stage {
	case StageRunStart, StageSourceScraped, StageRunDone:
	default:
		return fmt.Errorf("unknown event stage %q", e.Stage)
	}
	if e.TS.IsZero() {
		return fmt.Errorf("event ts is required")
	}
	return nil
}
