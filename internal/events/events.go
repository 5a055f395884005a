// Package events is the structured progress channel between the sync engine
// and the surrounding application. Reporters are append-only; consumers that
// only want the latest status per phase use Summarize.
package events

import (
	"sync"
	"time"

	"github.com/modrelay/teamsync/internal/logging"
)

// Status is the outcome of a reported step.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Event is one reported step.
type Event struct {
	Phase  string    `json:"phase"`
	Status Status    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Reporter is the sink interface passed down through the call chain.
type Reporter interface {
	Report(phase string, status Status, detail string)
}

// Recorder collects events in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Report(phase string, status Status, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Phase: phase, Status: status, Detail: detail, Time: time.Now()})
}

// Events returns a copy of everything reported so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Summarize reduces an event stream to the latest event per phase, in the
// order phases first appeared.
func Summarize(events []Event) []Event {
	index := make(map[string]int)
	var out []Event
	for _, e := range events {
		if i, ok := index[e.Phase]; ok {
			out[i] = e
			continue
		}
		index[e.Phase] = len(out)
		out = append(out, e)
	}
	return out
}

// NopReporter discards events.
type NopReporter struct{}

func (NopReporter) Report(string, Status, string) {}

// LogReporter forwards events to the engine log.
type LogReporter struct {
	Log *logging.Logger
}

func (r LogReporter) Report(phase string, status Status, detail string) {
	switch status {
	case StatusError:
		r.Log.Errorf("%s: %s", phase, detail)
	case StatusWarning:
		r.Log.Warnf("%s: %s", phase, detail)
	default:
		r.Log.Debugf("%s: %s", phase, detail)
	}
}

// Multi fans each event out to all reporters.
func Multi(reporters ...Reporter) Reporter {
	return multiReporter(reporters)
}

type multiReporter []Reporter

func (m multiReporter) Report(phase string, status Status, detail string) {
	for _, r := range m {
		r.Report(phase, status, detail)
	}
}
