package events_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/modrelay/teamsync/internal/events"
)

func TestRecorderCollectsInOrder(t *testing.T) {
	rec := events.NewRecorder()
	rec.Report("clone", events.StatusRunning, "")
	rec.Report("clone", events.StatusSuccess, "done")

	got := rec.Events()
	want := []events.Event{
		{Phase: "clone", Status: events.StatusRunning},
		{Phase: "clone", Status: events.StatusSuccess, Detail: "done"},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(events.Event{}, "Time")); diff != "" {
		t.Errorf("unexpected events (-want +got):\n%s", diff)
	}
}

func TestRecorderReturnsCopy(t *testing.T) {
	rec := events.NewRecorder()
	rec.Report("status", events.StatusRunning, "")

	first := rec.Events()
	first[0].Phase = "mutated"

	if rec.Events()[0].Phase != "status" {
		t.Error("mutating the returned slice changed the recorder")
	}
}

func TestSummarize(t *testing.T) {
	in := []events.Event{
		{Phase: "clone", Status: events.StatusRunning},
		{Phase: "status", Status: events.StatusRunning},
		{Phase: "clone", Status: events.StatusSuccess},
		{Phase: "merge", Status: events.StatusWarning, Detail: "skipped"},
		{Phase: "status", Status: events.StatusSuccess},
	}
	want := []events.Event{
		{Phase: "clone", Status: events.StatusSuccess},
		{Phase: "status", Status: events.StatusSuccess},
		{Phase: "merge", Status: events.StatusWarning, Detail: "skipped"},
	}
	if diff := cmp.Diff(want, events.Summarize(in)); diff != "" {
		t.Errorf("unexpected summary (-want +got):\n%s", diff)
	}
}

func TestMultiFansOut(t *testing.T) {
	a := events.NewRecorder()
	b := events.NewRecorder()

	rep := events.Multi(a, b, events.NopReporter{})
	rep.Report("push", events.StatusSuccess, "")

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("expected one event per recorder, got %d and %d", len(a.Events()), len(b.Events()))
	}
}
