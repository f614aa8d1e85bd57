package callrecord

import (
	"errors"
	"testing"
	"time"
)

func TestRecordTransition(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		from     Status
		to       Status
		wantErr  bool
		changed  bool
		started  bool
		finished bool
	}{
		{name: "ringing to accepted", from: StatusRinging, to: StatusAccepted, changed: true, started: true},
		{name: "ringing to rejected", from: StatusRinging, to: StatusRejected, changed: true, finished: true},
		{name: "ringing to ended", from: StatusRinging, to: StatusEnded, changed: true, finished: true},
		{name: "accepted to ended", from: StatusAccepted, to: StatusEnded, changed: true, finished: true},
		{name: "accepted to rejected", from: StatusAccepted, to: StatusRejected, wantErr: true},
		{name: "ended to accepted", from: StatusEnded, to: StatusAccepted, wantErr: true},
		{name: "rejected to ended", from: StatusRejected, to: StatusEnded, wantErr: true},
		{name: "ended twice", from: StatusEnded, to: StatusEnded},
		{name: "rejected twice", from: StatusRejected, to: StatusRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Record{ID: "c1", CallerID: "a", ReceiverID: "b", Status: tc.from}
			next, changed, err := r.Transition(tc.to, now)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("err=%v, want %v", err, ErrInvalidTransition)
				}
				if next.Status != tc.from {
					t.Fatalf("status=%q, want unchanged %q", next.Status, tc.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if changed != tc.changed {
				t.Fatalf("changed=%v, want %v", changed, tc.changed)
			}
			if next.Status != tc.to {
				t.Fatalf("status=%q, want %q", next.Status, tc.to)
			}
			if (next.StartedAt != nil) != tc.started {
				t.Fatalf("startedAt=%v, want set=%v", next.StartedAt, tc.started)
			}
			if (next.EndedAt != nil) != tc.finished {
				t.Fatalf("endedAt=%v, want set=%v", next.EndedAt, tc.finished)
			}
			if tc.finished && !next.EndedAt.Equal(now) {
				t.Fatalf("endedAt=%v, want %v", next.EndedAt, now)
			}
		})
	}
}

func TestRecordTransition_AcceptedThenEndedKeepsStartedAt(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Record{ID: "c1", CallerID: "a", ReceiverID: "b", Status: StatusRinging}

	r, _, err := r.Transition(StatusAccepted, t0)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	r, _, err = r.Transition(StatusEnded, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if r.StartedAt == nil || !r.StartedAt.Equal(t0) {
		t.Fatalf("startedAt=%v, want %v", r.StartedAt, t0)
	}
	if r.EndedAt == nil || !r.EndedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("endedAt=%v, want %v", r.EndedAt, t0.Add(time.Minute))
	}
}

func TestRecordCheckActor(t *testing.T) {
	r := Record{CallerID: "a", ReceiverID: "b", Status: StatusRinging}

	if err := r.CheckActor("a", StatusAccepted); !errors.Is(err, ErrForbidden) {
		t.Fatalf("caller accept err=%v, want %v", err, ErrForbidden)
	}
	if err := r.CheckActor("b", StatusAccepted); err != nil {
		t.Fatalf("receiver accept err=%v", err)
	}
	if err := r.CheckActor("a", StatusRejected); err != nil {
		t.Fatalf("caller cancel err=%v", err)
	}
	if err := r.CheckActor("mallory", StatusEnded); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger err=%v, want %v", err, ErrForbidden)
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("ringing"); err == nil {
		t.Fatalf("expected ringing to be rejected")
	}
	got, err := ParseStatus(" Ended ")
	if err != nil || got != StatusEnded {
		t.Fatalf("ParseStatus=%q, %v; want %q", got, err, StatusEnded)
	}
}
