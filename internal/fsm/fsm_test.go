package fsm

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

var allKinds = []domain.EventKind{
	domain.EventCreated,
	domain.EventDispatched,
	domain.EventAck,
	domain.EventNack,
	domain.EventTimeout,
	domain.EventRequeue,
	domain.EventArchive,
	domain.EventCancel,
	domain.EventForceFail,
	domain.EventResolve,
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicy(max int) domain.RetryPolicy {
	return domain.RetryPolicy{MaxAttempts: max, AckTimeout: time.Second}
}

func newInstance() domain.Instance {
	return domain.Instance{ID: "i-1", DefinitionID: "d-1", ClusterID: "c-1", PayloadRef: "blob://1"}
}

// TestTable_Exhaustive pins every (state, kind) pair so that any change to the
// transition table shows up here.
func TestTable_Exhaustive(t *testing.T) {
	want := map[domain.State][]domain.EventKind{
		"":                          {domain.EventCreated},
		domain.StateQueued:          {domain.EventDispatched, domain.EventCancel, domain.EventForceFail},
		domain.StateInProgress:      {domain.EventAck, domain.EventNack, domain.EventTimeout, domain.EventForceFail},
		domain.StateFailedRetryable: {domain.EventRequeue, domain.EventCancel, domain.EventForceFail},
		domain.StateConfirmed:       {domain.EventArchive},
		domain.StateInDoubt:         {domain.EventResolve},
		domain.StateArchivedSuccess: nil,
		domain.StateArchivedFailed:  nil,
	}

	states := append([]domain.State{""}, domain.States...)
	for _, from := range states {
		allowed := make(map[domain.EventKind]bool)
		for _, k := range want[from] {
			allowed[k] = true
		}
		for _, kind := range allKinds {
			t.Run(fmt.Sprintf("%s/%s", from, kind), func(t *testing.T) {
				if got := Allowed(from, kind); got != allowed[kind] {
					t.Errorf("Allowed(%q, %q) = %v, want %v", from, kind, got, allowed[kind])
				}
			})
		}
	}
}

func TestApply_TerminalRejectsEverything(t *testing.T) {
	for _, st := range []domain.State{domain.StateArchivedSuccess, domain.StateArchivedFailed} {
		inst := newInstance()
		inst.State = st
		inst.Seq = 5
		inst.UpdatedAt = t0

		for _, kind := range allKinds {
			_, err := Apply(inst, domain.Event{Kind: kind, At: t0.Add(time.Second), Retryable: true, Resolution: domain.ResolutionSuccess}, testPolicy(3))
			if err == nil {
				t.Fatalf("%s: %s should be rejected", st, kind)
			}
			var te *domain.TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("%s: %s: expected TransitionError, got %T", st, kind, err)
			}
			if te.From != st || te.Kind != kind || te.InstanceID != inst.ID {
				t.Errorf("TransitionError context = %+v", te)
			}
		}
	}
}

func TestApply_ResolveOutsideInDoubt(t *testing.T) {
	for _, st := range []domain.State{domain.StateQueued, domain.StateInProgress, domain.StateArchivedSuccess} {
		inst := newInstance()
		inst.State = st
		_, err := Apply(inst, domain.Event{Kind: domain.EventResolve, Resolution: domain.ResolutionSuccess, At: t0}, testPolicy(1))
		if !errors.Is(err, domain.ErrNotInDoubt) {
			t.Errorf("resolve from %s: got %v, want ErrNotInDoubt", st, err)
		}
	}
}

func TestApply_InDoubtIgnoresAutomaticEvents(t *testing.T) {
	inst := newInstance()
	inst.State = domain.StateInDoubt

	for _, kind := range []domain.EventKind{domain.EventAck, domain.EventNack, domain.EventTimeout, domain.EventForceFail, domain.EventCancel} {
		_, err := Apply(inst, domain.Event{Kind: kind, At: t0, Retryable: true}, testPolicy(3))
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("%s on IN_DOUBT: got %v, want ErrInvalidTransition", kind, err)
		}
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	inst := newInstance()
	inst.State = domain.StateQueued
	inst.Seq = 1
	inst.UpdatedAt = t0

	before := inst
	if _, err := Apply(inst, domain.Event{Kind: domain.EventDispatched, At: t0.Add(time.Second)}, testPolicy(2)); err != nil {
		t.Fatal(err)
	}
	if inst != before {
		t.Error("Apply modified its input")
	}
}

// run applies kinds in order, failing the test on the first error.
func run(t *testing.T, policy domain.RetryPolicy, steps ...domain.Event) (domain.Instance, []domain.Event, []bool) {
	t.Helper()
	inst := newInstance()
	var events []domain.Event
	var exhausted []bool
	at := t0
	for _, ev := range steps {
		if ev.At.IsZero() {
			ev.At = at
		}
		res, err := Apply(inst, ev, policy)
		if err != nil {
			t.Fatalf("apply %s from %s: %v", ev.Kind, inst.State, err)
		}
		inst = res.Instance
		events = append(events, res.Event)
		exhausted = append(exhausted, res.Exhausted)
		at = at.Add(time.Second)
	}
	return inst, events, exhausted
}

func states(events []domain.Event) []domain.State {
	out := []domain.State{events[0].To}
	for _, ev := range events[1:] {
		out = append(out, ev.To)
	}
	return out
}

func TestScenario_RetryThenExhaust(t *testing.T) {
	inst, events, exhausted := run(t, testPolicy(2),
		domain.Event{Kind: domain.EventCreated},
		domain.Event{Kind: domain.EventDispatched},
		domain.Event{Kind: domain.EventNack, Retryable: true},
		domain.Event{Kind: domain.EventRequeue},
		domain.Event{Kind: domain.EventDispatched},
		domain.Event{Kind: domain.EventNack, Retryable: true},
	)

	want := []domain.State{
		domain.StateQueued,
		domain.StateInProgress,
		domain.StateFailedRetryable,
		domain.StateQueued,
		domain.StateInProgress,
		domain.StateArchivedFailed,
	}
	got := states(events)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	if inst.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", inst.Attempts)
	}
	if !exhausted[len(exhausted)-1] {
		t.Error("final nack should report exhaustion")
	}
	if inst.Seq != int64(len(events)) {
		t.Errorf("Seq = %d, want %d", inst.Seq, len(events))
	}
}

func TestScenario_PermanentNackSkipsRetry(t *testing.T) {
	inst, _, exhausted := run(t, testPolicy(5),
		domain.Event{Kind: domain.EventCreated},
		domain.Event{Kind: domain.EventDispatched},
		domain.Event{Kind: domain.EventNack, Retryable: false},
	)
	if inst.State != domain.StateArchivedFailed {
		t.Errorf("State = %s, want ARCHIVED_FAILED", inst.State)
	}
	if exhausted[2] {
		t.Error("permanent nack is not policy exhaustion")
	}
}

func TestScenario_DispatchBeyondMax(t *testing.T) {
	inst := newInstance()
	inst.State = domain.StateQueued
	inst.Attempts = 2
	inst.Seq = 4
	inst.UpdatedAt = t0

	res, err := Apply(inst, domain.Event{Kind: domain.EventDispatched, At: t0.Add(time.Second)}, testPolicy(2))
	if err != nil {
		t.Fatal(err)
	}
	if res.Instance.State != domain.StateArchivedFailed || !res.Exhausted {
		t.Errorf("got state=%s exhausted=%v, want ARCHIVED_FAILED exhausted", res.Instance.State, res.Exhausted)
	}
	if res.Instance.Attempts != 2 {
		t.Errorf("Attempts = %d, exhausted dispatch must not count an attempt", res.Instance.Attempts)
	}
}

func TestScenario_TimeoutThenResolve(t *testing.T) {
	for _, tc := range []struct {
		resolution domain.Resolution
		want       domain.State
	}{
		{domain.ResolutionSuccess, domain.StateArchivedSuccess},
		{domain.ResolutionFailure, domain.StateArchivedFailed},
	} {
		inst, events, _ := run(t, testPolicy(3),
			domain.Event{Kind: domain.EventCreated},
			domain.Event{Kind: domain.EventDispatched},
			domain.Event{Kind: domain.EventTimeout},
			domain.Event{Kind: domain.EventResolve, Resolution: tc.resolution, OperatorID: "ops-1", Note: "checked downstream"},
		)
		if inst.State != tc.want {
			t.Errorf("%s: State = %s, want %s", tc.resolution, inst.State, tc.want)
		}
		last := events[len(events)-1]
		if last.OperatorID != "ops-1" || last.Note != "checked downstream" || last.Resolution != tc.resolution {
			t.Errorf("resolution event lost audit fields: %+v", last)
		}
	}
}

func TestApply_UnknownResolution(t *testing.T) {
	inst := newInstance()
	inst.State = domain.StateInDoubt
	_, err := Apply(inst, domain.Event{Kind: domain.EventResolve, Resolution: "maybe", At: t0}, testPolicy(1))
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
}

func TestApply_TimestampsStrictlyIncrease(t *testing.T) {
	// Every event carries the same wall-clock time.
	inst, events, _ := run(t, testPolicy(3),
		domain.Event{Kind: domain.EventCreated, At: t0},
		domain.Event{Kind: domain.EventDispatched, At: t0},
		domain.Event{Kind: domain.EventAck, At: t0},
		domain.Event{Kind: domain.EventArchive, At: t0.Add(-time.Hour)},
	)
	for i := 1; i < len(events); i++ {
		if !events[i].At.After(events[i-1].At) {
			t.Errorf("event %d at %v does not follow %v", i, events[i].At, events[i-1].At)
		}
	}
	if inst.State != domain.StateArchivedSuccess {
		t.Errorf("State = %s", inst.State)
	}
	if !inst.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", inst.CreatedAt, t0)
	}
}

func TestApply_AttemptsNeverDecrease(t *testing.T) {
	_, events, _ := run(t, testPolicy(3),
		domain.Event{Kind: domain.EventCreated},
		domain.Event{Kind: domain.EventDispatched},
		domain.Event{Kind: domain.EventNack, Retryable: true},
		domain.Event{Kind: domain.EventRequeue},
		domain.Event{Kind: domain.EventDispatched},
		domain.Event{Kind: domain.EventTimeout},
	)
	for i := 1; i < len(events); i++ {
		if events[i].Attempt < events[i-1].Attempt {
			t.Errorf("attempt decreased at seq %d", events[i].Seq)
		}
	}
	if events[len(events)-1].Attempt != 2 {
		t.Errorf("final attempt = %d, want 2", events[len(events)-1].Attempt)
	}
}
