package fsm

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

func TestReplay_ReproducesState(t *testing.T) {
	inst, events, _ := run(t, testPolicy(3),
		domain.Event{Kind: domain.EventCreated},
		domain.Event{Kind: domain.EventDispatched},
		domain.Event{Kind: domain.EventNack, Retryable: true},
		domain.Event{Kind: domain.EventRequeue},
		domain.Event{Kind: domain.EventDispatched},
		domain.Event{Kind: domain.EventTimeout},
	)

	got, err := Replay(events)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got != inst {
		t.Errorf("Replay = %+v\nwant      %+v", got, inst)
	}
}

func TestReplay_Empty(t *testing.T) {
	if _, err := Replay(nil); err == nil {
		t.Fatal("expected error for empty ledger")
	}
}

func TestReplay_DetectsGap(t *testing.T) {
	_, events, _ := run(t, testPolicy(3),
		domain.Event{Kind: domain.EventCreated},
		domain.Event{Kind: domain.EventDispatched},
		domain.Event{Kind: domain.EventAck},
	)
	gapped := []domain.Event{events[0], events[2]}
	if _, err := Replay(gapped); err == nil {
		t.Fatal("expected sequence gap error")
	}
}

func TestReplay_DetectsIllegalStep(t *testing.T) {
	_, events, _ := run(t, testPolicy(3),
		domain.Event{Kind: domain.EventCreated},
		domain.Event{Kind: domain.EventDispatched},
		domain.Event{Kind: domain.EventTimeout},
	)
	// Tamper: IN_DOUBT left automatically.
	events = append(events, domain.Event{
		InstanceID: events[0].InstanceID,
		Seq:        4,
		Kind:       domain.EventAck,
		From:       domain.StateInDoubt,
		To:         domain.StateArchivedSuccess,
		Attempt:    1,
		At:         events[2].At.Add(time.Second),
	})
	if _, err := Replay(events); err == nil {
		t.Fatal("expected illegal transition to be rejected")
	}
}

// driverKinds are the kinds the property test draws from. Illegal draws are
// skipped by the driver, which mirrors how the tracker rejects them without
// writing.
var driverKinds = []domain.EventKind{
	domain.EventDispatched,
	domain.EventAck,
	domain.EventNack,
	domain.EventTimeout,
	domain.EventRequeue,
	domain.EventArchive,
	domain.EventCancel,
	domain.EventResolve,
}

func TestProperty_ReplayIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying the ledger reproduces the live instance", prop.ForAll(
		func(picks []int, maxAttempts int, retryable bool) bool {
			policy := testPolicy(maxAttempts)
			inst := newInstance()
			res, err := Apply(inst, domain.Event{Kind: domain.EventCreated, At: t0}, policy)
			if err != nil {
				return false
			}
			inst = res.Instance
			events := []domain.Event{res.Event}

			for i, pick := range picks {
				ev := domain.Event{Kind: driverKinds[pick], At: t0.Add(time.Duration(i) * time.Millisecond), Retryable: retryable, Resolution: domain.ResolutionFailure}
				res, err := Apply(inst, ev, policy)
				if err != nil {
					continue
				}
				inst = res.Instance
				events = append(events, res.Event)
			}

			first, err1 := Replay(events)
			second, err2 := Replay(events)
			return err1 == nil && err2 == nil && first == inst && second == inst
		},
		gen.SliceOf(gen.IntRange(0, len(driverKinds)-1)),
		gen.IntRange(1, 4),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
