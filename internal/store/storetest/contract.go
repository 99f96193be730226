// Package storetest provides contract tests for [tracker.Store]
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/fsm"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

// Factory creates a fresh [tracker.Store] for each test invocation.
type Factory func(t *testing.T) tracker.Store

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)

func definition(id, name string) domain.Definition {
	return domain.Definition{
		ID:          domain.DefinitionID(id),
		ClusterID:   "c1",
		Name:        name,
		Description: "orders feed",
		Target:      "http://example.com/hook",
		TargetType:  domain.TargetTypeHTTP,
		Secret:      "s3cret",
		Policy: domain.RetryPolicy{
			MaxAttempts:     3,
			Backoff:         []time.Duration{0, 30 * time.Second, 2 * time.Minute},
			AckTimeout:      10 * time.Second,
			MaxInDoubtDwell: time.Hour,
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

// step applies one event through the state machine and commits it.
func step(t *testing.T, repo tracker.Store, inst domain.Instance, ev domain.Event, policy domain.RetryPolicy) domain.Instance {
	t.Helper()
	if ev.At.IsZero() {
		ev.At = inst.UpdatedAt.Add(time.Second)
	}
	ev.ID = domain.EventID(string(inst.ID) + "-" + string(ev.Kind) + "-" + ev.At.Format("150405.000000"))
	res, err := fsm.Apply(inst, ev, policy)
	if err != nil {
		t.Fatalf("apply %s: %v", ev.Kind, err)
	}
	c := tracker.Commit{
		Instance:    res.Instance,
		ExpectedSeq: inst.Seq,
		Events:      []domain.Event{res.Event},
		Deltas: []domain.CounterDelta{{
			DefinitionID: res.Instance.DefinitionID,
			From:         res.Event.From,
			To:           res.Event.To,
			At:           res.Event.At,
		}},
	}
	if err := repo.Append(context.Background(), c); err != nil {
		t.Fatalf("Append %s: %v", ev.Kind, err)
	}
	return res.Instance
}

func create(t *testing.T, repo tracker.Store, def domain.Definition, id string, at time.Time) domain.Instance {
	t.Helper()
	inst := domain.Instance{
		ID:           domain.InstanceID(id),
		DefinitionID: def.ID,
		ClusterID:    def.ClusterID,
		PayloadRef:   "blob://" + id,
	}
	return step(t, repo, inst, domain.Event{Kind: domain.EventCreated, At: at}, def.Policy)
}

func mustCreateDefinition(t *testing.T, repo tracker.Store, def domain.Definition) {
	t.Helper()
	if err := repo.CreateDefinition(context.Background(), def); err != nil {
		t.Fatalf("CreateDefinition %s: %v", def.Name, err)
	}
}

// Run exercises the [tracker.Store] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGetDefinition", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		want := definition("d1", "orders")
		mustCreateDefinition(t, repo, want)

		got, err := repo.GetDefinition(ctx, "c1", "orders")
		if err != nil {
			t.Fatalf("GetDefinition: %v", err)
		}
		if got.ID != want.ID || got.Target != want.Target || got.Secret != want.Secret || got.Description != want.Description {
			t.Errorf("GetDefinition = %+v", got)
		}
		if got.Policy.MaxAttempts != 3 || got.Policy.AckTimeout != 10*time.Second || got.Policy.MaxInDoubtDwell != time.Hour {
			t.Errorf("Policy = %+v", got.Policy)
		}
		if len(got.Policy.Backoff) != 3 || got.Policy.Backoff[2] != 2*time.Minute {
			t.Errorf("Backoff = %v", got.Policy.Backoff)
		}
		if !got.CreatedAt.Equal(t0) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, t0)
		}
		if got.Deleted() {
			t.Error("new definition reported as deleted")
		}
	})

	t.Run("DuplicateName", func(t *testing.T) {
		repo := factory(t)
		mustCreateDefinition(t, repo, definition("d1", "orders"))

		err := repo.CreateDefinition(context.Background(), definition("d2", "orders"))
		if !errors.Is(err, domain.ErrDuplicateName) {
			t.Fatalf("second CreateDefinition: got %v, want ErrDuplicateName", err)
		}

		other := definition("d3", "orders")
		other.ClusterID = "c2"
		if err := repo.CreateDefinition(context.Background(), other); err != nil {
			t.Fatalf("same name in another cluster: %v", err)
		}
	})

	t.Run("NameReusableAfterDelete", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		mustCreateDefinition(t, repo, definition("d1", "orders"))
		if err := repo.MarkDefinitionDeleted(ctx, "d1", t0.Add(time.Minute)); err != nil {
			t.Fatalf("MarkDefinitionDeleted: %v", err)
		}

		if _, err := repo.GetDefinition(ctx, "c1", "orders"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetDefinition after delete: got %v, want ErrNotFound", err)
		}
		old, err := repo.GetDefinitionByID(ctx, "d1")
		if err != nil {
			t.Fatalf("GetDefinitionByID after delete: %v", err)
		}
		if !old.Deleted() {
			t.Error("deleted definition has no DeletedAt")
		}

		mustCreateDefinition(t, repo, definition("d2", "orders"))
		if err := repo.MarkDefinitionDeleted(ctx, "d1", t0); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("second delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("GetDefinitionNotFound", func(t *testing.T) {
		repo := factory(t)
		if _, err := repo.GetDefinition(context.Background(), "c1", "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetDefinition: got %v, want ErrNotFound", err)
		}
		if _, err := repo.GetDefinitionByID(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetDefinitionByID: got %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateDefinition", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		mustCreateDefinition(t, repo, definition("d1", "orders"))
		mustCreateDefinition(t, repo, definition("d2", "invoices"))

		upd := definition("d1", "orders-v2")
		upd.Description = "renamed"
		upd.Policy.Backoff = []time.Duration{time.Second}
		upd.UpdatedAt = t0.Add(time.Hour)
		if err := repo.UpdateDefinition(ctx, upd); err != nil {
			t.Fatalf("UpdateDefinition: %v", err)
		}
		got, err := repo.GetDefinition(ctx, "c1", "orders-v2")
		if err != nil {
			t.Fatalf("GetDefinition renamed: %v", err)
		}
		if got.Description != "renamed" || len(got.Policy.Backoff) != 1 || !got.UpdatedAt.Equal(upd.UpdatedAt) {
			t.Errorf("updated definition = %+v", got)
		}

		clash := definition("d1", "invoices")
		if err := repo.UpdateDefinition(ctx, clash); !errors.Is(err, domain.ErrDuplicateName) {
			t.Errorf("rename onto existing name: got %v, want ErrDuplicateName", err)
		}
	})

	t.Run("ListDefinitions", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		a := definition("d-a", "a")
		b := definition("d-b", "b")
		b.CreatedAt = t0.Add(-time.Minute)
		c := definition("d-c", "c")
		c.TargetType = domain.TargetTypeAMQP
		other := definition("d-x", "x")
		other.ClusterID = "c2"
		for _, d := range []domain.Definition{a, b, c, other} {
			mustCreateDefinition(t, repo, d)
		}

		got, err := repo.ListDefinitions(ctx, tracker.DefinitionFilter{ClusterID: "c1"})
		if err != nil {
			t.Fatalf("ListDefinitions: %v", err)
		}
		if len(got) != 3 || got[0].Name != "b" || got[1].Name != "a" || got[2].Name != "c" {
			t.Errorf("ListDefinitions order = %v", names(got))
		}

		got, err = repo.ListDefinitions(ctx, tracker.DefinitionFilter{ClusterID: "c1", TargetType: domain.TargetTypeAMQP})
		if err != nil {
			t.Fatalf("ListDefinitions by type: %v", err)
		}
		if len(got) != 1 || got[0].Name != "c" {
			t.Errorf("ListDefinitions by type = %v", names(got))
		}

		all, err := repo.ListDefinitions(ctx, tracker.DefinitionFilter{})
		if err != nil {
			t.Fatalf("ListDefinitions all: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("ListDefinitions all = %d, want 4", len(all))
		}
	})

	t.Run("AppendAndRead", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		def := definition("d1", "orders")
		mustCreateDefinition(t, repo, def)

		inst := create(t, repo, def, "i1", t0)
		inst = step(t, repo, inst, domain.Event{Kind: domain.EventDispatched}, def.Policy)

		got, err := repo.GetInstance(ctx, "i1")
		if err != nil {
			t.Fatalf("GetInstance: %v", err)
		}
		if got != inst {
			t.Errorf("GetInstance = %+v\nwant        %+v", got, inst)
		}

		events, err := repo.Events(ctx, "i1")
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if len(events) != 2 || events[0].Kind != domain.EventCreated || events[1].Kind != domain.EventDispatched {
			t.Fatalf("Events = %+v", events)
		}
		if events[0].PayloadRef != "blob://i1" || events[1].Attempt != 1 || events[1].From != domain.StateQueued {
			t.Errorf("event fields lost: %+v", events)
		}
		replayed, err := fsm.Replay(events)
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		if replayed != inst {
			t.Errorf("Replay = %+v\nwant     %+v", replayed, inst)
		}

		sum, err := repo.Summary(ctx, "d1")
		if err != nil {
			t.Fatalf("Summary: %v", err)
		}
		if sum.Total != 1 || sum.InProgress != 1 || !sum.LastUpdated.Equal(inst.UpdatedAt) {
			t.Errorf("Summary = %+v", sum)
		}
	})

	t.Run("AppendStaleSeqConflicts", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		def := definition("d1", "orders")
		mustCreateDefinition(t, repo, def)
		created := create(t, repo, def, "i1", t0)
		step(t, repo, created, domain.Event{Kind: domain.EventDispatched}, def.Policy)

		// A second writer still holding the QUEUED snapshot.
		res, err := fsm.Apply(created, domain.Event{ID: "late", Kind: domain.EventCancel, At: t0.Add(time.Minute)}, def.Policy)
		if err != nil {
			t.Fatal(err)
		}
		err = repo.Append(ctx, tracker.Commit{
			Instance:    res.Instance,
			ExpectedSeq: created.Seq,
			Events:      []domain.Event{res.Event},
			Deltas:      []domain.CounterDelta{{DefinitionID: "d1", From: res.Event.From, To: res.Event.To, At: res.Event.At}},
		})
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("stale Append: got %v, want ErrConflict", err)
		}

		events, _ := repo.Events(ctx, "i1")
		if len(events) != 2 {
			t.Errorf("ledger has %d events after rejected commit, want 2", len(events))
		}
		sum, _ := repo.Summary(ctx, "d1")
		if sum.ArchFailed != 0 || sum.InProgress != 1 {
			t.Errorf("counters moved on rejected commit: %+v", sum)
		}
	})

	t.Run("AppendDuplicateCreateConflicts", func(t *testing.T) {
		repo := factory(t)
		def := definition("d1", "orders")
		mustCreateDefinition(t, repo, def)
		create(t, repo, def, "i1", t0)

		res, err := fsm.Apply(domain.Instance{ID: "i1", DefinitionID: "d1", ClusterID: "c1"},
			domain.Event{ID: "again", Kind: domain.EventCreated, At: t0}, def.Policy)
		if err != nil {
			t.Fatal(err)
		}
		err = repo.Append(context.Background(), tracker.Commit{Instance: res.Instance, Events: []domain.Event{res.Event}})
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("duplicate create: got %v, want ErrConflict", err)
		}
		sum, _ := repo.Summary(context.Background(), "d1")
		if sum.Total != 1 {
			t.Errorf("Total = %d after duplicate create, want 1", sum.Total)
		}
	})

	t.Run("AppendMultipleEventsInOneCommit", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		def := definition("d1", "orders")
		mustCreateDefinition(t, repo, def)
		inst := create(t, repo, def, "i1", t0)
		inst = step(t, repo, inst, domain.Event{Kind: domain.EventDispatched}, def.Policy)

		ack, err := fsm.Apply(inst, domain.Event{ID: "ack", Kind: domain.EventAck, At: t0.Add(time.Hour)}, def.Policy)
		if err != nil {
			t.Fatal(err)
		}
		archive, err := fsm.Apply(ack.Instance, domain.Event{ID: "archive", Kind: domain.EventArchive, At: t0.Add(time.Hour)}, def.Policy)
		if err != nil {
			t.Fatal(err)
		}
		err = repo.Append(ctx, tracker.Commit{
			Instance:    archive.Instance,
			ExpectedSeq: inst.Seq,
			Events:      []domain.Event{ack.Event, archive.Event},
			Deltas: []domain.CounterDelta{
				{DefinitionID: "d1", From: ack.Event.From, To: ack.Event.To, At: ack.Event.At},
				{DefinitionID: "d1", From: archive.Event.From, To: archive.Event.To, At: archive.Event.At},
			},
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}

		sum, _ := repo.Summary(ctx, "d1")
		if sum.Total != 1 || sum.ArchSuccess != 1 || sum.InProgress != 0 {
			t.Errorf("Summary = %+v", sum)
		}
		if err := sum.Check(); err != nil {
			t.Error(err)
		}
		events, _ := repo.Events(ctx, "i1")
		if len(events) != 4 || events[3].To != domain.StateArchivedSuccess {
			t.Errorf("Events = %+v", events)
		}
	})

	t.Run("ListInstances", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		def := definition("d1", "orders")
		amqp := definition("d2", "bus")
		amqp.TargetType = domain.TargetTypeAMQP
		mustCreateDefinition(t, repo, def)
		mustCreateDefinition(t, repo, amqp)

		i1 := create(t, repo, def, "i1", t0)
		create(t, repo, def, "i2", t0.Add(time.Minute))
		create(t, repo, amqp, "i3", t0.Add(2*time.Minute))
		step(t, repo, i1, domain.Event{Kind: domain.EventCancel, At: t0.Add(5 * time.Minute)}, def.Policy)

		all, err := repo.ListInstances(ctx, tracker.InstanceFilter{ClusterID: "c1"})
		if err != nil {
			t.Fatalf("ListInstances: %v", err)
		}
		if ids(all) != "i1,i2,i3" {
			t.Errorf("ListInstances = %s, want creation order", ids(all))
		}

		queued, _ := repo.ListInstances(ctx, tracker.InstanceFilter{DefinitionID: "d1", States: []domain.State{domain.StateQueued}})
		if ids(queued) != "i2" {
			t.Errorf("queued = %s, want i2", ids(queued))
		}

		byType, _ := repo.ListInstances(ctx, tracker.InstanceFilter{TargetType: domain.TargetTypeAMQP})
		if ids(byType) != "i3" {
			t.Errorf("amqp = %s, want i3", ids(byType))
		}

		old, _ := repo.ListInstances(ctx, tracker.InstanceFilter{UpdatedBefore: t0.Add(90 * time.Second)})
		if ids(old) != "i2" {
			t.Errorf("updated before = %s, want i2", ids(old))
		}

		limited, _ := repo.ListInstances(ctx, tracker.InstanceFilter{Limit: 2})
		if ids(limited) != "i1,i2" {
			t.Errorf("limited = %s, want i1,i2", ids(limited))
		}

		open, err := repo.CountOpenInstances(ctx, "d1")
		if err != nil {
			t.Fatalf("CountOpenInstances: %v", err)
		}
		if open != 1 {
			t.Errorf("CountOpenInstances = %d, want 1", open)
		}
	})

	t.Run("GetInstanceNotFound", func(t *testing.T) {
		repo := factory(t)
		if _, err := repo.GetInstance(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetInstance: got %v, want ErrNotFound", err)
		}
	})

	t.Run("EventsByDefinition", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		def := definition("d1", "orders")
		mustCreateDefinition(t, repo, def)
		b := create(t, repo, def, "b", t0)
		create(t, repo, def, "a", t0.Add(time.Second))
		step(t, repo, b, domain.Event{Kind: domain.EventDispatched}, def.Policy)

		events, err := repo.EventsByDefinition(ctx, "d1")
		if err != nil {
			t.Fatalf("EventsByDefinition: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("len = %d, want 3", len(events))
		}
		if events[0].InstanceID != "a" || events[1].InstanceID != "b" || events[2].Seq != 2 {
			t.Errorf("order = %+v", events)
		}
	})

	t.Run("RebuildCounters", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		def := definition("d1", "orders")
		mustCreateDefinition(t, repo, def)
		i1 := create(t, repo, def, "i1", t0)
		create(t, repo, def, "i2", t0.Add(time.Second))
		i1 = step(t, repo, i1, domain.Event{Kind: domain.EventDispatched}, def.Policy)

		// A delta without a ledger event leaves the cache ahead.
		skew := tracker.Commit{
			Instance:    i1,
			ExpectedSeq: i1.Seq,
			Deltas:      []domain.CounterDelta{{DefinitionID: "d1", To: domain.StateInDoubt, At: t0.Add(time.Hour)}},
		}
		if err := repo.Append(ctx, skew); err != nil {
			t.Fatalf("Append skew: %v", err)
		}

		st, err := repo.CounterState(ctx, "d1")
		if err != nil {
			t.Fatalf("CounterState: %v", err)
		}
		if st.Cached.Total != 3 || st.Cached.InDoubt != 1 {
			t.Errorf("cached = %+v, want total 3 in_doubt 1", st.Cached)
		}
		if len(st.Events) != 3 || len(st.Instances) != 2 {
			t.Errorf("state has %d events %d instances, want 3 and 2", len(st.Events), len(st.Instances))
		}

		got, err := repo.RebuildCounters(ctx, "d1")
		if err != nil {
			t.Fatalf("RebuildCounters: %v", err)
		}
		want := domain.Summary{Total: 2, InProgress: 2, LastUpdated: i1.UpdatedAt}
		if !got.SameCounts(want) || !got.LastUpdated.Equal(want.LastUpdated) {
			t.Errorf("RebuildCounters = %+v, want %+v", got, want)
		}
		cached, err := repo.Summary(ctx, "d1")
		if err != nil {
			t.Fatalf("Summary: %v", err)
		}
		if !cached.SameCounts(want) || !cached.LastUpdated.Equal(want.LastUpdated) {
			t.Errorf("Summary after rebuild = %+v, want %+v", cached, want)
		}

		if _, err := repo.RebuildCounters(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("RebuildCounters unknown: got %v, want ErrNotFound", err)
		}
		if _, err := repo.CounterState(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("CounterState unknown: got %v, want ErrNotFound", err)
		}
	})

	t.Run("RebuildCountersKeepsConcurrentAppends", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		def := definition("d1", "orders")
		mustCreateDefinition(t, repo, def)

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, 2*n)
		for i := 0; i < n; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("i%02d", i)
				at := t0.Add(time.Duration(i) * time.Second)
				err := repo.Append(ctx, tracker.Commit{
					Instance: domain.Instance{
						ID: domain.InstanceID(id), DefinitionID: "d1", ClusterID: "c1",
						State: domain.StateQueued, Seq: 1, CreatedAt: at, UpdatedAt: at,
					},
					Events: []domain.Event{{
						ID: domain.EventID(id + "-created"), InstanceID: domain.InstanceID(id), DefinitionID: "d1",
						ClusterID: "c1", Seq: 1, Kind: domain.EventCreated, To: domain.StateQueued, At: at,
					}},
					Deltas: []domain.CounterDelta{{DefinitionID: "d1", To: domain.StateQueued, At: at}},
				})
				if err != nil {
					errs <- fmt.Errorf("append %s: %w", id, err)
				}
			}(i)
			go func() {
				defer wg.Done()
				if _, err := repo.RebuildCounters(ctx, "d1"); err != nil {
					errs <- fmt.Errorf("rebuild: %w", err)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}

		sum, err := repo.Summary(ctx, "d1")
		if err != nil {
			t.Fatalf("Summary: %v", err)
		}
		if sum.Total != n || sum.InProgress != n {
			t.Errorf("Summary = %+v, want %d instances counted", sum, n)
		}
	})

	t.Run("DeleteRefusedWhileInstancesOpen", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		def := definition("d1", "orders")
		mustCreateDefinition(t, repo, def)
		inst := create(t, repo, def, "i1", t0)

		if err := repo.MarkDefinitionDeleted(ctx, "d1", t0.Add(time.Minute)); !errors.Is(err, domain.ErrInUse) {
			t.Fatalf("MarkDefinitionDeleted with open instance: got %v, want ErrInUse", err)
		}
		if _, err := repo.GetDefinition(ctx, "c1", "orders"); err != nil {
			t.Fatalf("definition should still be live: %v", err)
		}

		step(t, repo, inst, domain.Event{Kind: domain.EventCancel}, def.Policy)
		if err := repo.MarkDefinitionDeleted(ctx, "d1", t0.Add(time.Minute)); err != nil {
			t.Fatalf("MarkDefinitionDeleted after cancel: %v", err)
		}
	})

	t.Run("CreateOnDeletedDefinition", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		def := definition("d1", "orders")
		mustCreateDefinition(t, repo, def)
		if err := repo.MarkDefinitionDeleted(ctx, "d1", t0); err != nil {
			t.Fatalf("MarkDefinitionDeleted: %v", err)
		}

		inst := domain.Instance{
			ID: "i1", DefinitionID: "d1", ClusterID: "c1", State: domain.StateQueued, Seq: 1,
			CreatedAt: t0, UpdatedAt: t0,
		}
		err := repo.Append(ctx, tracker.Commit{
			Instance: inst,
			Events: []domain.Event{{
				ID: "i1-created", InstanceID: "i1", DefinitionID: "d1", ClusterID: "c1",
				Seq: 1, Kind: domain.EventCreated, To: domain.StateQueued, At: t0,
			}},
			Deltas: []domain.CounterDelta{{DefinitionID: "d1", To: domain.StateQueued, At: t0}},
		})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Append on deleted definition: got %v, want ErrNotFound", err)
		}
		if _, err := repo.GetInstance(ctx, "i1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("instance committed despite deleted definition: %v", err)
		}
		sum, err := repo.Summary(ctx, "d1")
		if err != nil {
			t.Fatalf("Summary: %v", err)
		}
		if sum.Total != 0 {
			t.Errorf("counters moved: %+v", sum)
		}
	})

	t.Run("SummaryUnknownDefinition", func(t *testing.T) {
		repo := factory(t)
		if _, err := repo.Summary(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Summary: got %v, want ErrNotFound", err)
		}
	})
}

func names(defs []domain.Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func ids(instances []domain.Instance) string {
	out := ""
	for i, inst := range instances {
		if i > 0 {
			out += ","
		}
		out += string(inst.ID)
	}
	return out
}
