package tracker

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/fsm"
)

// CreateInstance queues a new delivery for the named definition and hands
// it to the dispatch queue. A failed emit is logged only: the instance is
// already durable and the reconciler re-emits stale QUEUED instances.
// A definition deleted before the commit lands yields domain.ErrNotFound.
func (s *Service) CreateInstance(ctx context.Context, cluster domain.ClusterID, name, payloadRef string) (domain.Instance, error) {
	def, err := s.store.GetDefinition(ctx, cluster, name)
	if err != nil {
		return domain.Instance{}, err
	}

	inst := domain.Instance{
		ID:           domain.InstanceID(uuid.NewString()),
		DefinitionID: def.ID,
		ClusterID:    def.ClusterID,
		PayloadRef:   payloadRef,
	}

	unlock := s.locks.Lock(string(inst.ID))
	c, out, err := s.build(inst, def.Policy, []domain.Event{{Kind: domain.EventCreated}})
	if err == nil {
		err = s.store.Append(ctx, c)
	}
	unlock()
	if err != nil {
		return domain.Instance{}, err
	}
	s.recordApplied(out.events)

	if s.queue != nil {
		req := domain.DispatchRequest{InstanceID: inst.ID, DefinitionID: def.ID, EnqueuedAt: out.instance.CreatedAt}
		if err := s.queue.Emit(ctx, req); err != nil {
			log.Printf("tracker: instance=%s queued but emit failed, left for reconciler: %v", inst.ID, err)
		}
	}
	return out.instance, nil
}

func (s *Service) GetInstance(ctx context.Context, id domain.InstanceID) (domain.Instance, error) {
	return s.store.GetInstance(ctx, id)
}

// BeginAttempt records that a connector is about to send the instance.
// When the policy has no attempts left the instance is archived as failed
// and the returned error wraps domain.ErrPolicyExhausted.
func (s *Service) BeginAttempt(ctx context.Context, id domain.InstanceID) (domain.Instance, error) {
	out, err := s.transition(ctx, id, domain.Event{Kind: domain.EventDispatched})
	if err != nil {
		return domain.Instance{}, err
	}
	if out.exhausted {
		return out.instance, &domain.TransitionError{
			InstanceID: id,
			From:       domain.StateQueued,
			Kind:       domain.EventDispatched,
			Err:        domain.ErrPolicyExhausted,
		}
	}
	return out.instance, nil
}

// Ack confirms delivery. The instance is archived in the same commit.
func (s *Service) Ack(ctx context.Context, id domain.InstanceID, detail string) (domain.Instance, error) {
	out, err := s.transition(ctx, id,
		domain.Event{Kind: domain.EventAck, Detail: detail},
		domain.Event{Kind: domain.EventArchive},
	)
	return out.instance, err
}

// Nack records a failed attempt. Retryable nacks leave the instance in
// FAILED_RETRYABLE while attempts remain; everything else archives it.
func (s *Service) Nack(ctx context.Context, id domain.InstanceID, retryable bool, detail string) (domain.Instance, error) {
	out, err := s.transition(ctx, id, domain.Event{Kind: domain.EventNack, Retryable: retryable, Detail: detail})
	if err == nil && out.exhausted {
		log.Printf("tracker: instance=%s retry policy exhausted after %d attempts", id, out.instance.Attempts)
	}
	return out.instance, err
}

// Timeout parks an in-progress instance as IN_DOUBT.
func (s *Service) Timeout(ctx context.Context, id domain.InstanceID, detail string) (domain.Instance, error) {
	out, err := s.transition(ctx, id, domain.Event{Kind: domain.EventTimeout, Detail: detail})
	if err == nil {
		log.Printf("tracker: instance=%s is IN_DOUBT after attempt=%d: %s", id, out.instance.Attempts, detail)
	}
	return out.instance, err
}

// Requeue moves a failed attempt back to QUEUED, or archives it when the
// policy is exhausted.
func (s *Service) Requeue(ctx context.Context, id domain.InstanceID) (domain.Instance, error) {
	out, err := s.transition(ctx, id, domain.Event{Kind: domain.EventRequeue})
	if err == nil && out.exhausted {
		log.Printf("tracker: instance=%s retry policy exhausted after %d attempts", id, out.instance.Attempts)
	}
	return out.instance, err
}

// Cancel stops an instance that has not been dispatched yet.
func (s *Service) Cancel(ctx context.Context, id domain.InstanceID, operatorID, note string) (domain.Instance, error) {
	out, err := s.transition(ctx, id, domain.Event{Kind: domain.EventCancel, OperatorID: operatorID, Note: note})
	return out.instance, err
}

// Outcome is a connector's report about one attempt.
type Outcome struct {
	Kind      domain.EventKind // dispatched, ack, nack or timeout
	Retryable bool
	Detail    string
}

// ReportOutcome is the entry point for connectors reporting over the API.
func (s *Service) ReportOutcome(ctx context.Context, id domain.InstanceID, o Outcome) (domain.Instance, error) {
	switch o.Kind {
	case domain.EventDispatched:
		return s.BeginAttempt(ctx, id)
	case domain.EventAck:
		return s.Ack(ctx, id, o.Detail)
	case domain.EventNack:
		return s.Nack(ctx, id, o.Retryable, o.Detail)
	case domain.EventTimeout:
		return s.Timeout(ctx, id, o.Detail)
	default:
		return domain.Instance{}, fmt.Errorf("%w: outcome %q is not reportable", domain.ErrInvalidArgument, o.Kind)
	}
}

// Resolve records an operator's verdict on an IN_DOUBT instance. The
// resolution event carries the operator and note and is never purged.
func (s *Service) Resolve(ctx context.Context, id domain.InstanceID, resolution domain.Resolution, operatorID, note string) (domain.Instance, error) {
	if operatorID == "" {
		return domain.Instance{}, fmt.Errorf("%w: operator_id is required", domain.ErrInvalidArgument)
	}
	if note == "" {
		return domain.Instance{}, fmt.Errorf("%w: note is required", domain.ErrInvalidArgument)
	}

	out, err := s.transition(ctx, id, domain.Event{
		Kind:       domain.EventResolve,
		Resolution: resolution,
		OperatorID: operatorID,
		Note:       note,
	})
	if err != nil {
		return domain.Instance{}, err
	}

	log.Printf("tracker: OVERRIDE instance=%s resolved %s by operator=%s", id, resolution, operatorID)
	s.overridden("resolve_" + string(resolution))
	return out.instance, nil
}

// VerifyInstance replays an instance's ledger and compares the result with
// the stored snapshot.
func (s *Service) VerifyInstance(ctx context.Context, id domain.InstanceID) error {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	events, err := s.store.Events(ctx, id)
	if err != nil {
		return err
	}
	replayed, err := fsm.Replay(events)
	if err != nil {
		return err
	}
	if replayed.State != inst.State || replayed.Seq != inst.Seq || replayed.Attempts != inst.Attempts {
		return fmt.Errorf("instance %s: snapshot %s/seq=%d/attempts=%d disagrees with ledger %s/seq=%d/attempts=%d",
			id, inst.State, inst.Seq, inst.Attempts, replayed.State, replayed.Seq, replayed.Attempts)
	}
	return nil
}
