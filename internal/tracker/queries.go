package tracker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/djlord-it/deliveryguard/internal/aggregate"
	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/fsm"
)

// Sort orders list results. The zero value orders by creation time.
type Sort struct {
	Field string // created, updated, name or state
	Desc  bool
}

const (
	SortCreated = "created"
	SortUpdated = "updated"
	SortName    = "name"
	SortState   = "state"
)

// ParseSort validates a sort field coming from the API.
func ParseSort(field string, desc bool) (Sort, error) {
	switch field {
	case "":
		return Sort{Field: SortCreated, Desc: desc}, nil
	case SortCreated, SortUpdated, SortName, SortState:
		return Sort{Field: field, Desc: desc}, nil
	}
	return Sort{}, fmt.Errorf("%w: unknown sort field %q", domain.ErrInvalidArgument, field)
}

// Page limits list results. Limit 0 returns everything after Offset.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) apply(n int) (int, int) {
	lo := p.Offset
	if lo > n {
		lo = n
	}
	hi := n
	if p.Limit > 0 && lo+p.Limit < n {
		hi = lo + p.Limit
	}
	return lo, hi
}

// DefinitionView is a definition with its counters, as list views show it.
type DefinitionView struct {
	Definition  domain.Definition
	Summary     domain.Summary
	ShortDef    string
	LastUpdated time.Time
}

// InstanceView is an instance with the definition fields list views need.
type InstanceView struct {
	Instance       domain.Instance
	DefinitionName string
	Target         string
	TargetType     domain.TargetType
}

// InDoubtView is an IN_DOUBT instance with its dwell time.
type InDoubtView struct {
	InstanceView
	Since     time.Time
	Dwell     time.Duration
	MaxDwell  time.Duration
	Escalated bool
}

// InstanceDetail is an instance together with its full ledger.
type InstanceDetail struct {
	InstanceView
	Events []domain.Event

	// ReplayError is set when the ledger does not reproduce the snapshot.
	ReplayError string
}

// InstanceQuery selects instances for ListInstances.
type InstanceQuery struct {
	ClusterID  domain.ClusterID
	Name       string // definition name, optional
	TargetType domain.TargetType
	State      domain.State
	Sort       Sort
	Page       Page
}

func (s *Service) view(ctx context.Context, def domain.Definition) (DefinitionView, error) {
	sum, err := s.store.Summary(ctx, def.ID)
	if err != nil {
		return DefinitionView{}, err
	}
	last := sum.LastUpdated
	if def.UpdatedAt.After(last) {
		last = def.UpdatedAt
	}
	return DefinitionView{
		Definition:  def,
		Summary:     sum,
		ShortDef:    def.Policy.ShortDef(),
		LastUpdated: last,
	}, nil
}

// ListDefinitions returns the cluster's live definitions with counters.
func (s *Service) ListDefinitions(ctx context.Context, cluster domain.ClusterID, targetType domain.TargetType, order Sort) ([]DefinitionView, error) {
	defs, err := s.store.ListDefinitions(ctx, DefinitionFilter{ClusterID: cluster, TargetType: targetType})
	if err != nil {
		return nil, err
	}

	views := make([]DefinitionView, 0, len(defs))
	for _, def := range defs {
		v, err := s.view(ctx, def)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}

	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		var less, equal bool
		switch order.Field {
		case SortName:
			less, equal = a.Definition.Name < b.Definition.Name, a.Definition.Name == b.Definition.Name
		case SortUpdated:
			less, equal = a.LastUpdated.Before(b.LastUpdated), a.LastUpdated.Equal(b.LastUpdated)
		default:
			less, equal = a.Definition.CreatedAt.Before(b.Definition.CreatedAt), a.Definition.CreatedAt.Equal(b.Definition.CreatedAt)
		}
		if equal {
			return a.Definition.ID < b.Definition.ID
		}
		return less != order.Desc
	})
	return views, nil
}

// Summarize returns one definition's view.
func (s *Service) Summarize(ctx context.Context, cluster domain.ClusterID, name string) (DefinitionView, error) {
	def, err := s.store.GetDefinition(ctx, cluster, name)
	if err != nil {
		return DefinitionView{}, err
	}
	return s.view(ctx, def)
}

// ListInstances returns instances matching q, sorted and paged.
func (s *Service) ListInstances(ctx context.Context, q InstanceQuery) ([]InstanceView, error) {
	filter := InstanceFilter{ClusterID: q.ClusterID}
	if q.Name != "" {
		def, err := s.store.GetDefinition(ctx, q.ClusterID, q.Name)
		if err != nil {
			return nil, err
		}
		filter.DefinitionID = def.ID
	}
	if q.State != "" {
		filter.States = []domain.State{q.State}
	}

	instances, err := s.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, err
	}

	views, err := s.instanceViews(ctx, instances, q.TargetType)
	if err != nil {
		return nil, err
	}

	sortInstances(views, q.Sort)
	lo, hi := q.Page.apply(len(views))
	return views[lo:hi], nil
}

// FindInstances returns raw snapshots matching f, ordered by creation.
// The reconciler uses it to find stuck instances.
func (s *Service) FindInstances(ctx context.Context, f InstanceFilter) ([]domain.Instance, error) {
	return s.store.ListInstances(ctx, f)
}

// instanceViews joins instances with their definitions, dropping those
// whose definition does not match targetType.
func (s *Service) instanceViews(ctx context.Context, instances []domain.Instance, targetType domain.TargetType) ([]InstanceView, error) {
	defs := make(map[domain.DefinitionID]domain.Definition)
	views := make([]InstanceView, 0, len(instances))
	for _, inst := range instances {
		def, ok := defs[inst.DefinitionID]
		if !ok {
			var err error
			def, err = s.store.GetDefinitionByID(ctx, inst.DefinitionID)
			if err != nil {
				return nil, err
			}
			defs[inst.DefinitionID] = def
		}
		if targetType != "" && def.TargetType != targetType {
			continue
		}
		views = append(views, InstanceView{
			Instance:       inst,
			DefinitionName: def.Name,
			Target:         def.Target,
			TargetType:     def.TargetType,
		})
	}
	return views, nil
}

func sortInstances(views []InstanceView, order Sort) {
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i].Instance, views[j].Instance
		var c int
		switch order.Field {
		case SortUpdated:
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		case SortName:
			c = strings.Compare(views[i].DefinitionName, views[j].DefinitionName)
		case SortState:
			c = strings.Compare(string(a.State), string(b.State))
		}
		if c == 0 {
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			c = strings.Compare(string(a.ID), string(b.ID))
		}
		if order.Desc {
			return c > 0
		}
		return c < 0
	})
}

// ListInDoubt returns every IN_DOUBT instance of the cluster, optionally
// limited to one definition, oldest first.
func (s *Service) ListInDoubt(ctx context.Context, cluster domain.ClusterID, name string) ([]InDoubtView, error) {
	views, err := s.ListInstances(ctx, InstanceQuery{
		ClusterID: cluster,
		Name:      name,
		State:     domain.StateInDoubt,
		Sort:      Sort{Field: SortUpdated},
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	dwell := make(map[domain.DefinitionID]time.Duration)
	out := make([]InDoubtView, 0, len(views))
	for _, v := range views {
		maxDwell, ok := dwell[v.Instance.DefinitionID]
		if !ok {
			def, err := s.store.GetDefinitionByID(ctx, v.Instance.DefinitionID)
			if err != nil {
				return nil, err
			}
			maxDwell = def.Policy.MaxInDoubtDwell
			dwell[v.Instance.DefinitionID] = maxDwell
		}
		d := now.Sub(v.Instance.UpdatedAt)
		out = append(out, InDoubtView{
			InstanceView: v,
			Since:        v.Instance.UpdatedAt,
			Dwell:        d,
			MaxDwell:     maxDwell,
			Escalated:    maxDwell > 0 && d > maxDwell,
		})
	}
	return out, nil
}

// InstanceDetails returns an instance with its full ledger history.
func (s *Service) InstanceDetails(ctx context.Context, id domain.InstanceID) (InstanceDetail, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return InstanceDetail{}, err
	}
	events, err := s.store.Events(ctx, id)
	if err != nil {
		return InstanceDetail{}, err
	}
	views, err := s.instanceViews(ctx, []domain.Instance{inst}, "")
	if err != nil {
		return InstanceDetail{}, err
	}

	detail := InstanceDetail{InstanceView: views[0], Events: events}
	replayed, err := fsm.Replay(events)
	switch {
	case err != nil:
		detail.ReplayError = err.Error()
	case replayed.State != inst.State || replayed.Seq != inst.Seq:
		detail.ReplayError = fmt.Sprintf("ledger replays to %s/seq=%d", replayed.State, replayed.Seq)
	}
	if detail.ReplayError != "" {
		log.Printf("tracker: instance=%s ledger does not reproduce snapshot: %s", id, detail.ReplayError)
	}
	return detail, nil
}

// CounterCheck compares cached counters with a ledger replay and with a
// recount of the instance snapshots, all read from one consistent view.
type CounterCheck struct {
	DefinitionID domain.DefinitionID
	Cached       domain.Summary
	Replayed     domain.Summary
	Snapshots    domain.Summary
	// Drifted means the cache disagrees with the ledger. RebuildCounters
	// repairs it.
	Drifted bool
	// LedgerMismatch means the ledger and the instance snapshots disagree.
	// A rebuild cannot repair that.
	LedgerMismatch bool
}

// VerifyCounters replays a definition's ledger and compares the result
// with the cached counters and with the instance snapshots.
func (s *Service) VerifyCounters(ctx context.Context, id domain.DefinitionID) (CounterCheck, error) {
	st, err := s.store.CounterState(ctx, id)
	if err != nil {
		return CounterCheck{}, err
	}
	replayed := aggregate.FromEvents(st.Events)[id]
	snapshots := aggregate.FromInstances(st.Instances)[id]

	drift := aggregate.Diff(
		map[domain.DefinitionID]domain.Summary{id: st.Cached},
		map[domain.DefinitionID]domain.Summary{id: replayed},
	)
	check := CounterCheck{
		DefinitionID:   id,
		Cached:         st.Cached,
		Replayed:       replayed,
		Snapshots:      snapshots,
		Drifted:        len(drift) > 0,
		LedgerMismatch: !replayed.SameCounts(snapshots),
	}
	if check.LedgerMismatch {
		log.Printf("tracker: definition=%s ledger replay %+v disagrees with instance snapshots %+v", id, replayed, snapshots)
	}
	return check, nil
}

// RebuildCounters overwrites the cached counters with a ledger replay. The
// store does the replay and the write atomically.
func (s *Service) RebuildCounters(ctx context.Context, id domain.DefinitionID) (domain.Summary, error) {
	replayed, err := s.store.RebuildCounters(ctx, id)
	if err != nil {
		return domain.Summary{}, err
	}
	log.Printf("tracker: counters rebuilt definition=%s total=%d", id, replayed.Total)
	return replayed, nil
}
