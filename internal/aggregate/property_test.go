package aggregate

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

func TestProperty_CountersMatchRecompute(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("moved counters equal a recompute from instances", prop.ForAll(
		func(n int, moves []int) bool {
			c := NewCounters()
			defs := []domain.DefinitionID{"d1", "d2"}
			instances := make([]domain.Instance, n)
			for i := range instances {
				instances[i] = domain.Instance{
					ID:           domain.InstanceID(string(rune('a' + i))),
					DefinitionID: defs[i%len(defs)],
					State:        domain.StateQueued,
				}
				c.Apply(domain.CounterDelta{DefinitionID: instances[i].DefinitionID, To: domain.StateQueued})
			}

			// Each move picks an instance and a target state.
			for _, m := range moves {
				inst := &instances[m%n]
				to := domain.States[(m/n)%len(domain.States)]
				c.Apply(domain.CounterDelta{DefinitionID: inst.DefinitionID, From: inst.State, To: to})
				inst.State = to
			}

			want := FromInstances(instances)
			for _, d := range defs {
				got := c.Summary(d)
				if got.Check() != nil || !got.SameCounts(want[d]) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
