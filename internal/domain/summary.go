package domain

import (
	"fmt"
	"time"
)

// Summary holds the aggregate counters exposed per definition.
type Summary struct {
	Total       int64
	InProgress  int64
	InDoubt     int64
	ArchSuccess int64
	ArchFailed  int64

	LastUpdated time.Time
}

// Check verifies total == in_progress + in_doubt + arch_success + arch_failed.
func (s Summary) Check() error {
	sum := s.InProgress + s.InDoubt + s.ArchSuccess + s.ArchFailed
	if s.Total != sum {
		return fmt.Errorf("summary invariant violated: total=%d parts=%d", s.Total, sum)
	}
	return nil
}

// SameCounts compares counters, ignoring LastUpdated.
func (s Summary) SameCounts(o Summary) bool {
	return s.Total == o.Total &&
		s.InProgress == o.InProgress &&
		s.InDoubt == o.InDoubt &&
		s.ArchSuccess == o.ArchSuccess &&
		s.ArchFailed == o.ArchFailed
}

type CounterBucket int

const (
	BucketInProgress CounterBucket = iota
	BucketInDoubt
	BucketArchSuccess
	BucketArchFailed
)

// Bucket maps each state to exactly one counter.
func Bucket(s State) CounterBucket {
	switch s {
	case StateInDoubt:
		return BucketInDoubt
	case StateConfirmed, StateArchivedSuccess:
		return BucketArchSuccess
	case StateArchivedFailed:
		return BucketArchFailed
	default:
		return BucketInProgress
	}
}

// Adjust adds delta to the bucket of state s. Total is not touched.
func (s *Summary) Adjust(st State, delta int64) {
	switch Bucket(st) {
	case BucketInDoubt:
		s.InDoubt += delta
	case BucketArchSuccess:
		s.ArchSuccess += delta
	case BucketArchFailed:
		s.ArchFailed += delta
	default:
		s.InProgress += delta
	}
}

// CounterDelta is the counter change produced by one commit.
// From is empty when an instance is created.
type CounterDelta struct {
	DefinitionID DefinitionID
	From         State
	To           State
	At           time.Time
}

// ApplyDelta moves one instance between buckets, or adds a new one.
func (s *Summary) ApplyDelta(d CounterDelta) {
	if d.From == "" {
		s.Total++
	} else {
		s.Adjust(d.From, -1)
	}
	s.Adjust(d.To, 1)
	if d.At.After(s.LastUpdated) {
		s.LastUpdated = d.At
	}
}
