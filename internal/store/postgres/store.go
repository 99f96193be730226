// Package postgres is a tracker.Store backed by PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/djlord-it/deliveryguard/internal/aggregate"
	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded migrations through a goose provider scoped
// to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations dir: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Store implements tracker.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateDefinition inserts the definition and its zeroed counters row in
// one transaction.
func (s *Store) CreateDefinition(ctx context.Context, def domain.Definition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, queryInsertDefinition,
		string(def.ID),
		string(def.ClusterID),
		def.Name,
		def.Description,
		def.Target,
		string(def.TargetType),
		def.Secret,
		def.Policy.MaxAttempts,
		pq.Array(backoffMillis(def.Policy.Backoff)),
		def.Policy.AckTimeout.Milliseconds(),
		def.Policy.MaxInDoubtDwell.Milliseconds(),
		def.CreatedAt,
		def.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateName, def.Name)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, queryInsertCounters, string(def.ID)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetDefinition(ctx context.Context, cluster domain.ClusterID, name string) (domain.Definition, error) {
	return scanDefinition(s.db.QueryRowContext(ctx, queryGetDefinition, string(cluster), name))
}

func (s *Store) GetDefinitionByID(ctx context.Context, id domain.DefinitionID) (domain.Definition, error) {
	return scanDefinition(s.db.QueryRowContext(ctx, queryGetDefinitionByID, string(id)))
}

func (s *Store) UpdateDefinition(ctx context.Context, def domain.Definition) error {
	result, err := s.db.ExecContext(ctx, queryUpdateDefinition,
		def.Name,
		def.Description,
		def.Target,
		string(def.TargetType),
		def.Secret,
		def.Policy.MaxAttempts,
		pq.Array(backoffMillis(def.Policy.Backoff)),
		def.Policy.AckTimeout.Milliseconds(),
		def.Policy.MaxInDoubtDwell.Milliseconds(),
		def.UpdatedAt,
		string(def.ID),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateName, def.Name)
		}
		return err
	}
	return expectOneRow(result, "definition", string(def.ID))
}

// MarkDefinitionDeleted locks the definition row before counting open
// instances. Append takes a share lock on the same row when it creates an
// instance, so the count cannot go stale before the update commits.
func (s *Store) MarkDefinitionDeleted(ctx context.Context, id domain.DefinitionID, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, queryLockDefinitionForDelete, string(id)).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}

	var open int
	if err := tx.QueryRowContext(ctx, queryCountOpenInstances, string(id)).Scan(&open); err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("%w: definition %s has %d open instances", domain.ErrInUse, id, open)
	}

	result, err := tx.ExecContext(ctx, queryMarkDefinitionDeleted, at, string(id))
	if err != nil {
		return err
	}
	if err := expectOneRow(result, "definition", string(id)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListDefinitions(ctx context.Context, filter tracker.DefinitionFilter) ([]domain.Definition, error) {
	rows, err := s.db.QueryContext(ctx, queryListDefinitions, string(filter.ClusterID), string(filter.TargetType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Append writes events, the instance snapshot and counter deltas in one
// transaction. The snapshot update is guarded by the expected seq, so the
// row lock Postgres takes for the UPDATE serializes racing writers and the
// loser sees zero rows affected. Creation share-locks the live definition
// row, which blocks a concurrent MarkDefinitionDeleted until it commits.
func (s *Store) Append(ctx context.Context, c tracker.Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inst := c.Instance
	if c.ExpectedSeq == 0 {
		var live string
		err := tx.QueryRowContext(ctx, queryLockLiveDefinition, string(inst.DefinitionID)).Scan(&live)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("definition %s: %w", inst.DefinitionID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, queryInsertInstance,
			string(inst.ID),
			string(inst.DefinitionID),
			string(inst.ClusterID),
			string(inst.State),
			inst.PayloadRef,
			inst.Attempts,
			inst.Seq,
			inst.CreatedAt,
			inst.UpdatedAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("instance %s already exists: %w", inst.ID, domain.ErrConflict)
			}
			return err
		}
	} else {
		result, err := tx.ExecContext(ctx, queryUpdateInstance,
			string(inst.State),
			inst.Attempts,
			inst.Seq,
			inst.UpdatedAt,
			string(inst.ID),
			c.ExpectedSeq,
		)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Either the instance does not exist or another writer moved it.
			var seq int64
			err := tx.QueryRowContext(ctx, queryGetInstanceSeq, string(inst.ID)).Scan(&seq)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("instance %s: %w", inst.ID, domain.ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("instance %s at seq %d, expected %d: %w", inst.ID, seq, c.ExpectedSeq, domain.ErrConflict)
		}
	}

	for _, ev := range c.Events {
		_, err := tx.ExecContext(ctx, queryInsertEvent,
			string(ev.ID),
			string(ev.InstanceID),
			string(ev.DefinitionID),
			string(ev.ClusterID),
			ev.Seq,
			string(ev.Kind),
			string(ev.From),
			string(ev.To),
			ev.Attempt,
			ev.Retryable,
			string(ev.Resolution),
			ev.OperatorID,
			ev.Note,
			ev.Detail,
			ev.PayloadRef,
			ev.At,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("instance %s event seq %d: %w", ev.InstanceID, ev.Seq, domain.ErrConflict)
			}
			return err
		}
	}

	for _, d := range c.Deltas {
		var inc domain.Summary
		inc.ApplyDelta(d)
		_, err := tx.ExecContext(ctx, queryApplyCounterDelta,
			inc.Total,
			inc.InProgress,
			inc.InDoubt,
			inc.ArchSuccess,
			inc.ArchFailed,
			d.At,
			string(d.DefinitionID),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetInstance(ctx context.Context, id domain.InstanceID) (domain.Instance, error) {
	return scanInstance(s.db.QueryRowContext(ctx, queryGetInstance, string(id)))
}

func (s *Store) ListInstances(ctx context.Context, filter tracker.InstanceFilter) ([]domain.Instance, error) {
	states := make([]string, len(filter.States))
	for i, st := range filter.States {
		states[i] = string(st)
	}
	var before sql.NullTime
	if !filter.UpdatedBefore.IsZero() {
		before = sql.NullTime{Time: filter.UpdatedBefore, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, queryListInstances,
		string(filter.ClusterID),
		string(filter.DefinitionID),
		string(filter.TargetType),
		pq.Array(states),
		before,
		filter.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CountOpenInstances(ctx context.Context, id domain.DefinitionID) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, queryCountOpenInstances, string(id)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Events(ctx context.Context, id domain.InstanceID) ([]domain.Event, error) {
	events, err := queryEventRows(ctx, s.db, queryEvents, string(id))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	return events, nil
}

func (s *Store) EventsByDefinition(ctx context.Context, id domain.DefinitionID) ([]domain.Event, error) {
	return queryEventRows(ctx, s.db, queryEventsByDefinition, string(id))
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryEventRows(ctx context.Context, q querier, query string, arg string) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Event
	for rows.Next() {
		var ev domain.Event
		var id, instID, defID, cluster, kind, from, to, resolution string
		err := rows.Scan(
			&id, &instID, &defID, &cluster, &ev.Seq, &kind, &from, &to,
			&ev.Attempt, &ev.Retryable, &resolution, &ev.OperatorID, &ev.Note, &ev.Detail, &ev.PayloadRef, &ev.At,
		)
		if err != nil {
			return nil, err
		}
		ev.ID = domain.EventID(id)
		ev.InstanceID = domain.InstanceID(instID)
		ev.DefinitionID = domain.DefinitionID(defID)
		ev.ClusterID = domain.ClusterID(cluster)
		ev.Kind = domain.EventKind(kind)
		ev.From = domain.State(from)
		ev.To = domain.State(to)
		ev.Resolution = domain.Resolution(resolution)
		ev.At = ev.At.UTC()
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Summary(ctx context.Context, id domain.DefinitionID) (domain.Summary, error) {
	return summary(ctx, s.db, id)
}

func summary(ctx context.Context, q querier, id domain.DefinitionID) (domain.Summary, error) {
	var sum domain.Summary
	var last sql.NullTime
	err := q.QueryRowContext(ctx, queryGetCounters, string(id)).Scan(
		&sum.Total, &sum.InProgress, &sum.InDoubt, &sum.ArchSuccess, &sum.ArchFailed, &last,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return sum, fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return sum, err
	}
	if last.Valid {
		sum.LastUpdated = last.Time.UTC()
	}
	return sum, nil
}

// CounterState reads under one REPEATABLE READ snapshot, so the cached
// counters and the ledger always come from the same set of commits.
func (s *Store) CounterState(ctx context.Context, id domain.DefinitionID) (tracker.CounterState, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return tracker.CounterState{}, err
	}
	defer tx.Rollback()

	var st tracker.CounterState
	if st.Cached, err = summary(ctx, tx, id); err != nil {
		return tracker.CounterState{}, err
	}
	if st.Events, err = queryEventRows(ctx, tx, queryEventsByDefinition, string(id)); err != nil {
		return tracker.CounterState{}, err
	}

	rows, err := tx.QueryContext(ctx, queryInstancesByDefinition, string(id))
	if err != nil {
		return tracker.CounterState{}, err
	}
	defer rows.Close()
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return tracker.CounterState{}, err
		}
		st.Instances = append(st.Instances, inst)
	}
	if err := rows.Err(); err != nil {
		return tracker.CounterState{}, err
	}
	return st, tx.Commit()
}

// RebuildCounters locks the counters row before reading the ledger. Append
// updates that row last, so a racing commit either lands before the lock
// and is in the replay, or waits and applies its delta on top.
func (s *Store) RebuildCounters(ctx context.Context, id domain.DefinitionID) (domain.Summary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Summary{}, err
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, queryLockCounters, string(id)).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Summary{}, fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Summary{}, err
	}

	events, err := queryEventRows(ctx, tx, queryEventsByDefinition, string(id))
	if err != nil {
		return domain.Summary{}, err
	}
	sum := aggregate.FromEvents(events)[id]

	var last sql.NullTime
	if !sum.LastUpdated.IsZero() {
		last = sql.NullTime{Time: sum.LastUpdated, Valid: true}
	}
	_, err = tx.ExecContext(ctx, queryReplaceCounters,
		sum.Total, sum.InProgress, sum.InDoubt, sum.ArchSuccess, sum.ArchFailed, last, string(id),
	)
	if err != nil {
		return domain.Summary{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Summary{}, err
	}
	return sum, nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func expectOneRow(result sql.Result, what, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (domain.Definition, error) {
	var def domain.Definition
	var id, cluster, targetType string
	var backoff []int64
	var ackMs, dwellMs int64
	var deletedAt sql.NullTime

	err := row.Scan(
		&id,
		&cluster,
		&def.Name,
		&def.Description,
		&def.Target,
		&targetType,
		&def.Secret,
		&def.Policy.MaxAttempts,
		pq.Array(&backoff),
		&ackMs,
		&dwellMs,
		&def.CreatedAt,
		&def.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return def, fmt.Errorf("definition: %w", domain.ErrNotFound)
		}
		return def, err
	}

	def.ID = domain.DefinitionID(id)
	def.ClusterID = domain.ClusterID(cluster)
	def.TargetType = domain.TargetType(targetType)
	def.Policy.Backoff = make([]time.Duration, len(backoff))
	for i, ms := range backoff {
		def.Policy.Backoff[i] = time.Duration(ms) * time.Millisecond
	}
	def.Policy.AckTimeout = time.Duration(ackMs) * time.Millisecond
	def.Policy.MaxInDoubtDwell = time.Duration(dwellMs) * time.Millisecond
	def.CreatedAt = def.CreatedAt.UTC()
	def.UpdatedAt = def.UpdatedAt.UTC()
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		def.DeletedAt = &at
	}
	return def, nil
}

func scanInstance(row scanner) (domain.Instance, error) {
	var inst domain.Instance
	var id, defID, cluster, state string
	err := row.Scan(
		&id,
		&defID,
		&cluster,
		&state,
		&inst.PayloadRef,
		&inst.Attempts,
		&inst.Seq,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inst, fmt.Errorf("instance: %w", domain.ErrNotFound)
		}
		return inst, err
	}
	inst.ID = domain.InstanceID(id)
	inst.DefinitionID = domain.DefinitionID(defID)
	inst.ClusterID = domain.ClusterID(cluster)
	inst.State = domain.State(state)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return inst, nil
}

func backoffMillis(b []time.Duration) []int64 {
	out := make([]int64, len(b))
	for i, d := range b {
		out[i] = d.Milliseconds()
	}
	return out
}

// Compile-time interface assertion
var _ tracker.Store = (*Store)(nil)
