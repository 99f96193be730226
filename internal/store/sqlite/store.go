package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/djlord-it/deliveryguard/internal/aggregate"
	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

// Store implements [tracker.Store] backed by SQLite.
type Store struct {
	DB *sql.DB
}

var _ tracker.Store = (*Store)(nil)

const definitionColumns = `id, cluster_id, name, description, target, target_type, secret,
	max_attempts, backoff_ms, ack_timeout_ms, max_in_doubt_dwell_ms,
	created_at, updated_at, deleted_at`

const instanceColumns = `id, definition_id, cluster_id, state, payload_ref, attempts, seq, created_at, updated_at`

const eventColumns = `id, instance_id, definition_id, cluster_id, seq, kind, from_state, to_state,
	attempt, retryable, resolution, operator_id, note, detail, payload_ref, at`

const openStates = `'QUEUED', 'IN_PROGRESS', 'IN_DOUBT', 'FAILED_RETRYABLE'`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *Store) CreateDefinition(ctx context.Context, def domain.Definition) error {
	backoff, err := encodeBackoff(def.Policy.Backoff)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO definitions (`+definitionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		string(def.ID), string(def.ClusterID), def.Name, def.Description, def.Target, string(def.TargetType), def.Secret,
		def.Policy.MaxAttempts, backoff, def.Policy.AckTimeout.Milliseconds(), def.Policy.MaxInDoubtDwell.Milliseconds(),
		formatTime(def.CreatedAt), formatTime(def.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateName, def.Name)
		}
		return fmt.Errorf("insert definition: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO definition_counters (definition_id) VALUES (?)`, string(def.ID)); err != nil {
		return fmt.Errorf("insert counters: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetDefinition(ctx context.Context, cluster domain.ClusterID, name string) (domain.Definition, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM definitions
		 WHERE cluster_id = ? AND name = ? AND deleted_at IS NULL`,
		string(cluster), name,
	)
	return scanDefinition(row)
}

func (s *Store) GetDefinitionByID(ctx context.Context, id domain.DefinitionID) (domain.Definition, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM definitions WHERE id = ?`, string(id))
	return scanDefinition(row)
}

func (s *Store) UpdateDefinition(ctx context.Context, def domain.Definition) error {
	backoff, err := encodeBackoff(def.Policy.Backoff)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE definitions SET
		   name = ?, description = ?, target = ?, target_type = ?, secret = ?,
		   max_attempts = ?, backoff_ms = ?, ack_timeout_ms = ?, max_in_doubt_dwell_ms = ?,
		   updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		def.Name, def.Description, def.Target, string(def.TargetType), def.Secret,
		def.Policy.MaxAttempts, backoff, def.Policy.AckTimeout.Milliseconds(), def.Policy.MaxInDoubtDwell.Milliseconds(),
		formatTime(def.UpdatedAt), string(def.ID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateName, def.Name)
		}
		return fmt.Errorf("update definition: %w", err)
	}
	return expectOneRow(res, "definition", string(def.ID))
}

// MarkDefinitionDeleted checks for open instances inside the UPDATE itself,
// so a concurrent Append cannot slip an instance in between.
func (s *Store) MarkDefinitionDeleted(ctx context.Context, id domain.DefinitionID, at time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE definitions SET deleted_at = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL
		   AND NOT EXISTS (SELECT 1 FROM instances WHERE definition_id = ? AND state IN (`+openStates+`))`,
		formatTime(at), formatTime(at), string(id), string(id),
	)
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var open int
		err := tx.QueryRowContext(ctx,
			`SELECT (SELECT COUNT(*) FROM instances WHERE definition_id = d.id AND state IN (`+openStates+`))
			 FROM definitions d WHERE d.id = ? AND d.deleted_at IS NULL`,
			string(id),
		).Scan(&open)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("count open instances: %w", err)
		}
		return fmt.Errorf("%w: definition %s has %d open instances", domain.ErrInUse, id, open)
	}
	return tx.Commit()
}

func (s *Store) ListDefinitions(ctx context.Context, filter tracker.DefinitionFilter) ([]domain.Definition, error) {
	where := []string{"deleted_at IS NULL"}
	var args []any
	if filter.ClusterID != "" {
		where = append(where, "cluster_id = ?")
		args = append(args, string(filter.ClusterID))
	}
	if filter.TargetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, string(filter.TargetType))
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM definitions
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []domain.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (s *Store) Append(ctx context.Context, c tracker.Commit) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	inst := c.Instance
	if c.ExpectedSeq == 0 {
		// The definition must still be live when the row lands.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO instances (`+instanceColumns+`)
			 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
			 WHERE EXISTS (SELECT 1 FROM definitions WHERE id = ? AND deleted_at IS NULL)`,
			string(inst.ID), string(inst.DefinitionID), string(inst.ClusterID), string(inst.State), inst.PayloadRef,
			inst.Attempts, inst.Seq, formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
			string(inst.DefinitionID),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("instance %s already exists: %w", inst.ID, domain.ErrConflict)
			}
			return fmt.Errorf("insert instance: %w", err)
		}
		if err := expectOneRow(res, "definition", string(inst.DefinitionID)); err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE instances SET state = ?, attempts = ?, seq = ?, updated_at = ?
			 WHERE id = ? AND seq = ?`,
			string(inst.State), inst.Attempts, inst.Seq, formatTime(inst.UpdatedAt),
			string(inst.ID), c.ExpectedSeq,
		)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			var seq int64
			err := tx.QueryRowContext(ctx, `SELECT seq FROM instances WHERE id = ?`, string(inst.ID)).Scan(&seq)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("instance %s: %w", inst.ID, domain.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("read instance seq: %w", err)
			}
			return fmt.Errorf("instance %s at seq %d, expected %d: %w", inst.ID, seq, c.ExpectedSeq, domain.ErrConflict)
		}
	}

	for _, ev := range c.Events {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO instance_events (`+eventColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(ev.ID), string(ev.InstanceID), string(ev.DefinitionID), string(ev.ClusterID), ev.Seq,
			string(ev.Kind), string(ev.From), string(ev.To), ev.Attempt, ev.Retryable,
			string(ev.Resolution), ev.OperatorID, ev.Note, ev.Detail, ev.PayloadRef, formatTime(ev.At),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("instance %s event seq %d: %w", ev.InstanceID, ev.Seq, domain.ErrConflict)
			}
			return fmt.Errorf("insert event: %w", err)
		}
	}

	for _, d := range c.Deltas {
		var inc domain.Summary
		inc.ApplyDelta(d)
		at := formatTime(d.At)
		_, err := tx.ExecContext(ctx,
			`UPDATE definition_counters SET
			   total = total + ?, in_progress = in_progress + ?, in_doubt = in_doubt + ?,
			   arch_success = arch_success + ?, arch_failed = arch_failed + ?,
			   last_updated = CASE WHEN last_updated IS NULL OR last_updated < ? THEN ? ELSE last_updated END
			 WHERE definition_id = ?`,
			inc.Total, inc.InProgress, inc.InDoubt, inc.ArchSuccess, inc.ArchFailed, at, at, string(d.DefinitionID),
		)
		if err != nil {
			return fmt.Errorf("update counters: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetInstance(ctx context.Context, id domain.InstanceID) (domain.Instance, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, string(id))
	return scanInstance(row)
}

func (s *Store) ListInstances(ctx context.Context, filter tracker.InstanceFilter) ([]domain.Instance, error) {
	var where []string
	var args []any
	if filter.ClusterID != "" {
		where = append(where, "i.cluster_id = ?")
		args = append(args, string(filter.ClusterID))
	}
	if filter.DefinitionID != "" {
		where = append(where, "i.definition_id = ?")
		args = append(args, string(filter.DefinitionID))
	}
	if filter.TargetType != "" {
		where = append(where, "d.target_type = ?")
		args = append(args, string(filter.TargetType))
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "i.state IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "i.updated_at < ?")
		args = append(args, formatTime(filter.UpdatedBefore))
	}

	q := `SELECT i.id, i.definition_id, i.cluster_id, i.state, i.payload_ref, i.attempts, i.seq, i.created_at, i.updated_at
		  FROM instances i JOIN definitions d ON d.id = i.definition_id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY i.created_at, i.id"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) CountOpenInstances(ctx context.Context, id domain.DefinitionID) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances WHERE definition_id = ? AND state IN (`+openStates+`)`,
		string(id),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open instances: %w", err)
	}
	return n, nil
}

func (s *Store) Events(ctx context.Context, id domain.InstanceID) ([]domain.Event, error) {
	events, err := queryEvents(ctx, s.DB,
		`SELECT `+eventColumns+` FROM instance_events WHERE instance_id = ? ORDER BY seq`, string(id))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	return events, nil
}

func (s *Store) EventsByDefinition(ctx context.Context, id domain.DefinitionID) ([]domain.Event, error) {
	return eventsByDefinition(ctx, s.DB, id)
}

func eventsByDefinition(ctx context.Context, q querier, id domain.DefinitionID) ([]domain.Event, error) {
	return queryEvents(ctx, q,
		`SELECT `+eventColumns+` FROM instance_events WHERE definition_id = ? ORDER BY instance_id, seq`, string(id))
}

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Summary(ctx context.Context, id domain.DefinitionID) (domain.Summary, error) {
	return summary(ctx, s.DB, id)
}

func summary(ctx context.Context, q querier, id domain.DefinitionID) (domain.Summary, error) {
	var sum domain.Summary
	var last sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT total, in_progress, in_doubt, arch_success, arch_failed, last_updated
		 FROM definition_counters WHERE definition_id = ?`,
		string(id),
	).Scan(&sum.Total, &sum.InProgress, &sum.InDoubt, &sum.ArchSuccess, &sum.ArchFailed, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return sum, fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return sum, fmt.Errorf("read counters: %w", err)
	}
	t, err := parseNullTime(last)
	if err != nil {
		return sum, err
	}
	if t != nil {
		sum.LastUpdated = *t
	}
	return sum, nil
}

// CounterState reads inside one transaction; with a single pooled
// connection no writer can interleave.
func (s *Store) CounterState(ctx context.Context, id domain.DefinitionID) (tracker.CounterState, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return tracker.CounterState{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var st tracker.CounterState
	if st.Cached, err = summary(ctx, tx, id); err != nil {
		return tracker.CounterState{}, err
	}
	if st.Events, err = eventsByDefinition(ctx, tx, id); err != nil {
		return tracker.CounterState{}, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE definition_id = ? ORDER BY created_at, id`, string(id))
	if err != nil {
		return tracker.CounterState{}, fmt.Errorf("list instances: %w", err)
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

// RebuildCounters touches the counters row first so the transaction holds
// the write lock before it reads the ledger.
func (s *Store) RebuildCounters(ctx context.Context, id domain.DefinitionID) (domain.Summary, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE definition_counters SET total = total WHERE definition_id = ?`, string(id))
	if err != nil {
		return domain.Summary{}, fmt.Errorf("lock counters: %w", err)
	}
	if err := expectOneRow(res, "definition", string(id)); err != nil {
		return domain.Summary{}, err
	}

	events, err := eventsByDefinition(ctx, tx, id)
	if err != nil {
		return domain.Summary{}, err
	}
	sum := aggregate.FromEvents(events)[id]

	var last any
	if !sum.LastUpdated.IsZero() {
		last = formatTime(sum.LastUpdated)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE definition_counters SET
		   total = ?, in_progress = ?, in_doubt = ?, arch_success = ?, arch_failed = ?, last_updated = ?
		 WHERE definition_id = ?`,
		sum.Total, sum.InProgress, sum.InDoubt, sum.ArchSuccess, sum.ArchFailed, last, string(id),
	)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("replace counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Summary{}, fmt.Errorf("commit: %w", err)
	}
	return sum, nil
}

func expectOneRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return nil
}

func scanDefinition(s scanner) (domain.Definition, error) {
	var d domain.Definition
	var id, cluster, targetType, backoff, createdAt, updatedAt string
	var ackMs, dwellMs int64
	var deletedAt sql.NullString
	err := s.Scan(&id, &cluster, &d.Name, &d.Description, &d.Target, &targetType, &d.Secret,
		&d.Policy.MaxAttempts, &backoff, &ackMs, &dwellMs, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, fmt.Errorf("definition: %w", domain.ErrNotFound)
		}
		return d, fmt.Errorf("scan definition: %w", err)
	}
	d.ID = domain.DefinitionID(id)
	d.ClusterID = domain.ClusterID(cluster)
	d.TargetType = domain.TargetType(targetType)
	d.Policy.AckTimeout = time.Duration(ackMs) * time.Millisecond
	d.Policy.MaxInDoubtDwell = time.Duration(dwellMs) * time.Millisecond
	if d.Policy.Backoff, err = decodeBackoff(backoff); err != nil {
		return d, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return d, err
	}
	if d.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return d, err
	}
	return d, nil
}

func scanInstance(s scanner) (domain.Instance, error) {
	var inst domain.Instance
	var id, defID, cluster, state, createdAt, updatedAt string
	err := s.Scan(&id, &defID, &cluster, &state, &inst.PayloadRef, &inst.Attempts, &inst.Seq, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inst, fmt.Errorf("instance: %w", domain.ErrNotFound)
		}
		return inst, fmt.Errorf("scan instance: %w", err)
	}
	inst.ID = domain.InstanceID(id)
	inst.DefinitionID = domain.DefinitionID(defID)
	inst.ClusterID = domain.ClusterID(cluster)
	inst.State = domain.State(state)
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return inst, err
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return inst, err
	}
	return inst, nil
}

func scanEvent(s scanner) (domain.Event, error) {
	var ev domain.Event
	var id, instID, defID, cluster, kind, from, to, resolution, at string
	err := s.Scan(&id, &instID, &defID, &cluster, &ev.Seq, &kind, &from, &to,
		&ev.Attempt, &ev.Retryable, &resolution, &ev.OperatorID, &ev.Note, &ev.Detail, &ev.PayloadRef, &at)
	if err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.ID = domain.EventID(id)
	ev.InstanceID = domain.InstanceID(instID)
	ev.DefinitionID = domain.DefinitionID(defID)
	ev.ClusterID = domain.ClusterID(cluster)
	ev.Kind = domain.EventKind(kind)
	ev.From = domain.State(from)
	ev.To = domain.State(to)
	ev.Resolution = domain.Resolution(resolution)
	if ev.At, err = parseTime(at); err != nil {
		return ev, err
	}
	return ev, nil
}
