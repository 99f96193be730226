package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func definitionRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "cluster_id", "name", "description", "target", "target_type", "secret",
		"max_attempts", "backoff_ms", "ack_timeout_ms", "max_in_doubt_dwell_ms",
		"created_at", "updated_at", "deleted_at",
	}).AddRow(
		"def-1", "c1", "orders", "order events", "http://example.test/hook", "http", "s3cret",
		3, "{0,30000}", 10000, 3600000,
		t0, t0, nil,
	)
}

func TestStore_GetDefinition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(queryGetDefinition)).
		WithArgs("c1", "orders").
		WillReturnRows(definitionRow())

	def, err := store.GetDefinition(ctx, "c1", "orders")
	require.NoError(t, err)
	assert.Equal(t, domain.DefinitionID("def-1"), def.ID)
	assert.Equal(t, domain.TargetTypeHTTP, def.TargetType)
	assert.Equal(t, []time.Duration{0, 30 * time.Second}, def.Policy.Backoff)
	assert.Equal(t, 10*time.Second, def.Policy.AckTimeout)
	assert.Equal(t, time.Hour, def.Policy.MaxInDoubtDwell)
	assert.False(t, def.Deleted())

	// Empty result set surfaces as ErrNotFound.
	mock.ExpectQuery(regexp.QuoteMeta(queryGetDefinition)).
		WithArgs("c1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.GetDefinition(ctx, "c1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateDefinition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	def := domain.Definition{
		ID:         "def-1",
		ClusterID:  "c1",
		Name:       "orders",
		Target:     "http://example.test/hook",
		TargetType: domain.TargetTypeHTTP,
		Policy:     domain.RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{time.Second}, AckTimeout: time.Second},
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryInsertDefinition)).
		WithArgs("def-1", "c1", "orders", "", "http://example.test/hook", "http", "",
			3, sqlmock.AnyArg(), int64(1000), int64(0), t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryInsertCounters)).
		WithArgs("def-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, store.CreateDefinition(context.Background(), def))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateDefinitionDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryInsertDefinition)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err = store.CreateDefinition(context.Background(), domain.Definition{ID: "def-2", ClusterID: "c1", Name: "orders"})
	assert.ErrorIs(t, err, domain.ErrDuplicateName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	inst := domain.Instance{
		ID: "inst-1", DefinitionID: "def-1", ClusterID: "c1",
		State: domain.StateQueued, PayloadRef: "blob://1", Seq: 1,
		CreatedAt: t0, UpdatedAt: t0,
	}
	ev := domain.Event{
		ID: "ev-1", InstanceID: "inst-1", DefinitionID: "def-1", ClusterID: "c1",
		Seq: 1, Kind: domain.EventCreated, To: domain.StateQueued, PayloadRef: "blob://1", At: t0,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryLockLiveDefinition)).
		WithArgs("def-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("def-1"))
	mock.ExpectExec(regexp.QuoteMeta(queryInsertInstance)).
		WithArgs("inst-1", "def-1", "c1", "QUEUED", "blob://1", 0, int64(1), t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryInsertEvent)).
		WithArgs("ev-1", "inst-1", "def-1", "c1", int64(1), "created", "", "QUEUED",
			0, false, "", "", "", "", "blob://1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryApplyCounterDelta)).
		WithArgs(int64(1), int64(1), int64(0), int64(0), int64(0), t0, "def-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.Append(context.Background(), tracker.Commit{
		Instance: inst,
		Events:   []domain.Event{ev},
		Deltas:   []domain.CounterDelta{{DefinitionID: "def-1", To: domain.StateQueued, At: t0}},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendCreateDeletedDefinition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// A deleted definition has no live row to share-lock.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryLockLiveDefinition)).
		WithArgs("def-gone").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err = New(db).Append(context.Background(), tracker.Commit{
		Instance: domain.Instance{ID: "inst-1", DefinitionID: "def-gone", Seq: 1},
		Events:   []domain.Event{{ID: "ev-1", InstanceID: "inst-1", Seq: 1, Kind: domain.EventCreated}},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendStaleSeq(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	inst := domain.Instance{ID: "inst-1", State: domain.StateInProgress, Attempts: 1, Seq: 3, UpdatedAt: t0}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryUpdateInstance)).
		WithArgs("IN_PROGRESS", 1, int64(3), t0, "inst-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(queryGetInstanceSeq)).
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(4)))
	mock.ExpectRollback()

	err = store.Append(context.Background(), tracker.Commit{Instance: inst, ExpectedSeq: 2})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendUnknownInstance(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryUpdateInstance)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(queryGetInstanceSeq)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))
	mock.ExpectRollback()

	err = store.Append(context.Background(), tracker.Commit{Instance: domain.Instance{ID: "ghost", Seq: 2}, ExpectedSeq: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendDuplicateEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryUpdateInstance)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryInsertEvent)).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err = store.Append(context.Background(), tracker.Commit{
		Instance:    domain.Instance{ID: "inst-1", Seq: 2},
		ExpectedSeq: 1,
		Events:      []domain.Event{{ID: "ev-2", InstanceID: "inst-1", Seq: 2, Kind: domain.EventDispatched}},
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Summary(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	cols := []string{"total", "in_progress", "in_doubt", "arch_success", "arch_failed", "last_updated"}

	mock.ExpectQuery(regexp.QuoteMeta(queryGetCounters)).
		WithArgs("def-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(4), int64(1), int64(1), int64(1), int64(1), t0))
	mock.ExpectQuery(regexp.QuoteMeta(queryGetCounters)).
		WithArgs("def-new").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(0), int64(0), int64(0), int64(0), int64(0), nil))
	mock.ExpectQuery(regexp.QuoteMeta(queryGetCounters)).
		WithArgs("def-none").
		WillReturnRows(sqlmock.NewRows(cols))

	sum, err := store.Summary(context.Background(), "def-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum.Total)
	assert.NoError(t, sum.Check())
	assert.True(t, sum.LastUpdated.Equal(t0))

	sum, err = store.Summary(context.Background(), "def-new")
	require.NoError(t, err)
	assert.True(t, sum.LastUpdated.IsZero())

	_, err = store.Summary(context.Background(), "def-none")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListInstances(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	cols := []string{"id", "definition_id", "cluster_id", "state", "payload_ref", "attempts", "seq", "created_at", "updated_at"}

	mock.ExpectQuery(regexp.QuoteMeta(queryListInstances)).
		WithArgs("c1", "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), 50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("inst-1", "def-1", "c1", "IN_DOUBT", "blob://1", 1, int64(3), t0, t0.Add(time.Minute)))

	got, err := store.ListInstances(context.Background(), tracker.InstanceFilter{
		ClusterID:     "c1",
		States:        []domain.State{domain.StateInDoubt},
		UpdatedBefore: t0.Add(time.Hour),
		Limit:         50,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.StateInDoubt, got[0].State)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkDefinitionDeleted(t *testing.T) {
	tests := []struct {
		name    string
		locked  bool
		open    int
		wantErr error
	}{
		{name: "missing", wantErr: domain.ErrNotFound},
		{name: "open instances", locked: true, open: 2, wantErr: domain.ErrInUse},
		{name: "idle", locked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			lockRows := sqlmock.NewRows([]string{"id"})
			if tt.locked {
				lockRows.AddRow("def-1")
			}
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta(queryLockDefinitionForDelete)).
				WithArgs("def-1").
				WillReturnRows(lockRows)
			if tt.locked {
				mock.ExpectQuery(regexp.QuoteMeta(queryCountOpenInstances)).
					WithArgs("def-1").
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.open))
			}
			if tt.wantErr == nil {
				mock.ExpectExec(regexp.QuoteMeta(queryMarkDefinitionDeleted)).
					WithArgs(t0, "def-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			} else {
				mock.ExpectRollback()
			}

			err = New(db).MarkDefinitionDeleted(context.Background(), "def-1", t0)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func eventRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "instance_id", "definition_id", "cluster_id", "seq", "kind", "from_state", "to_state",
		"attempt", "retryable", "resolution", "operator_id", "note", "detail", "payload_ref", "at",
	})
}

func TestStore_RebuildCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	later := t0.Add(time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryLockCounters)).
		WithArgs("def-1").
		WillReturnRows(sqlmock.NewRows([]string{"definition_id"}).AddRow("def-1"))
	mock.ExpectQuery(regexp.QuoteMeta(queryEventsByDefinition)).
		WithArgs("def-1").
		WillReturnRows(eventRows().
			AddRow("ev-1", "inst-1", "def-1", "c1", int64(1), "created", "", "QUEUED", 0, false, "", "", "", "", "blob://1", t0).
			AddRow("ev-2", "inst-1", "def-1", "c1", int64(2), "dispatched", "QUEUED", "IN_PROGRESS", 1, false, "", "", "", "", "", later).
			AddRow("ev-3", "inst-2", "def-1", "c1", int64(1), "created", "", "QUEUED", 0, false, "", "", "", "", "blob://2", t0))
	mock.ExpectExec(regexp.QuoteMeta(queryReplaceCounters)).
		WithArgs(int64(2), int64(2), int64(0), int64(0), int64(0), sqlmock.AnyArg(), "def-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sum, err := New(db).RebuildCounters(context.Background(), "def-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Total)
	assert.Equal(t, int64(2), sum.InProgress)
	assert.True(t, sum.LastUpdated.Equal(later))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RebuildCountersUnknownDefinition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryLockCounters)).
		WithArgs("def-x").
		WillReturnRows(sqlmock.NewRows([]string{"definition_id"}))
	mock.ExpectRollback()

	_, err = New(db).RebuildCounters(context.Background(), "def-x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CounterState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryGetCounters)).
		WithArgs("def-1").
		WillReturnRows(sqlmock.NewRows([]string{"total", "in_progress", "in_doubt", "arch_success", "arch_failed", "last_updated"}).
			AddRow(int64(1), int64(1), int64(0), int64(0), int64(0), t0))
	mock.ExpectQuery(regexp.QuoteMeta(queryEventsByDefinition)).
		WithArgs("def-1").
		WillReturnRows(eventRows().
			AddRow("ev-1", "inst-1", "def-1", "c1", int64(1), "created", "", "QUEUED", 0, false, "", "", "", "", "blob://1", t0))
	mock.ExpectQuery(regexp.QuoteMeta(queryInstancesByDefinition)).
		WithArgs("def-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "definition_id", "cluster_id", "state", "payload_ref", "attempts", "seq", "created_at", "updated_at"}).
			AddRow("inst-1", "def-1", "c1", "QUEUED", "blob://1", 0, int64(1), t0, t0))
	mock.ExpectCommit()

	st, err := New(db).CounterState(context.Background(), "def-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Cached.Total)
	assert.Len(t, st.Events, 1)
	require.Len(t, st.Instances, 1)
	assert.Equal(t, domain.StateQueued, st.Instances[0].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}
