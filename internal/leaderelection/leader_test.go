package leaderelection

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLeaderMetrics struct {
	mu       sync.Mutex
	statuses []bool
	acquired int
	lost     []string
}

func (m *mockLeaderMetrics) LeaderStatusChanged(isLeader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, isLeader)
}

func (m *mockLeaderMetrics) LeaderAcquired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
}

func (m *mockLeaderMetrics) LeaderLost(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, reason)
}

func testConfig() Config {
	return Config{LockKey: 42, RetryInterval: time.Hour, HeartbeatInterval: time.Hour}
}

func lockRows(v bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(v)
}

func TestElector_LockHeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryTryLock)).WithArgs(int64(42)).WillReturnRows(lockRows(false))

	called := false
	e := New(db, testConfig(), DutyFunc(func(ctx context.Context) error {
		called = true
		return nil
	}))

	reason := e.runOnce(context.Background())

	assert.Empty(t, reason)
	assert.False(t, called, "duty must not run without the lock")
	assert.False(t, e.IsLeader())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestElector_LockQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryTryLock)).WithArgs(int64(42)).WillReturnError(errors.New("connection reset"))

	e := New(db, testConfig())
	assert.Empty(t, e.runOnce(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestElector_RunsDutiesUntilShutdown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryTryLock)).WithArgs(int64(42)).WillReturnRows(lockRows(true))
	mock.ExpectQuery(regexp.QuoteMeta(queryUnlock)).WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	started := make(chan struct{}, 2)
	var stopped sync.WaitGroup
	stopped.Add(2)
	duty := DutyFunc(func(ctx context.Context) error {
		defer stopped.Done()
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})

	metrics := &mockLeaderMetrics{}
	e := New(db, testConfig(), duty, duty).WithMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan string, 1)
	go func() { result <- e.runOnce(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("duty was not started")
		}
	}
	assert.True(t, e.IsLeader())

	cancel()
	select {
	case reason := <-result:
		assert.Equal(t, ReasonShutdown, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("runOnce did not return after cancel")
	}
	stopped.Wait()

	assert.False(t, e.IsLeader())
	assert.NoError(t, mock.ExpectationsWereMet())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.acquired)
	assert.Equal(t, []string{ReasonShutdown}, metrics.lost)
	assert.Equal(t, []bool{true, false}, metrics.statuses)
}

func TestElector_DutyExitEndsLeadership(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryTryLock)).WithArgs(int64(42)).WillReturnRows(lockRows(true))
	mock.ExpectQuery(regexp.QuoteMeta(queryUnlock)).WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	e := New(db, testConfig(), DutyFunc(func(ctx context.Context) error {
		return errors.New("bad schedule")
	}))

	reason := e.runOnce(context.Background())

	assert.Equal(t, ReasonDutyExit, reason)
	assert.False(t, e.IsLeader())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestElector_RunStopsOnCancel(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		New(db, testConfig()).Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return for a cancelled context")
	}
}
