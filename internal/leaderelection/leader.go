// Package leaderelection makes sure only one deliveryguard process runs the
// singleton duties (the reconciler) against a shared Postgres store.
//
// Leadership is a session-scoped Postgres advisory lock held on a dedicated
// connection. There is no renewal or TTL: if the connection dies, Postgres
// releases the lock server-side. The heartbeat ping only detects local
// connection death so the leader stops its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	queryTryLock = `SELECT pg_try_advisory_lock($1)`
	queryUnlock  = `SELECT pg_advisory_unlock($1)`
)

// Reasons reported when leadership ends.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
	ReasonDutyExit = "duty_exit"
)

// unlockTimeout bounds the explicit unlock on the way out.
const unlockTimeout = 5 * time.Second

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Duty is work that must run on exactly one process at a time.
// Run blocks until ctx is cancelled.
type Duty interface {
	Run(ctx context.Context) error
}

// DutyFunc adapts a function to Duty.
type DutyFunc func(ctx context.Context) error

func (f DutyFunc) Run(ctx context.Context) error { return f(ctx) }

// Config controls the election loop.
type Config struct {
	LockKey int64

	// RetryInterval is how often a follower tries to take the lock.
	RetryInterval time.Duration

	// HeartbeatInterval is how often the leader pings its connection.
	HeartbeatInterval time.Duration
}

// Elector runs duties while it holds the advisory lock.
type Elector struct {
	db      *sql.DB
	config  Config
	duties  []Duty
	metrics MetricsSink // optional, nil = disabled

	leader atomic.Bool
}

// New creates an Elector. Duties are started together when the lock is
// acquired and are all stopped before the lock is released.
func New(db *sql.DB, config Config, duties ...Duty) *Elector {
	return &Elector{
		db:     db,
		config: config,
		duties: duties,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this process currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run starts the election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: starting election loop (lock_key=%d, retry=%s, heartbeat=%s, duties=%d)",
		e.config.LockKey, e.config.RetryInterval, e.config.HeartbeatInterval, len(e.duties))

	for {
		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}
		if reason != "" {
			log.Printf("leader: lost leadership (reason=%s), will retry in %s", reason, e.config.RetryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

// runOnce tries to take the lock and, on success, runs the duties until
// leadership ends. It returns why leadership ended, or "" if the lock was
// not acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("leader: failed to acquire dedicated connection: %v", err)
		}
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, queryTryLock, e.config.LockKey).Scan(&acquired); err != nil {
		if ctx.Err() == nil {
			log.Printf("leader: advisory lock query failed: %v", err)
		}
		return ""
	}
	if !acquired {
		log.Printf("leader: lock %d held by another instance", e.config.LockKey)
		return ""
	}

	log.Printf("leader: acquired advisory lock %d", e.config.LockKey)
	e.setLeader(true)
	if e.metrics != nil {
		e.metrics.LeaderAcquired()
	}

	dutyCtx, stopDuties := context.WithCancel(ctx)
	exited := make(chan struct{}, len(e.duties))
	var wg sync.WaitGroup
	for _, d := range e.duties {
		wg.Add(1)
		go func(d Duty) {
			defer wg.Done()
			if err := d.Run(dutyCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("leader: duty exited: %v", err)
			}
			exited <- struct{}{}
		}(d)
	}

	reason := e.holdLock(ctx, conn, exited)

	stopDuties()
	wg.Wait()

	e.unlock(conn)
	e.setLeader(false)
	if e.metrics != nil {
		e.metrics.LeaderLost(reason)
	}
	return reason
}

// holdLock blocks while pinging the dedicated connection. A duty that
// returns on its own also ends leadership, so another process can take over.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn, exited <-chan struct{}) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-exited:
			return ReasonDutyExit
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				log.Printf("leader: dedicated connection ping failed: %v", err)
				return ReasonConnLost
			}
		}
	}
}

// unlock releases the lock explicitly so a standby does not have to wait
// for the server to notice the closed session.
func (e *Elector) unlock(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	var released bool
	if err := conn.QueryRowContext(ctx, queryUnlock, e.config.LockKey).Scan(&released); err != nil {
		log.Printf("leader: explicit unlock failed, server releases lock %d on disconnect: %v", e.config.LockKey, err)
		return
	}
	log.Printf("leader: released advisory lock %d", e.config.LockKey)
}

func (e *Elector) setLeader(v bool) {
	e.leader.Store(v)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(v)
	}
}
