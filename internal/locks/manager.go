// Package locks implements advisory editing locks, one per file stable id.
//
// A lock belongs to a session and is kept alive by re-acquiring it. A lock
// whose last refresh is older than the timeout is stale and may be taken over
// by any session. Staleness compares wall-clock timestamps written by
// possibly different processes, so clock skew between them shifts takeover
// time by the amount of skew.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"docstore/internal/database"
	"docstore/internal/docs"
)

const (
	// DefaultTimeout is how long a lock survives without a refresh.
	DefaultTimeout = 90 * time.Second
	// DefaultMaxRetries bounds retries of an operation that hit contention.
	DefaultMaxRetries = 5
)

var (
	acquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_lock_acquisitions_total",
			Help: "Lock acquisition attempts by outcome.",
		},
		[]string{"outcome"},
	)
	releasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_lock_releases_total",
			Help: "Lock releases by result.",
		},
		[]string{"result"},
	)
	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docstore_lock_retries_total",
			Help: "Lock operations retried after a transient store error.",
		},
	)
)

// Acquisition outcomes.
const (
	outcomeAcquired  = "acquired"
	outcomeRefreshed = "refreshed"
	outcomeTakeover  = "takeover"
	outcomeDenied    = "denied"
)

// ReleaseResult tells a successful release apart from a no-op one.
type ReleaseResult string

const (
	Released        ReleaseResult = "released"
	AlreadyReleased ReleaseResult = "already_released"
)

// Lock is a held lock.
type Lock struct {
	FileID     string
	SessionID  string
	AcquiredAt time.Time
	UpdatedAt  time.Time
}

// Status is a file's lock state as seen by one session.
type Status struct {
	Locked bool   // held by another session and not stale
	Owner  string // current holder, empty when there is none
	Stale  bool   // a holder exists but its lock has expired
}

// Options configures a Manager.
type Options struct {
	Timeout    time.Duration // defaults to DefaultTimeout
	MaxRetries int           // defaults to DefaultMaxRetries
	Clock      docs.Clock
	Logger     docs.Logger

	// RetryInterval is the first backoff delay; later delays grow from it.
	RetryInterval time.Duration
}

// Manager grants and releases locks.
type Manager struct {
	db   *database.Manager
	opts Options
}

// New creates a Manager over a database opened with Schema. The database
// should use immediate transactions so acquisition takes the write lock
// before reading the current holder.
func New(db *database.Manager, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = docs.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = docs.NewNopLogger()
	}
	return &Manager{db: db, opts: opts}
}

// errHeld aborts an acquisition transaction when the lock belongs to someone else.
var errHeld = errors.New("lock denied")

// Acquire takes or refreshes the lock on fileID for sessionID. It returns
// false, without error, when another session holds a fresh lock.
func (m *Manager) Acquire(ctx context.Context, fileID, sessionID string) (bool, error) {
	if fileID == "" || sessionID == "" {
		return false, fmt.Errorf("%w: file and session ids are required", docs.ErrInvalid)
	}

	var outcome string
	var previous string
	err := m.retry(ctx, func() error {
		return m.db.Transaction(ctx, func(tx *sql.Tx) error {
			cur, err := getLock(ctx, tx, fileID)
			if err != nil {
				return err
			}
			now := m.opts.Clock.Now().UTC()

			switch {
			case cur == nil:
				outcome = outcomeAcquired
				_, err = tx.ExecContext(ctx,
					"INSERT INTO locks (file_id, session_id, acquired_at, updated_at) VALUES (?, ?, ?, ?)",
					fileID, sessionID, now, now)
			case cur.SessionID == sessionID:
				outcome = outcomeRefreshed
				_, err = tx.ExecContext(ctx, "UPDATE locks SET updated_at = ? WHERE file_id = ?", now, fileID)
			case m.stale(cur, now):
				outcome, previous = outcomeTakeover, cur.SessionID
				_, err = tx.ExecContext(ctx,
					"UPDATE locks SET session_id = ?, acquired_at = ?, updated_at = ? WHERE file_id = ?",
					sessionID, now, now, fileID)
			default:
				outcome, previous = outcomeDenied, cur.SessionID
				return errHeld
			}
			return err
		})
	})

	if errors.Is(err, errHeld) {
		acquisitionsTotal.WithLabelValues(outcomeDenied).Inc()
		m.opts.Logger.Debug("lock denied", "file_id", fileID, "session", sessionID, "holder", previous)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquiring lock on %s: %w", fileID, err)
	}

	acquisitionsTotal.WithLabelValues(outcome).Inc()
	if outcome == outcomeTakeover {
		m.opts.Logger.Warn("stale lock taken over", "file_id", fileID, "session", sessionID, "previous", previous)
	} else {
		m.opts.Logger.Debug("lock "+outcome, "file_id", fileID, "session", sessionID)
	}
	return true, nil
}

// Release gives up sessionID's lock on fileID. Releasing a lock that does not
// exist succeeds with AlreadyReleased; releasing another session's lock fails
// with docs.ErrNotLockOwner.
func (m *Manager) Release(ctx context.Context, fileID, sessionID string) (ReleaseResult, error) {
	var result ReleaseResult
	var owner string
	err := m.retry(ctx, func() error {
		return m.db.Transaction(ctx, func(tx *sql.Tx) error {
			cur, err := getLock(ctx, tx, fileID)
			if err != nil {
				return err
			}
			switch {
			case cur == nil:
				result = AlreadyReleased
				return nil
			case cur.SessionID != sessionID:
				owner = cur.SessionID
				return docs.ErrNotLockOwner
			}
			result = Released
			_, err = tx.ExecContext(ctx, "DELETE FROM locks WHERE file_id = ?", fileID)
			return err
		})
	})
	if errors.Is(err, docs.ErrNotLockOwner) {
		m.opts.Logger.Error("release of foreign lock", "file_id", fileID, "session", sessionID, "holder", owner)
		return "", fmt.Errorf("%w: %s is locked by session %s, not %s", docs.ErrNotLockOwner, fileID, owner, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("releasing lock on %s: %w", fileID, err)
	}

	releasesTotal.WithLabelValues(string(result)).Inc()
	m.opts.Logger.Debug("lock "+string(result), "file_id", fileID, "session", sessionID)
	return result, nil
}

// ListLocks returns the locks that are not stale, ordered by file id. A
// non-empty sessionID restricts the list to that session's locks.
func (m *Manager) ListLocks(ctx context.Context, sessionID string) ([]Lock, error) {
	query := "SELECT file_id, session_id, acquired_at, updated_at FROM locks WHERE updated_at >= ?"
	args := []any{m.cutoff()}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY file_id"

	var out []Lock
	err := m.db.GetConnection(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l Lock
			if err := rows.Scan(&l.FileID, &l.SessionID, &l.AcquiredAt, &l.UpdatedAt); err != nil {
				return err
			}
			out = append(out, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	return out, nil
}

// CheckLock reports fileID's lock state from sessionID's point of view.
func (m *Manager) CheckLock(ctx context.Context, fileID, sessionID string) (*Status, error) {
	var cur *Lock
	err := m.db.GetConnection(ctx, func(conn *sql.Conn) error {
		var err error
		cur, err = getLock(ctx, conn, fileID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("checking lock on %s: %w", fileID, err)
	}
	if cur == nil {
		return &Status{}, nil
	}
	st := &Status{Owner: cur.SessionID, Stale: m.stale(cur, m.opts.Clock.Now())}
	st.Locked = !st.Stale && cur.SessionID != sessionID
	return st, nil
}

// ReleaseSessionLocks drops every lock held by sessionID, as on logout, and
// returns how many there were.
func (m *Manager) ReleaseSessionLocks(ctx context.Context, sessionID string) (int, error) {
	n, err := m.deleteWhere(ctx, "session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("releasing locks of session %s: %w", sessionID, err)
	}
	if n > 0 {
		m.opts.Logger.Info("session locks released", "session", sessionID, "count", n)
	}
	return n, nil
}

// PurgeStale deletes stale locks and returns how many were removed.
func (m *Manager) PurgeStale(ctx context.Context) (int, error) {
	n, err := m.deleteWhere(ctx, "updated_at < ?", m.cutoff())
	if err != nil {
		return 0, fmt.Errorf("purging stale locks: %w", err)
	}
	if n > 0 {
		m.opts.Logger.Info("stale locks purged", "count", n)
	}
	return n, nil
}

func (m *Manager) deleteWhere(ctx context.Context, cond string, args ...any) (int, error) {
	var n int64
	err := m.retry(ctx, func() error {
		return m.db.Transaction(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, "DELETE FROM locks WHERE "+cond, args...)
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
	})
	return int(n), err
}

// stale reports whether l has gone unrefreshed for longer than the timeout.
func (m *Manager) stale(l *Lock, now time.Time) bool {
	return now.Sub(l.UpdatedAt) > m.opts.Timeout
}

// cutoff is the oldest refresh time a live lock can have.
func (m *Manager) cutoff() time.Time {
	return m.opts.Clock.Now().UTC().Add(-m.opts.Timeout)
}

// retry runs op until it succeeds, fails with a non-transient error, or has
// been retried MaxRetries times with exponential backoff.
func (m *Manager) retry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.opts.RetryInterval
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.opts.MaxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, errHeld) || !database.IsTransient(err) {
			return backoff.Permanent(err)
		}
		retriesTotal.Inc()
		m.opts.Logger.Warn("lock store busy, retrying", "attempt", attempt, "error", err)
		return err
	}, b)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLock(ctx context.Context, q rowQuerier, fileID string) (*Lock, error) {
	l := Lock{FileID: fileID}
	err := q.QueryRowContext(ctx,
		"SELECT session_id, acquired_at, updated_at FROM locks WHERE file_id = ?", fileID,
	).Scan(&l.SessionID, &l.AcquiredAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}
