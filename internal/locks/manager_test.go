package locks

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"docstore/internal/database"
	"docstore/internal/docs"
	"docstore/internal/testutil"
)

func openLockStore(t *testing.T, path string, busy time.Duration) *database.Manager {
	t.Helper()
	schema, err := Schema()
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	db, err := database.Open(context.Background(), database.Options{
		Path:        path,
		JournalMode: database.JournalDelete,
		BusyTimeout: busy,
		ImmediateTx: true,
		SkipBackup:  true,
		Schema:      schema,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestManager(t *testing.T) (*Manager, *testutil.StubClock) {
	t.Helper()
	clock := testutil.FixedClock()
	db := openLockStore(t, filepath.Join(t.TempDir(), "locks.db"), 0)
	return New(db, Options{Clock: clock}), clock
}

func mustAcquire(t *testing.T, m *Manager, fileID, session string, want bool) {
	t.Helper()
	got, err := m.Acquire(context.Background(), fileID, session)
	if err != nil {
		t.Fatalf("Acquire(%s, %s) error = %v", fileID, session, err)
	}
	if got != want {
		t.Fatalf("Acquire(%s, %s) = %v, want %v", fileID, session, got, want)
	}
}

func TestSchema_CreatesIndexes(t *testing.T) {
	m, _ := newTestManager(t)
	var n int
	err := m.db.DB().QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_locks_%'",
	).Scan(&n)
	if err != nil {
		t.Fatalf("query error = %v", err)
	}
	if n != 2 {
		t.Errorf("index count = %d, want 2", n)
	}
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("free lock is granted", func(t *testing.T) {
		m, _ := newTestManager(t)
		mustAcquire(t, m, "f1", "alice", true)
	})

	t.Run("holder refreshes its lock", func(t *testing.T) {
		m, clock := newTestManager(t)
		mustAcquire(t, m, "f1", "alice", true)
		acquired := clock.Now()

		clock.Advance(60 * time.Second)
		mustAcquire(t, m, "f1", "alice", true)

		// A refresh keeps the lock alive past the original timeout.
		clock.Advance(60 * time.Second)
		mustAcquire(t, m, "f1", "bob", false)

		locks, err := m.ListLocks(ctx, "alice")
		if err != nil {
			t.Fatalf("ListLocks() error = %v", err)
		}
		if len(locks) != 1 {
			t.Fatalf("ListLocks() = %d locks, want 1", len(locks))
		}
		if !locks[0].AcquiredAt.Equal(acquired) {
			t.Errorf("AcquiredAt = %v, want %v", locks[0].AcquiredAt, acquired)
		}
		if want := acquired.Add(60 * time.Second); !locks[0].UpdatedAt.Equal(want) {
			t.Errorf("UpdatedAt = %v, want %v", locks[0].UpdatedAt, want)
		}
	})

	t.Run("fresh lock is denied to others", func(t *testing.T) {
		m, clock := newTestManager(t)
		mustAcquire(t, m, "f1", "alice", true)
		clock.Advance(DefaultTimeout)
		mustAcquire(t, m, "f1", "bob", false)
	})

	t.Run("stale lock is taken over", func(t *testing.T) {
		m, clock := newTestManager(t)
		before := promtest.ToFloat64(acquisitionsTotal.WithLabelValues(outcomeTakeover))

		mustAcquire(t, m, "f1", "alice", true)
		clock.Advance(DefaultTimeout + time.Second)
		mustAcquire(t, m, "f1", "bob", true)
		mustAcquire(t, m, "f1", "alice", false)

		if got := promtest.ToFloat64(acquisitionsTotal.WithLabelValues(outcomeTakeover)) - before; got != 1 {
			t.Errorf("takeovers = %v, want 1", got)
		}
		st, err := m.CheckLock(ctx, "f1", "alice")
		if err != nil {
			t.Fatalf("CheckLock() error = %v", err)
		}
		if st.Owner != "bob" {
			t.Errorf("Owner = %q, want bob", st.Owner)
		}

		// The previous owner can no longer release it; the new owner can.
		if _, err := m.Release(ctx, "f1", "alice"); !errors.Is(err, docs.ErrNotLockOwner) {
			t.Errorf("Release() by previous owner error = %v, want ErrNotLockOwner", err)
		}
		res, err := m.Release(ctx, "f1", "bob")
		if err != nil {
			t.Fatalf("Release() by new owner error = %v", err)
		}
		if res != Released {
			t.Errorf("Release() by new owner = %q, want %q", res, Released)
		}
	})

	t.Run("custom timeout", func(t *testing.T) {
		_, clock := newTestManager(t)
		db := openLockStore(t, filepath.Join(t.TempDir(), "locks.db"), 0)
		m := New(db, Options{Clock: clock, Timeout: 10 * time.Second})
		mustAcquire(t, m, "f1", "alice", true)
		clock.Advance(11 * time.Second)
		mustAcquire(t, m, "f1", "bob", true)
	})

	t.Run("rejects empty ids", func(t *testing.T) {
		m, _ := newTestManager(t)
		for _, args := range [][2]string{{"", "alice"}, {"f1", ""}} {
			if _, err := m.Acquire(ctx, args[0], args[1]); !errors.Is(err, docs.ErrInvalid) {
				t.Errorf("Acquire(%q, %q) error = %v, want ErrInvalid", args[0], args[1], err)
			}
		}
	})
}

func TestAcquire_ConcurrentSessionsGetOneWinner(t *testing.T) {
	m, _ := newTestManager(t)

	const sessions = 8
	var winners atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.Acquire(context.Background(), "f1", string(rune('a'+i)))
			if err != nil {
				errs <- err
				return
			}
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Acquire() error = %v", err)
	}
	if got := winners.Load(); got != 1 {
		t.Errorf("winners = %d, want 1", got)
	}
}

func TestAcquire_RetriesWhileStoreIsBusy(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locks.db")
	db := openLockStore(t, path, 10*time.Millisecond)
	m := New(db, Options{Clock: testutil.FixedClock(), RetryInterval: 20 * time.Millisecond, MaxRetries: 10})

	holder, err := database.OpenConnection(path, database.JournalDelete)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	defer holder.Close()
	conn, err := holder.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() error = %v", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		t.Fatalf("BEGIN EXCLUSIVE error = %v", err)
	}

	before := promtest.ToFloat64(retriesTotal)
	released := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		conn.ExecContext(ctx, "ROLLBACK")
		close(released)
	}()

	mustAcquire(t, m, "f1", "alice", true)
	<-released
	if promtest.ToFloat64(retriesTotal) == before {
		t.Error("expected at least one retry")
	}
}

func TestAcquire_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locks.db")
	db := openLockStore(t, path, 5*time.Millisecond)
	m := New(db, Options{Clock: testutil.FixedClock(), RetryInterval: 5 * time.Millisecond, MaxRetries: 2})

	holder, err := database.OpenConnection(path, database.JournalDelete)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	defer holder.Close()
	conn, err := holder.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() error = %v", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		t.Fatalf("BEGIN EXCLUSIVE error = %v", err)
	}
	defer conn.ExecContext(ctx, "ROLLBACK")

	_, err = m.Acquire(ctx, "f1", "alice")
	if !database.IsTransient(err) {
		t.Errorf("Acquire() error = %v, want a transient error", err)
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	mustAcquire(t, m, "f1", "alice", true)

	if _, err := m.Release(ctx, "f1", "bob"); !errors.Is(err, docs.ErrNotLockOwner) {
		t.Fatalf("Release() by non-owner error = %v, want ErrNotLockOwner", err)
	}
	st, err := m.CheckLock(ctx, "f1", "bob")
	if err != nil {
		t.Fatalf("CheckLock() error = %v", err)
	}
	if !st.Locked {
		t.Fatal("lock was dropped by a failed foreign release")
	}

	for i, want := range []ReleaseResult{Released, AlreadyReleased, AlreadyReleased} {
		got, err := m.Release(ctx, "f1", "alice")
		if err != nil {
			t.Fatalf("Release() #%d error = %v", i, err)
		}
		if got != want {
			t.Errorf("Release() #%d = %q, want %q", i, got, want)
		}
	}

	mustAcquire(t, m, "f1", "bob", true)
}

func TestCheckLock(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)
	mustAcquire(t, m, "f1", "alice", true)

	tests := []struct {
		name    string
		fileID  string
		session string
		advance time.Duration
		want    Status
	}{
		{"unlocked file", "f2", "bob", 0, Status{}},
		{"held by requester", "f1", "alice", 0, Status{Owner: "alice"}},
		{"held by another", "f1", "bob", 0, Status{Locked: true, Owner: "alice"}},
		{"stale", "f1", "bob", DefaultTimeout + time.Second, Status{Owner: "alice", Stale: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Advance(tt.advance)
			got, err := m.CheckLock(ctx, tt.fileID, tt.session)
			if err != nil {
				t.Fatalf("CheckLock() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, *got); diff != "" {
				t.Errorf("CheckLock() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListLocks(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)

	mustAcquire(t, m, "old", "alice", true)
	clock.Advance(DefaultTimeout)
	mustAcquire(t, m, "f2", "alice", true)
	mustAcquire(t, m, "f1", "bob", true)
	clock.Advance(time.Second)

	fileIDs := func(session string) []string {
		t.Helper()
		locks, err := m.ListLocks(ctx, session)
		if err != nil {
			t.Fatalf("ListLocks(%q) error = %v", session, err)
		}
		var ids []string
		for _, l := range locks {
			ids = append(ids, l.FileID)
		}
		return ids
	}

	if diff := cmp.Diff([]string{"f1", "f2"}, fileIDs("")); diff != "" {
		t.Errorf("ListLocks(all) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"f2"}, fileIDs("alice")); diff != "" {
		t.Errorf("ListLocks(alice) mismatch (-want +got):\n%s", diff)
	}
	if got := fileIDs("carol"); len(got) != 0 {
		t.Errorf("ListLocks(carol) = %v, want none", got)
	}
}

func TestReleaseSessionLocks(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	mustAcquire(t, m, "f1", "alice", true)
	mustAcquire(t, m, "f2", "alice", true)
	mustAcquire(t, m, "f3", "bob", true)

	n, err := m.ReleaseSessionLocks(ctx, "alice")
	if err != nil {
		t.Fatalf("ReleaseSessionLocks() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ReleaseSessionLocks() = %d, want 2", n)
	}
	locks, err := m.ListLocks(ctx, "")
	if err != nil {
		t.Fatalf("ListLocks() error = %v", err)
	}
	if len(locks) != 1 || locks[0].SessionID != "bob" {
		t.Errorf("remaining locks = %+v, want only bob's", locks)
	}
}

func TestPurgeStale(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)
	mustAcquire(t, m, "f1", "alice", true)
	mustAcquire(t, m, "f2", "bob", true)
	clock.Advance(DefaultTimeout + time.Second)
	mustAcquire(t, m, "f2", "bob", true)

	n, err := m.PurgeStale(ctx)
	if err != nil {
		t.Fatalf("PurgeStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeStale() = %d, want 1", n)
	}
	st, err := m.CheckLock(ctx, "f1", "carol")
	if err != nil {
		t.Fatalf("CheckLock() error = %v", err)
	}
	if st.Owner != "" {
		t.Errorf("f1 owner = %q after purge, want none", st.Owner)
	}
}
