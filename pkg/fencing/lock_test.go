package fencing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProcesses reports only the listed PIDs as running.
type fakeProcesses struct {
	mu    sync.Mutex
	alive map[int]bool
}

func newFakeProcesses(pids ...int) *fakeProcesses {
	fp := &fakeProcesses{alive: map[int]bool{}}
	for _, p := range pids {
		fp.alive[p] = true
	}
	return fp
}

func (f *fakeProcesses) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeProcesses) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
}

// interleavedChecker runs before once, ahead of its first liveness answer.
type interleavedChecker struct {
	ProcessChecker
	once   sync.Once
	before func()
}

func (c *interleavedChecker) Alive(pid int) bool {
	c.once.Do(c.before)
	return c.ProcessChecker.Alive(pid)
}

func writeLockfile(t *testing.T, path string, pid int, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%10d\n", pid)), 0o644); err != nil {
		t.Fatalf("Failed to write lockfile: %v", err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Failed to age lockfile: %v", err)
	}
}

func mustAcquire(t *testing.T, m *LockManager, channel string) *Lease {
	t.Helper()
	lease, err := m.Acquire(context.Background(), channel, time.Second)
	if err != nil {
		t.Fatalf("Acquire(%s) failed: %v", channel, err)
	}
	return lease
}

func TestAcquireWritesUUCPLockfile(t *testing.T) {
	dir := t.TempDir()
	m := NewLockManager(dir, time.Minute, withPID(4242))

	lease := mustAcquire(t, m, "/dev/ttyS0")

	if lease.Channel != "ttyS0" {
		t.Errorf("Expected channel ttyS0, got %q", lease.Channel)
	}
	if want := filepath.Join(dir, "LCK..ttyS0"); lease.Path() != want {
		t.Errorf("Expected lockfile %s, got %s", want, lease.Path())
	}

	data, err := os.ReadFile(lease.Path())
	if err != nil {
		t.Fatalf("Failed to read lockfile: %v", err)
	}
	if string(data) != "      4242\n" {
		t.Errorf("Expected UUCP formatted pid, got %q", data)
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lease.Path()); !os.IsNotExist(err) {
		t.Errorf("Expected lockfile to be removed, stat returned %v", err)
	}

	// second release is a no-op
	if err := lease.Release(); err != nil {
		t.Errorf("Second release returned %v", err)
	}
}

func TestAcquireRejectsBadChannel(t *testing.T) {
	m := NewLockManager(t.TempDir(), time.Minute)
	for _, ch := range []string{"", "  ", "/", ".."} {
		if _, err := m.Acquire(context.Background(), ch, time.Second); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("channel %q: expected ErrInvalidChannel, got %v", ch, err)
		}
	}
}

func TestTokensIncreasePerChannel(t *testing.T) {
	m := NewLockManager(t.TempDir(), time.Minute)
	var last uint64
	for i := 0; i < 3; i++ {
		lease := mustAcquire(t, m, "ttyS0")
		if lease.Token <= last {
			t.Errorf("Expected token above %d, got %d", last, lease.Token)
		}
		last = lease.Token
		if err := lease.Release(); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}
}

func TestConcurrentAcquireIsExclusive(t *testing.T) {
	m := NewLockManager(t.TempDir(), time.Minute, WithPollInterval(time.Millisecond))

	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire(context.Background(), "ttyS0", 5*time.Second)
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := holders.Add(1)
			for {
				old := maxHolders.Load()
				if n <= old || maxHolders.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			holders.Add(-1)
			if err := lease.Release(); err != nil {
				t.Errorf("Release failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxHolders.Load(); got != 1 {
		t.Errorf("Expected at most 1 concurrent holder, got %d", got)
	}
}

func TestDifferentChannelsDoNotBlock(t *testing.T) {
	m := NewLockManager(t.TempDir(), time.Minute)

	a := mustAcquire(t, m, "ttyS0")
	defer a.Release()

	b, err := m.Acquire(context.Background(), "ttyS1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected ttyS1 to be free, got %v", err)
	}
	defer b.Release()
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	m := NewLockManager(t.TempDir(), time.Minute, WithPollInterval(5*time.Millisecond))

	held := mustAcquire(t, m, "ttyS0")
	defer held.Release()

	if _, err := m.Acquire(context.Background(), "ttyS0", 30*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}
}

func TestCrossProcessExclusionViaLockfile(t *testing.T) {
	dir := t.TempDir()
	procs := newFakeProcesses(100, 200)
	first := NewLockManager(dir, time.Minute, withPID(100), WithProcessChecker(procs), WithPollInterval(5*time.Millisecond))
	second := NewLockManager(dir, time.Minute, withPID(200), WithProcessChecker(procs), WithPollInterval(5*time.Millisecond))

	lease := mustAcquire(t, first, "ttyS0")

	if _, err := second.Acquire(context.Background(), "ttyS0", 30*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout while first holds the channel, got %v", err)
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	lease2 := mustAcquire(t, second, "ttyS0")
	if err := lease2.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestStaleLockFromDeadHolderIsBrokenAfterGrace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LCK..ttyS0")
	writeLockfile(t, path, 31337, 2*time.Minute)

	var broken atomic.Int32
	m := NewLockManager(dir, time.Minute,
		WithProcessChecker(newFakeProcesses()),
		WithStaleHook(func(channel string, holder int, age time.Duration) {
			if channel != "ttyS0" || holder != 31337 {
				t.Errorf("Unexpected stale hook call: channel=%s holder=%d", channel, holder)
			}
			broken.Add(1)
		}))

	lease := mustAcquire(t, m, "ttyS0")
	defer lease.Release()

	if got := broken.Load(); got != 1 {
		t.Errorf("Expected 1 stale lock broken, got %d", got)
	}
	leftovers, _ := filepath.Glob(path + ".stale.*")
	if len(leftovers) != 0 {
		t.Errorf("Expected no files left aside, got %v", leftovers)
	}
}

// TestConcurrentStaleBreakKeepsOneHolder lets a second process break the
// same stale lock and take the channel while the first is still judging it.
func TestConcurrentStaleBreakKeepsOneHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LCK..ttyS0")
	writeLockfile(t, path, 999, time.Hour)

	procs := newFakeProcesses(1001, 1002)
	first := NewLockManager(dir, time.Minute, withPID(1001), WithProcessChecker(procs), WithPollInterval(5*time.Millisecond))

	var firstLease *Lease
	var firstErr error
	checker := &interleavedChecker{
		ProcessChecker: procs,
		before: func() {
			firstLease, firstErr = first.Acquire(context.Background(), "ttyS0", time.Second)
		},
	}
	second := NewLockManager(dir, time.Minute, withPID(1002), WithProcessChecker(checker), WithPollInterval(5*time.Millisecond))

	secondLease, err := second.Acquire(context.Background(), "ttyS0", 50*time.Millisecond)
	if firstErr != nil {
		t.Fatalf("First acquire failed: %v", firstErr)
	}
	if err == nil {
		secondLease.Release()
		t.Fatal("Both processes hold channel ttyS0")
	}
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}

	holder, err := readHolder(path)
	if err != nil {
		t.Fatalf("Failed to read lockfile: %v", err)
	}
	if holder != 1001 {
		t.Errorf("Expected lockfile held by pid 1001, got %d", holder)
	}
	if err := firstLease.Release(); err != nil {
		t.Errorf("Release by the real holder failed: %v", err)
	}

	leftovers, _ := filepath.Glob(path + ".stale.*")
	if len(leftovers) != 0 {
		t.Errorf("Expected no files left aside, got %v", leftovers)
	}
}

func TestStaleLockWithinGraceIsKept(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LCK..ttyS0")
	writeLockfile(t, path, 31337, time.Second)

	m := NewLockManager(dir, time.Hour, WithProcessChecker(newFakeProcesses()), WithPollInterval(5*time.Millisecond))

	if _, err := m.Acquire(context.Background(), "ttyS0", 30*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Lockfile must survive inside the grace period: %v", err)
	}
}

func TestLiveHolderIsNeverBroken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LCK..ttyS0")
	writeLockfile(t, path, 31337, time.Hour)

	m := NewLockManager(dir, time.Second, WithProcessChecker(newFakeProcesses(31337)), WithPollInterval(5*time.Millisecond))

	if _, err := m.Acquire(context.Background(), "ttyS0", 30*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}
}

func TestHolderDiesWhileWaiting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LCK..ttyS0")
	writeLockfile(t, path, 31337, time.Hour)

	procs := newFakeProcesses(31337)
	m := NewLockManager(dir, time.Second, WithProcessChecker(procs), WithPollInterval(5*time.Millisecond))

	go func() {
		time.Sleep(30 * time.Millisecond)
		procs.kill(31337)
	}()

	lease, err := m.Acquire(context.Background(), "ttyS0", 2*time.Second)
	if err != nil {
		t.Fatalf("Expected the lock once the holder died, got %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestGarbageLockfileIsStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "LCK..ttyS0")
	if err := os.WriteFile(path, []byte("not a pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	m := NewLockManager(dir, time.Minute)
	lease := mustAcquire(t, m, "ttyS0")
	if err := lease.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestReleaseDetectsLostLock(t *testing.T) {
	m := NewLockManager(t.TempDir(), time.Minute, withPID(100))
	lease := mustAcquire(t, m, "ttyS0")

	writeLockfile(t, lease.Path(), 999, 0)
	err := lease.Release()
	if !errors.Is(err, ErrLockLost) {
		t.Errorf("Expected ErrLockLost, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "999") {
		t.Errorf("Expected the foreign pid in %q", err)
	}

	// a foreign lockfile is left alone
	if _, err := os.Stat(lease.Path()); err != nil {
		t.Errorf("Foreign lockfile was removed: %v", err)
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	m := NewLockManager(t.TempDir(), time.Minute)
	held := mustAcquire(t, m, "ttyS0")
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, "ttyS0", time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
