package fencing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/logging"
	"github.com/dd0wney/cluso-arbiter/pkg/metrics"
)

// ProcessChecker reports whether a process id is still running.
type ProcessChecker interface {
	Alive(pid int) bool
}

// StaleHook is told about every stale lock that was broken.
type StaleHook func(channel string, holder int, age time.Duration)

// LockManager hands out exclusive leases on fencing channels.
//
// Exclusion is two-level:
// 1. Within this process, a one-slot semaphore per channel.
// 2. Across processes on the node, a UUCP style lockfile LCK..<channel>
//    in the lock directory holding the owner's PID as "%10d\n".
//
// A lockfile whose holder no longer runs and whose age exceeds the grace
// period is stale and gets removed, so a crashed fencer cannot wedge the
// channel forever.
type LockManager struct {
	dir     string
	grace   time.Duration
	poll    time.Duration
	pid     int
	checker ProcessChecker
	onStale StaleHook
	logger  logging.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu     sync.Mutex
	sems   map[string]chan struct{}
	tokens map[string]uint64
}

// LockOption configures a LockManager.
type LockOption func(*LockManager)

func WithProcessChecker(pc ProcessChecker) LockOption {
	return func(m *LockManager) { m.checker = pc }
}

func WithPollInterval(d time.Duration) LockOption {
	return func(m *LockManager) { m.poll = d }
}

func WithStaleHook(h StaleHook) LockOption {
	return func(m *LockManager) { m.onStale = h }
}

func WithLockLogger(l logging.Logger) LockOption {
	return func(m *LockManager) { m.logger = l }
}

func WithLockMetrics(r *metrics.Registry) LockOption {
	return func(m *LockManager) { m.metrics = r }
}

// withPID overrides the PID written into lockfiles.
func withPID(pid int) LockOption {
	return func(m *LockManager) { m.pid = pid }
}

// NewLockManager creates a manager for lockfiles in dir.
func NewLockManager(dir string, grace time.Duration, opts ...LockOption) *LockManager {
	m := &LockManager{
		dir:     dir,
		grace:   grace,
		poll:    250 * time.Millisecond,
		pid:     os.Getpid(),
		checker: signalChecker{},
		logger:  logging.NewNopLogger(),
		now:     time.Now,
		sems:    make(map[string]chan struct{}),
		tokens:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease is an exclusive hold on one fencing channel.
type Lease struct {
	Channel  string
	Token    uint64
	Acquired time.Time
	Waited   time.Duration

	path    string
	manager *LockManager
	once    sync.Once
	err     error
}

// Path returns the lockfile backing the lease.
func (l *Lease) Path() string {
	return l.path
}

// Release gives the channel back. It is safe to call more than once; only
// the first call has any effect.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.err = l.manager.release(l)
	})
	return l.err
}

// channelName reduces a channel such as /dev/ttyS0 to ttyS0.
func channelName(channel string) (string, error) {
	name := filepath.Base(strings.TrimSpace(channel))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return name, nil
}

// LockPath returns the lockfile path for channel.
func (m *LockManager) LockPath(channel string) (string, error) {
	name, err := channelName(channel)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.dir, "LCK.."+name), nil
}

func (m *LockManager) semaphore(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.sems[name]
	if !ok {
		sem = make(chan struct{}, 1)
		m.sems[name] = sem
	}
	return sem
}

// Acquire waits up to wait for exclusive use of channel.
func (m *LockManager) Acquire(ctx context.Context, channel string, wait time.Duration) (*Lease, error) {
	name, err := channelName(channel)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(m.dir, "LCK.."+name)
	start := m.now()

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	sem := m.semaphore(name)
	select {
	case sem <- struct{}{}:
	case <-waitCtx.Done():
		return nil, m.waitErr(ctx, channel)
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		created, err := m.tryCreate(path)
		if err != nil {
			<-sem
			return nil, err
		}
		if created {
			break
		}
		if m.breakIfStale(name, path) {
			continue
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			<-sem
			return nil, m.waitErr(ctx, channel)
		}
	}

	m.mu.Lock()
	m.tokens[name]++
	token := m.tokens[name]
	m.mu.Unlock()

	now := m.now()
	return &Lease{
		Channel:  name,
		Token:    token,
		Acquired: now,
		Waited:   now.Sub(start),
		path:     path,
		manager:  m,
	}, nil
}

func (m *LockManager) waitErr(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("acquire %s: %w", channel, err)
	}
	return fmt.Errorf("acquire %s: %w", channel, ErrLockTimeout)
}

// tryCreate attempts the exclusive create. It reports false when another
// lockfile is already present.
func (m *LockManager) tryCreate(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lockfile: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%10d\n", m.pid)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		return false, fmt.Errorf("write lockfile: %w", errors.Join(werr, cerr))
	}
	return true, nil
}

// readHolder returns the PID recorded in a lockfile, or 0 if unparsable.
func readHolder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, nil
	}
	return pid, nil
}

// breakIfStale removes the lockfile at path when its holder is gone and it
// is older than the grace period. It reports whether the caller should
// retry creation immediately.
//
// The file is renamed aside before removal and checked again there. Another
// waiter may have broken the same lock and created its own in the meantime;
// such a file is put back rather than deleted.
func (m *LockManager) breakIfStale(name, path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		return false
	}

	holder, err := readHolder(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		return false
	}
	// Our own PID cannot be a live lease: we hold the channel semaphore.
	if holder != 0 && holder != m.pid && m.checker.Alive(holder) {
		return false
	}

	age := m.now().Sub(info.ModTime())
	if age < m.grace {
		return false
	}

	aside := fmt.Sprintf("%s.stale.%d.%d", path, m.pid, time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true
		}
		m.logger.Error("failed to move stale fencing lock aside",
			logging.Channel(name), logging.String("path", path), logging.Error(err))
		return false
	}
	if !sameLock(aside, info, holder) {
		m.restore(name, path, aside)
		return false
	}
	if err := os.Remove(aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("failed to remove stale fencing lock",
			logging.Channel(name), logging.String("path", aside), logging.Error(err))
	}

	m.logger.Warn("broke stale fencing lock",
		logging.Channel(name),
		logging.Int("holder_pid", holder),
		logging.Duration("age", age))
	if m.metrics != nil {
		m.metrics.FenceStaleLocksBroken.Inc()
	}
	if m.onStale != nil {
		m.onStale(name, holder, age)
	}
	return true
}

// sameLock reports whether the file at path is still the lockfile that was
// judged stale: same file, same mtime and same recorded holder.
func sameLock(path string, judged os.FileInfo, holder int) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !os.SameFile(judged, info) || !info.ModTime().Equal(judged.ModTime()) {
		return false
	}
	got, err := readHolder(path)
	return err == nil && got == holder
}

// restore puts a lockfile that was moved aside back in place. The link
// fails if a new lockfile appeared at path, so a live lock is never replaced.
func (m *LockManager) restore(name, path, aside string) {
	err := os.Link(aside, path)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		// No hard links on this filesystem.
		if _, serr := os.Lstat(path); errors.Is(serr, fs.ErrNotExist) {
			if err = os.Rename(aside, path); err == nil {
				return
			}
		}
	}
	if err != nil {
		m.logger.Error("failed to restore fencing lock moved aside",
			logging.Channel(name), logging.String("path", aside), logging.Error(err))
		return
	}
	os.Remove(aside)
}

func (m *LockManager) release(l *Lease) error {
	defer func() { <-m.semaphore(l.Channel) }()

	holder, err := readHolder(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release %s: %w", l.Channel, ErrLockLost)
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", l.Channel, err)
	}
	if holder != m.pid {
		return fmt.Errorf("release %s: held by pid %d: %w", l.Channel, holder, ErrLockLost)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release %s: %w", l.Channel, err)
	}
	return nil
}
