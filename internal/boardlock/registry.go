package boardlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hdlci/coreci/internal/log"
)

// ErrAcquireTimeout is returned when a bounded Acquire gives up before the
// board becomes free. The branch must be reported as Failure without ever
// having started work.
var ErrAcquireTimeout = errors.New("board lock wait timeout")

// flockPollInterval is how often we re-try the cross-process flock while
// another process holds the board.
const flockPollInterval = 100 * time.Millisecond

// Registry hands out mutual-exclusion handles for physical board classes.
// It is created once at process start and never reset. Exclusion holds
// across processes: each board is backed by an flock(2)-held lock file, so
// concurrent pipeline runs on the same host contend for the same hardware.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*boardLock
}

type boardLock struct {
	resource string
	path     string

	// sem serializes in-process holders. Blocked acquirers are granted
	// eventually once the holder releases; no strict FIFO guarantee.
	sem chan struct{}

	mu     sync.Mutex
	holder string
}

// Handle represents one granted acquisition. Release is idempotent.
type Handle struct {
	lock *boardLock
	f    *os.File

	once sync.Once
}

// NewRegistry creates a lock registry whose lock files live under dir.
func NewRegistry(dir string) (*Registry, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &Registry{
		dir:    dir,
		logger: log.WithComponent("boardlock"),
		locks:  make(map[string]*boardLock),
	}, nil
}

// Acquire blocks until the named board is free, then grants it exclusively
// to holder. A positive maxWait bounds the wait; exceeding it returns
// ErrAcquireTimeout. Context cancellation aborts the wait with ctx.Err().
func (r *Registry) Acquire(ctx context.Context, resource, holder string, maxWait time.Duration) (*Handle, error) {
	if resource == "" {
		return nil, fmt.Errorf("resource name is empty")
	}

	l := r.lockFor(resource)

	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	r.logger.Debug("waiting for board", "resource", resource, "holder", holder)

	select {
	case l.sem <- struct{}{}:
	case <-waitCtx.Done():
		return nil, r.waitErr(waitCtx, ctx, resource, holder)
	}

	f, err := l.flock(waitCtx)
	if err != nil {
		<-l.sem
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, r.waitErr(waitCtx, ctx, resource, holder)
		}
		return nil, err
	}

	l.mu.Lock()
	l.holder = holder
	l.mu.Unlock()

	r.logger.Debug("board acquired", "resource", resource, "holder", holder)
	return &Handle{lock: l, f: f}, nil
}

// Holder reports who currently holds the named board within this process,
// or "" when it is free. Intended for status output and tests.
func (r *Registry) Holder(resource string) string {
	r.mu.Lock()
	l, ok := r.locks[resource]
	r.mu.Unlock()
	if !ok {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

func (r *Registry) lockFor(resource string) *boardLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[resource]; ok {
		return l
	}
	l := &boardLock{
		resource: resource,
		path:     filepath.Join(r.dir, resource+".lock"),
		sem:      make(chan struct{}, 1),
	}
	r.locks[resource] = l
	return l
}

func (r *Registry) waitErr(waitCtx, ctx context.Context, resource, holder string) error {
	// Distinguish a bounded-wait expiry from an external cancellation: the
	// outer ctx is still live when only our own deadline fired.
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		r.logger.Warn("board wait timed out", "resource", resource, "holder", holder)
		return fmt.Errorf("resource %q: %w", resource, ErrAcquireTimeout)
	}
	return waitCtx.Err()
}

// flock takes the cross-process file lock, polling until granted or ctx is
// done. The in-process semaphore is already held at this point, so the only
// contention is with other processes.
func (l *boardLock) flock(ctx context.Context) (*os.File, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(flockPollInterval):
		}
	}

	// Best effort: record the owning pid for operators poking around.
	_ = f.Truncate(0)
	if _, err := f.Seek(0, 0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
		_ = f.Sync()
	}
	return f, nil
}

// Release frees the board. A second Release on the same handle is a no-op.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.lock.mu.Lock()
		h.lock.holder = ""
		h.lock.mu.Unlock()

		_ = syscall.Flock(int(h.f.Fd()), syscall.LOCK_UN)
		_ = h.f.Close()
		<-h.lock.sem
	})
}

// Resource names the board this handle holds.
func (h *Handle) Resource() string {
	return h.lock.resource
}
