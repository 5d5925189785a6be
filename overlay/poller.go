// Package overlay keeps the file manager's status badges in step with the
// engine. Two loops poll the engine over the extension socket: one for
// the sync root, one for status changes. Badges reach the file manager
// through a Presenter.
package overlay

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crosscloudio/client/clock"
	"github.com/crosscloudio/client/shellext"
)

const (
	DefaultRootInterval   = 15 * time.Second
	DefaultStatusInterval = time.Second

	// MaxAncestorSteps bounds a single ancestor walk.
	MaxAncestorSteps = 1000
)

// Source is the subset of the extension client the poller uses.
// *shellext.Client implements it.
type Source interface {
	SyncDirectory(ctx context.Context) (string, bool)
	PathStatus(ctx context.Context, path string) (string, bool)
	StatusUpdates(ctx context.Context) ([]shellext.StatusUpdate, bool)
}

// Presenter renders roots and badges in the file manager.
type Presenter interface {
	WatchRoot(root string)
	UnwatchRoot(root string)
	SetBadge(path, status string)
}

// Config controls poll intervals.
type Config struct {
	RootInterval   time.Duration
	StatusInterval time.Duration
	Clock          clock.Clock
}

func (c Config) withDefaults() Config {
	if c.RootInterval <= 0 {
		c.RootInterval = DefaultRootInterval
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// Poller runs the sync-root and status loops.
type Poller struct {
	src       Source
	presenter Presenter
	cache     Cache
	cfg       Config
	log       *slog.Logger

	root atomic.Pointer[string]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a stopped Poller.
func NewPoller(src Source, presenter Presenter, cache Cache, cfg Config, log *slog.Logger) *Poller {
	return &Poller{
		src:       src,
		presenter: presenter,
		cache:     cache,
		cfg:       cfg.withDefaults(),
		log:       log,
	}
}

// Root returns the cached sync root.
func (p *Poller) Root() (string, bool) {
	r := p.root.Load()
	if r == nil {
		return "", false
	}
	return *r, true
}

// RefreshSyncRoot fetches the sync root once and updates the presenter
// when it changed.
func (p *Poller) RefreshSyncRoot(ctx context.Context) {
	old, hadRoot := p.Root()

	dir, ok := p.src.SyncDirectory(ctx)
	if !ok {
		if hadRoot {
			p.log.Info("sync root gone", "root", old)
			p.root.Store(nil)
			p.presenter.UnwatchRoot(old)
		}
		return
	}

	dir = filepath.Clean(dir)
	if hadRoot && samePath(dir, old) {
		return
	}

	p.log.Info("sync root changed", "old", old, "new", dir)
	p.root.Store(&dir)
	if hadRoot {
		p.presenter.UnwatchRoot(old)
		if err := p.cache.Clear(); err != nil {
			p.log.Warn("failed to clear status cache", "error", err)
		}
	}
	p.presenter.WatchRoot(dir)
}

// RefreshStatus drains pending status updates once, applies each one and
// re-checks its ancestors. It returns the number of updates applied.
func (p *Poller) RefreshStatus(ctx context.Context) int {
	updates, ok := p.src.StatusUpdates(ctx)
	if !ok {
		return 0
	}
	for _, u := range updates {
		if u.Path == "" {
			continue
		}
		p.apply(u.Path, u.Status)
		p.CheckAncestors(ctx, u.Path)
	}
	return len(updates)
}

func (p *Poller) apply(path, status string) {
	if err := p.cache.Put(path, status); err != nil {
		p.log.Warn("failed to cache status", "path", path, "error", err)
	}
	p.presenter.SetBadge(path, status)
}

// CheckAncestors queries and applies the status of each directory above
// path, up to and including the sync root. The walk stops at the root's
// parent, at the filesystem root, after MaxAncestorSteps queries, or at
// the first failed query. Without a cached root nothing is queried. It
// returns the number of queries made.
func (p *Poller) CheckAncestors(ctx context.Context, path string) int {
	root, ok := p.Root()
	if !ok {
		return 0
	}
	stop := filepath.Dir(root)

	steps := 0
	cur := filepath.Dir(filepath.Clean(path))
	for cur != "" && cur != stop && steps < MaxAncestorSteps {
		if ctx.Err() != nil {
			break
		}
		status, ok := p.src.PathStatus(ctx, cur)
		steps++
		if !ok {
			p.log.Debug("ancestor status unavailable", "path", cur)
			break
		}
		p.apply(cur, status)

		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return steps
}

// samePath reports whether a and b name the same directory, following
// symlinks and case-insensitive filesystems. Paths that cannot be
// stat'd compare by string.
func samePath(a, b string) bool {
	if a == b {
		return true
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(infoA, infoB)
}

// RequestBadge answers an on-demand badge request for path. When the
// engine cannot answer, the path is shown as synced.
func (p *Poller) RequestBadge(ctx context.Context, path string) string {
	status, ok := p.src.PathStatus(ctx, path)
	if !ok {
		status = shellext.StatusSynced
	} else if err := p.cache.Put(path, status); err != nil {
		p.log.Warn("failed to cache status", "path", path, "error", err)
	}
	p.presenter.SetBadge(path, status)
	return status
}

// Start launches both loops. Each loop runs one refresh immediately and
// then on every tick until Stop or ctx cancellation.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.loop(ctx, "sync root", p.cfg.RootInterval, p.RefreshSyncRoot)
	go p.loop(ctx, "status", p.cfg.StatusInterval, func(ctx context.Context) { p.RefreshStatus(ctx) })
}

func (p *Poller) loop(ctx context.Context, name string, interval time.Duration, refresh func(context.Context)) {
	defer p.wg.Done()
	ticker := p.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	p.log.Debug("poll loop started", "loop", name, "interval", interval)
	refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("poll loop stopped", "loop", name)
			return
		case <-ticker.C:
			refresh(ctx)
		}
	}
}

// Stop cancels both loops and waits for them to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
}
