package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mirrorkeep/mirrorkeep/internal/config"
	"github.com/mirrorkeep/mirrorkeep/internal/ignore"
	"github.com/mirrorkeep/mirrorkeep/internal/project"
)

// Syncer is the per-project sync pipeline the daemon drives.
// Implemented by syncer.Syncer.
type Syncer interface {
	FullSync(ctx context.Context, p project.Project) error
	QuickSync(ctx context.Context, p project.Project, path string) error
}

type quickJob struct {
	project project.Project
	path    string
}

// Daemon owns all scheduling state: the pending set, the shared debounce
// timer, the quick-sync lane, and the sweep guard. Event handlers mutate
// that state only through markPending/drainPending/tryBeginSweep, never
// directly.
type Daemon struct {
	cfg      *config.Config
	syncer   Syncer
	resolver *ignore.Resolver
	watcher  *Watcher

	ctx context.Context

	// quick is the single-lane FIFO for quick syncs: one consumer
	// goroutine, so at most one is in flight and they run in arrival
	// order.
	quick chan quickJob
	wg    sync.WaitGroup

	mu       sync.Mutex
	pending  map[string]struct{} // project path -> pending full sync
	debounce *time.Timer
	draining bool
	sweeping bool

	lockMu    sync.Mutex
	projLocks map[string]*sync.Mutex
}

// New wires a Daemon. The watcher is created here but not started until
// Run.
func New(cfg *config.Config, s Syncer, resolver *ignore.Resolver) (*Daemon, error) {
	watcher, err := NewWatcher(resolver, cfg.PatternFile)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:       cfg,
		syncer:    s,
		resolver:  resolver,
		watcher:   watcher,
		quick:     make(chan quickJob, 256),
		pending:   make(map[string]struct{}),
		projLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Run watches the roots and schedules syncs until ctx is cancelled.
// In-flight git operations are not guaranteed to complete on shutdown;
// the watcher is closed and the loop exits.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx = ctx

	if err := d.watcher.Start(d.cfg.Roots); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	log.Info().Strs("roots", d.cfg.Roots).Msg("Watching for changes")

	d.wg.Add(1)
	go d.consumeQuick(ctx)

	if d.cfg.ResyncInterval > 0 {
		d.wg.Add(1)
		go d.resyncLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			if err := d.watcher.Stop(); err != nil {
				log.Warn().Err(err).Msg("Error stopping watcher")
			}
			d.mu.Lock()
			if d.debounce != nil {
				d.debounce.Stop()
			}
			d.mu.Unlock()
			close(d.quick)
			d.wg.Wait()
			log.Info().Msg("Watcher stopped")
			return nil

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return nil
			}
			d.handleEvent(ev)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// handleEvent is the per-event state machine: pattern-file reloads,
// per-project exclusion reloads, and the quick-sync + debounce path.
func (d *Daemon) handleEvent(ev Event) {
	if d.cfg.PatternFile != "" && ev.Path == filepath.Clean(d.cfg.PatternFile) {
		log.Info().Msg("External pattern file changed, reloading and scheduling full sweep")
		d.resolver.LoadPatterns(d.cfg.PatternFile)
		go d.Sweep(d.ctx)
		return
	}

	p, ok := project.Resolve(ev.Path, d.cfg.Roots)
	if !ok {
		return
	}

	if ev.Path == filepath.Join(p.Path, ".gitignore") {
		// Reload before anything else touches this project, so the next
		// sync already sees the new rules.
		d.resolver.ReloadProject(p.Path)
		log.Info().Str("project", p.Name).Msg("Reloaded project exclusion rules")
		if !d.cfg.SyncOnIgnoreChange {
			return
		}
	} else if d.cfg.QuickSync {
		select {
		case d.quick <- quickJob{project: p, path: ev.Path}:
		default:
			// Lane is saturated; the debounced full sync covers the path.
			log.Warn().Str("project", p.Name).Msg("Quick-sync queue full, deferring to full sync")
		}
	}

	d.markPending(p)
}

// markPending adds the project to the pending set (idempotent) and
// re-arms the shared debounce timer.
func (d *Daemon) markPending(p project.Project) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[p.Path] = struct{}{}
	if d.debounce == nil {
		d.debounce = time.AfterFunc(d.cfg.Debounce, d.drainPending)
	} else {
		d.debounce.Reset(d.cfg.Debounce)
	}
}

// drainPending processes the whole pending set, one project at a time.
// A single guard prevents re-entrant drains: if the timer fires while a
// drain is running, the newly pending projects are picked up by the
// running loop, which re-checks the set before exiting.
func (d *Daemon) drainPending() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true

	for len(d.pending) > 0 {
		batch := make([]string, 0, len(d.pending))
		for path := range d.pending {
			batch = append(batch, path)
		}
		d.pending = make(map[string]struct{})
		d.mu.Unlock()

		for _, path := range batch {
			d.syncProject(d.ctx, project.New(path))
		}

		d.mu.Lock()
	}

	d.draining = false
	d.mu.Unlock()
}

// Sweep runs one full discovery sweep over all roots. Concurrent
// triggers (interval, pattern-file reload, manual) collapse into the
// in-flight sweep.
func (d *Daemon) Sweep(ctx context.Context) {
	if !d.tryBeginSweep() {
		return
	}
	defer d.endSweep()

	for _, root := range d.cfg.Roots {
		projects, err := project.Discover(root)
		if err != nil {
			log.Error().Err(err).Str("root", root).Msg("Discovery failed")
			continue
		}
		log.Info().Str("root", root).Msgf("Discovered %d projects", len(projects))
		for _, p := range projects {
			d.resolver.ReloadProject(p.Path)
			d.syncProject(ctx, p)
		}
	}
}

func (d *Daemon) tryBeginSweep() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sweeping {
		return false
	}
	d.sweeping = true
	return true
}

func (d *Daemon) endSweep() {
	d.mu.Lock()
	d.sweeping = false
	d.mu.Unlock()
}

// syncProject runs a full sync under the project's lock. Errors are
// logged with the project name and never abort other projects.
func (d *Daemon) syncProject(ctx context.Context, p project.Project) {
	lock := d.projectLock(p.Path)
	lock.Lock()
	defer lock.Unlock()

	if err := d.syncer.FullSync(ctx, p); err != nil {
		log.Error().Err(err).Str("project", p.Name).Msg("Full sync failed")
	}
}

// consumeQuick is the single consumer of the quick-sync lane.
func (d *Daemon) consumeQuick(ctx context.Context) {
	defer d.wg.Done()

	for job := range d.quick {
		lock := d.projectLock(job.project.Path)
		lock.Lock()
		err := d.syncer.QuickSync(ctx, job.project, job.path)
		lock.Unlock()
		if err != nil {
			log.Error().Err(err).Str("project", job.project.Name).Msg("Quick sync failed")
		}
	}
}

// resyncLoop triggers periodic full sweeps.
func (d *Daemon) resyncLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// projectLock returns the serialization point for one project's working
// tree. Quick syncs and full syncs both take it, so two git operations
// never run concurrently against the same tree.
func (d *Daemon) projectLock(path string) *sync.Mutex {
	d.lockMu.Lock()
	defer d.lockMu.Unlock()

	lock, ok := d.projLocks[path]
	if !ok {
		lock = &sync.Mutex{}
		d.projLocks[path] = lock
	}
	return lock
}
