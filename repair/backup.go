package repair

import (
	"sync"
	"time"

	"github.com/burrowdb/burrow/cfg"
	"github.com/burrowdb/burrow/db"
	"github.com/burrowdb/burrow/telemetry"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// AutoBackup regenerates backup material after user writes, coalescing
// bursts so steady-state write IO never pays for more than one material
// rewrite per throttle interval.
type AutoBackup struct {
	pool  *db.HandlePool
	obsID uint64

	mu       sync.Mutex
	enabled  bool
	filters  []glob.Glob
	lastRun  time.Time
	stopCh   chan struct{}
	signalCh chan struct{}
	wg       sync.WaitGroup
}

// NewAutoBackup registers the scheduler as one of the pool's write
// observers; every Database sharing the pool keeps its own. Detach
// unregisters it.
func NewAutoBackup(pool *db.HandlePool) *AutoBackup {
	ab := &AutoBackup{pool: pool}
	ab.obsID = pool.AddWriteObserver(ab.onWrite)
	return ab
}

// Detach unregisters the scheduler from the pool. Called when the
// owning Database releases its pool reference.
func (ab *AutoBackup) Detach() {
	ab.pool.RemoveWriteObserver(ab.obsID)
}

// SetFilter restricts backed-up tables to those matching any pattern;
// an empty pattern list backs up everything.
func (ab *AutoBackup) SetFilter(patterns []string) error {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return err
		}
		compiled = append(compiled, g)
	}
	ab.mu.Lock()
	ab.filters = compiled
	ab.mu.Unlock()
	return nil
}

func (ab *AutoBackup) tableFilter() func(table string) bool {
	ab.mu.Lock()
	filters := ab.filters
	ab.mu.Unlock()
	if len(filters) == 0 {
		return nil
	}
	return func(table string) bool {
		for _, g := range filters {
			if g.Match(table) {
				return true
			}
		}
		return false
	}
}

// Enable starts or stops the background coalescing loop.
func (ab *AutoBackup) Enable(on bool) {
	ab.mu.Lock()
	if on == ab.enabled {
		ab.mu.Unlock()
		return
	}
	ab.enabled = on
	if on {
		ab.stopCh = make(chan struct{})
		ab.signalCh = make(chan struct{}, 1)
		ab.wg.Add(1)
		go ab.loop(ab.stopCh, ab.signalCh)
	} else {
		close(ab.stopCh)
	}
	ab.mu.Unlock()
	if !on {
		ab.wg.Wait()
	}
}

// onWrite is called by the pool after write statements; the buffered
// channel coalesces bursts into one pending backup.
func (ab *AutoBackup) onWrite() {
	ab.mu.Lock()
	ch := ab.signalCh
	enabled := ab.enabled
	ab.mu.Unlock()
	if !enabled {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (ab *AutoBackup) loop(stopCh, signalCh chan struct{}) {
	defer ab.wg.Done()
	interval := time.Duration(cfg.Config.Repair.BackupIntervalSeconds) * time.Second

	for {
		select {
		case <-stopCh:
			return
		case <-signalCh:
		}

		ab.mu.Lock()
		wait := interval - time.Since(ab.lastRun)
		ab.mu.Unlock()
		if wait > 0 {
			select {
			case <-stopCh:
				return
			case <-time.After(wait):
			}
		}

		if err := ab.Backup(); err != nil {
			log.Warn().Err(err).Str("path", ab.pool.Path()).Msg("Auto-backup failed")
		}
	}
}

// Backup regenerates the material now, regardless of throttling.
func (ab *AutoBackup) Backup() error {
	start := time.Now()

	lease, err := ab.pool.Checkout(0)
	if err != nil {
		return err
	}
	defer lease.Release()

	mat, err := GenerateMaterial(lease.Handle(), ab.tableFilter())
	if err != nil {
		return err
	}
	if err := SaveMaterial(ab.pool.Path(), mat); err != nil {
		return err
	}

	ab.mu.Lock()
	ab.lastRun = time.Now()
	ab.mu.Unlock()

	telemetry.BackupRunsTotal.Inc()
	telemetry.BackupSeconds.Observe(time.Since(start).Seconds())
	log.Debug().Str("path", ab.pool.Path()).Int("tables", len(mat.Tables)).
		Msg("Backup material regenerated")
	return nil
}
