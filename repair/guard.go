package repair

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/burrowdb/burrow/db"
	"github.com/burrowdb/burrow/telemetry"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
)

// Guard watches one database for corruption-class engine errors,
// confirms them with an integrity probe, and fires the user notification
// exactly once per database lifetime.
type Guard struct {
	path  string
	pool  *db.HandlePool
	obsID uint64

	suspected atomic.Bool
	corrupted atomic.Bool
	notified  atomic.Bool
	probing   atomic.Bool

	mu           sync.Mutex
	notification func(path string)
}

// NewGuard registers a guard as one of the pool's corruption observers.
// The pool is shared between Databases on the same path; each guard
// observes independently. Detach unregisters it.
func NewGuard(pool *db.HandlePool) *Guard {
	g := &Guard{path: pool.Path(), pool: pool}
	g.obsID = pool.AddCorruptionObserver(g.observe)
	return g
}

// Detach unregisters the guard from the pool. Called when the owning
// Database releases its pool reference.
func (g *Guard) Detach() {
	g.pool.RemoveCorruptionObserver(g.obsID)
}

// SetNotification installs the corruption callback.
func (g *Guard) SetNotification(cb func(path string)) {
	g.mu.Lock()
	g.notification = cb
	g.mu.Unlock()
}

// IsAlreadyCorrupted reports whether a probe confirmed corruption.
func (g *Guard) IsAlreadyCorrupted() bool { return g.corrupted.Load() }

// observe transitions the database into suspected-corrupt and schedules
// the asynchronous probe.
func (g *Guard) observe(path string, err *db.Error) {
	if err == nil || !err.IsFatal() || g.corrupted.Load() {
		return
	}
	g.suspected.Store(true)
	log.Warn().Str("path", path).Str("code", err.Code.String()).
		Msg("Corruption suspected, scheduling integrity probe")
	g.probeAsync()
}

// probeAsync runs the integrity probe on a worker goroutine. While a probe
// is in flight, further requests start no second probe; their future
// resolves at once with the current corruption flag.
func (g *Guard) probeAsync() *future.Future[bool] {
	p := future.NewPromise[bool]()
	if !g.probing.CompareAndSwap(false, true) {
		p.Set(g.corrupted.Load(), nil)
		return p.Future()
	}
	go func() {
		defer g.probing.Store(false)
		p.Set(g.probe(), nil)
	}()
	return p.Future()
}

// CheckIfCorrupted runs the integrity probe synchronously.
func (g *Guard) CheckIfCorrupted() bool {
	return g.probe()
}

// probe checks integrity on a dedicated handle. The probe handle comes
// from the pool, so a close barrier will finalize it like any other.
func (g *Guard) probe() bool {
	lease, err := g.pool.Checkout(0)
	if err != nil {
		var de *db.Error
		if errors.As(err, &de) && de.IsFatal() {
			g.confirm()
			return true
		}
		return false
	}
	defer lease.Release()

	var verdict string
	err = lease.Handle().QueryRow("PRAGMA integrity_check(1)").Scan(&verdict)
	if err != nil {
		var de *db.Error
		if !errors.As(err, &de) {
			de = db.MapEngineError(err, g.path)
		}
		if de.IsFatal() {
			g.confirm()
			return true
		}
		// Probe itself failed for non-fatal reasons; stay suspected.
		return false
	}
	if strings.EqualFold(verdict, "ok") {
		g.suspected.Store(false)
		return false
	}
	g.confirm()
	return true
}

func (g *Guard) confirm() {
	g.corrupted.Store(true)
	telemetry.CorruptionEventsTotal.Inc()
	if g.notified.CompareAndSwap(false, true) {
		g.mu.Lock()
		cb := g.notification
		g.mu.Unlock()
		if cb != nil {
			cb(g.path)
		}
		log.Error().Str("path", g.path).Msg("Database corruption confirmed")
	}
}
