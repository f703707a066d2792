package db

import (
	"runtime"
	"sync"
	"time"

	"github.com/burrowdb/burrow/telemetry"
	"github.com/burrowdb/burrow/trace"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// CorruptionObserver is told when a handle dies with a corruption-class
// error. Implemented by the repair guard.
type CorruptionObserver func(path string, err *Error)

// HandlePool shares handles to one database file. Checked-out handles are
// wrapped in leases; idle handles are kept most-recently-returned first so
// a caller that just returned a handle tends to get the same one back with
// its statement cache warm.
type HandlePool struct {
	path string

	mu           sync.Mutex
	blockadeCond *sync.Cond // waits while blockaded
	capacityCond *sync.Cond // waits for a free handle slot
	closeCond    *sync.Cond // waits for checkedOut to reach zero

	idle       []*Handle
	checkedOut int
	capacity   int
	blockaded  bool
	closing    bool
	purgeEpoch uint64

	chain *ConfigChain
	errs  *ErrorStore

	tag int64

	// Observers fan out: the pool is shared by every Database on the
	// path, and each registers its own guard and auto-backup trigger.
	obsSeq        uint64
	corruptionObs map[uint64]CorruptionObserver
	writeObs      map[uint64]func()
}

// NewHandlePool creates a pool for path with a soft capacity equal to the
// hardware parallelism.
func NewHandlePool(path string) *HandlePool {
	p := &HandlePool{
		path:          path,
		capacity:      runtime.NumCPU(),
		chain:         NewConfigChain(),
		errs:          NewErrorStore(),
		corruptionObs: make(map[uint64]CorruptionObserver),
		writeObs:      make(map[uint64]func()),
	}
	p.blockadeCond = sync.NewCond(&p.mu)
	p.capacityCond = sync.NewCond(&p.mu)
	p.closeCond = sync.NewCond(&p.mu)
	return p
}

// Path returns the canonical database path the pool serves.
func (p *HandlePool) Path() string { return p.path }

// Chain returns the pool's config chain.
func (p *HandlePool) Chain() *ConfigChain { return p.chain }

// Errors returns the pool's error store.
func (p *HandlePool) Errors() *ErrorStore { return p.errs }

// SetTag sets the tag stamped onto handles and error payloads.
func (p *HandlePool) SetTag(tag int64) {
	p.mu.Lock()
	p.tag = tag
	for _, h := range p.idle {
		h.SetTag(tag)
	}
	p.mu.Unlock()
}

// Tag returns the current tag.
func (p *HandlePool) Tag() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tag
}

// AddCorruptionObserver registers an observer told about fatal errors.
// The returned id unregisters it via RemoveCorruptionObserver.
func (p *HandlePool) AddCorruptionObserver(obs CorruptionObserver) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.obsSeq++
	p.corruptionObs[p.obsSeq] = obs
	return p.obsSeq
}

// RemoveCorruptionObserver unregisters a corruption observer.
func (p *HandlePool) RemoveCorruptionObserver(id uint64) {
	p.mu.Lock()
	delete(p.corruptionObs, id)
	p.mu.Unlock()
}

// AddWriteObserver registers a hook fired after write statements, used
// to schedule auto-backup. The returned id unregisters it.
func (p *HandlePool) AddWriteObserver(fn func()) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.obsSeq++
	p.writeObs[p.obsSeq] = fn
	return p.obsSeq
}

// RemoveWriteObserver unregisters a write observer.
func (p *HandlePool) RemoveWriteObserver(id uint64) {
	p.mu.Lock()
	delete(p.writeObs, id)
	p.mu.Unlock()
}

// NotifyWrite fires every registered write observer.
func (p *HandlePool) NotifyWrite() {
	p.mu.Lock()
	fns := make([]func(), 0, len(p.writeObs))
	for _, fn := range p.writeObs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Lease is a checked-out handle. Release returns the handle to the pool
// exactly once; further calls are no-ops.
type Lease struct {
	h        *Handle
	pool     *HandlePool
	epoch    uint64
	released bool
	mu       sync.Mutex
}

// Handle returns the leased handle.
func (l *Lease) Handle() *Handle { return l.h }

// Release returns the handle to the pool. Never blocks and never panics;
// safe to defer on every path.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.checkin(l.h, l.epoch)
}

// IsBlockaded reports whether checkouts currently wait.
func (p *HandlePool) IsBlockaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockaded
}

// Blockade makes subsequent checkouts wait until Unblockade.
func (p *HandlePool) Blockade() {
	p.mu.Lock()
	p.blockaded = true
	p.mu.Unlock()
}

// Unblockade releases waiting checkouts.
func (p *HandlePool) Unblockade() {
	p.mu.Lock()
	p.blockaded = false
	p.mu.Unlock()
	p.blockadeCond.Broadcast()
}

// Checkout returns a lease on an idle or freshly created handle. token
// identifies the caller for last-error retention.
func (p *HandlePool) Checkout(token uint64) (*Lease, error) {
	p.mu.Lock()
	for p.blockaded {
		p.blockadeCond.Wait()
	}

	for {
		if n := len(p.idle); n > 0 {
			h := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.checkedOut++
			epoch := p.purgeEpoch
			p.mu.Unlock()
			return p.prepareLease(h, token, epoch)
		}
		if p.checkedOut < p.capacity {
			p.checkedOut++
			epoch := p.purgeEpoch
			tag := p.tag
			p.mu.Unlock()
			return p.createLease(token, epoch, tag)
		}
		p.capacityCond.Wait()
		for p.blockaded {
			p.blockadeCond.Wait()
		}
	}
}

func (p *HandlePool) prepareLease(h *Handle, token uint64, epoch uint64) (*Lease, error) {
	h.SetToken(token)
	if err := p.chain.Ensure(h); err != nil {
		p.discard(h, nil)
		p.mu.Lock()
		p.checkedOut--
		if p.closing && p.checkedOut == 0 {
			p.closeCond.Broadcast()
		}
		p.mu.Unlock()
		p.capacityCond.Signal()
		return nil, err
	}
	telemetry.CheckedOutHandles.Inc()
	return &Lease{h: h, pool: p, epoch: epoch}, nil
}

func (p *HandlePool) createLease(token uint64, epoch uint64, tag int64) (*Lease, error) {
	start := time.Now()
	var ru unix.Rusage
	_ = unix.Getrusage(unix.RUSAGE_SELF, &ru)
	cpuBefore := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())

	h, err := OpenHandle(p.path, p.errs)
	if err != nil {
		p.mu.Lock()
		p.checkedOut--
		p.mu.Unlock()
		p.capacityCond.Signal()
		return nil, err
	}
	h.SetTag(tag)
	h.SetToken(token)

	if err := p.chain.Ensure(h); err != nil {
		h.Close()
		p.mu.Lock()
		p.checkedOut--
		p.mu.Unlock()
		p.capacityCond.Signal()
		return nil, err
	}

	_ = unix.Getrusage(unix.RUSAGE_SELF, &ru)
	cpuAfter := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())

	telemetry.OpenHandles.Inc()
	telemetry.CheckedOutHandles.Inc()
	telemetry.HandleOpenSeconds.Observe(time.Since(start).Seconds())

	p.mu.Lock()
	count := p.checkedOut + len(p.idle)
	p.mu.Unlock()
	st, _ := h.Stats()
	trace.Default.FireOperation(p.path, trace.OperationOpenHandle, map[string]any{
		trace.KeyHandleCount:       count,
		trace.KeyHandleOpenTime:    time.Since(start).Microseconds(),
		trace.KeyHandleOpenCPUTime: (cpuAfter - cpuBefore).Microseconds(),
		trace.KeySchemaUsage:       st.SchemaUsage,
		trace.KeyTableCount:        st.TableCount,
		trace.KeyIndexCount:        st.IndexCount,
		trace.KeyTriggerCount:      st.TriggerCount,
	})

	return &Lease{h: h, pool: p, epoch: epoch}, nil
}

// checkin returns a handle. Fatal-error handles are discarded; handles
// checked out before the last purge are finalized rather than pooled.
func (p *HandlePool) checkin(h *Handle, epoch uint64) {
	telemetry.CheckedOutHandles.Dec()

	fatal := h.LastError() != nil && h.LastError().IsFatal()

	p.mu.Lock()
	p.checkedOut--
	stale := epoch < p.purgeEpoch
	closing := p.closing
	var observers []CorruptionObserver
	var ferr *Error
	if fatal {
		ferr = h.LastError()
		observers = make([]CorruptionObserver, 0, len(p.corruptionObs))
		for _, obs := range p.corruptionObs {
			observers = append(observers, obs)
		}
	}

	if fatal || stale || closing {
		p.mu.Unlock()
		p.discard(h, nil)
	} else {
		p.idle = append(p.idle, h)
		p.mu.Unlock()
	}

	p.capacityCond.Signal()
	p.mu.Lock()
	if p.closing && p.checkedOut == 0 {
		p.closeCond.Broadcast()
	}
	p.mu.Unlock()

	for _, obs := range observers {
		obs(p.path, ferr)
	}
}

// discard finalizes a handle without pooling it. When chain is non-nil
// the chain teardown runs first.
func (p *HandlePool) discard(h *Handle, chain *ConfigChain) {
	if chain != nil {
		chain.UninvokeAll(h)
	}
	if err := h.Close(); err != nil {
		log.Warn().Err(err).Str("path", p.path).Msg("Failed to close discarded handle")
	}
	telemetry.OpenHandles.Dec()
	telemetry.HandleDiscardsTotal.Inc()
}

// ForEachIdle runs fn over every idle handle under the pool lock. Used
// to tear down replaced config entries on live handles.
func (p *HandlePool) ForEachIdle(fn func(h *Handle)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.idle {
		fn(h)
	}
}

// Purge finalizes every idle handle now; checked-out handles are
// finalized on their next checkin.
func (p *HandlePool) Purge() {
	p.mu.Lock()
	victims := p.idle
	p.idle = nil
	p.purgeEpoch++
	p.mu.Unlock()

	for _, h := range victims {
		p.discard(h, nil)
	}
	log.Debug().Str("path", p.path).Int("purged", len(victims)).Msg("Pool purged")
}

// Close drains the pool: blockades, waits for all leases to return,
// finalizes every idle handle with its config teardown, invokes onClosed
// while still blockaded, then lifts the blockade. The pool stays usable;
// the next checkout lazily reopens.
func (p *HandlePool) Close(onClosed func()) {
	p.mu.Lock()
	p.blockaded = true
	p.closing = true
	for p.checkedOut > 0 {
		p.closeCond.Wait()
	}
	victims := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, h := range victims {
		p.discard(h, p.chain)
	}

	if onClosed != nil {
		onClosed()
	}

	p.mu.Lock()
	p.closing = false
	p.blockaded = false
	p.mu.Unlock()
	p.blockadeCond.Broadcast()
	p.capacityCond.Broadcast()

	log.Debug().Str("path", p.path).Int("finalized", len(victims)).Msg("Pool closed")
}

// OpenedHandleCount returns idle plus checked-out handles.
func (p *HandlePool) OpenedHandleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.checkedOut
}

// IsOpened reports whether any handle is currently alive.
func (p *HandlePool) IsOpened() bool { return p.OpenedHandleCount() > 0 }

// pools is the process-wide registry of shared pools, keyed by canonical
// path, with reference counts driven by Database lifetimes.
var pools = xsync.NewMapOf[string, *sharedPool]()

type sharedPool struct {
	pool *HandlePool
	refs int
	mu   sync.Mutex
}

// AcquirePool returns the shared pool for path, creating it on first use.
func AcquirePool(path string) *HandlePool {
	entry, _ := pools.LoadOrCompute(path, func() *sharedPool {
		return &sharedPool{pool: NewHandlePool(path)}
	})
	entry.mu.Lock()
	entry.refs++
	entry.mu.Unlock()
	return entry.pool
}

// ReleasePool drops one reference; the last reference closes the pool and
// removes it from the registry.
func ReleasePool(path string) {
	entry, ok := pools.Load(path)
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.refs--
	last := entry.refs <= 0
	entry.mu.Unlock()
	if last {
		pools.Delete(path)
		entry.pool.Close(nil)
	}
}

// PurgeAll purges every live pool in the process.
func PurgeAll() {
	pools.Range(func(_ string, entry *sharedPool) bool {
		entry.pool.Purge()
		return true
	})
}
