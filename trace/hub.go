// Package trace routes error, SQL, performance, and database-operation
// callbacks. Mutations rebuild an immutable snapshot; hot paths read the
// snapshot through an atomic pointer so in-flight callbacks are never torn.
package trace

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// OperationEvent identifies a database lifecycle event.
type OperationEvent int

const (
	OperationCreate OperationEvent = iota
	OperationSetTag
	OperationOpenHandle
)

func (e OperationEvent) String() string {
	switch e {
	case OperationCreate:
		return "Create"
	case OperationSetTag:
		return "SetTag"
	case OperationOpenHandle:
		return "OpenHandle"
	default:
		return "Unknown"
	}
}

// Well-known keys of the operation event payload.
const (
	KeyHandleCount       = "HandleCount"
	KeyHandleOpenTime    = "HandleOpenTime"    // microseconds
	KeyHandleOpenCPUTime = "HandleOpenCPUTime" // microseconds
	KeySchemaUsage       = "SchemaUsage"       // bytes
	KeyTableCount        = "TableCount"
	KeyIndexCount        = "IndexCount"
	KeyTriggerCount      = "TriggerCount"
)

type (
	// ErrorCallback observes every non-OK error event.
	ErrorCallback func(err error)
	// SQLCallback observes executed SQL text.
	SQLCallback func(path, sql string)
	// PerformanceCallback observes statement cost.
	PerformanceCallback func(path, sql string, cost time.Duration)
	// OperationCallback observes database lifecycle events.
	OperationCallback func(path string, event OperationEvent, info map[string]any)
)

// snapshot is the immutable callback set seen by one firing.
type snapshot struct {
	globalError ErrorCallback
	globalSQL   SQLCallback
	globalPerf  PerformanceCallback
	globalOp    OperationCallback

	dbError map[string]ErrorCallback
	dbSQL   map[string]SQLCallback
	dbPerf  map[string]PerformanceCallback

	fullSQL bool
}

// Hub is a copy-on-write callback registry.
type Hub struct {
	mu   sync.Mutex
	cur  atomic.Pointer[snapshot]
	fire *xsync.MapOf[string, *sync.Mutex]
}

// Default is the process-wide hub.
var Default = NewHub()

// NewHub returns an empty hub.
func NewHub() *Hub {
	h := &Hub{fire: xsync.NewMapOf[string, *sync.Mutex]()}
	h.cur.Store(&snapshot{
		dbError: map[string]ErrorCallback{},
		dbSQL:   map[string]SQLCallback{},
		dbPerf:  map[string]PerformanceCallback{},
	})
	return h
}

func (h *Hub) update(mutate func(*snapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.cur.Load()
	next := &snapshot{
		globalError: old.globalError,
		globalSQL:   old.globalSQL,
		globalPerf:  old.globalPerf,
		globalOp:    old.globalOp,
		dbError:     make(map[string]ErrorCallback, len(old.dbError)),
		dbSQL:       make(map[string]SQLCallback, len(old.dbSQL)),
		dbPerf:      make(map[string]PerformanceCallback, len(old.dbPerf)),
		fullSQL:     old.fullSQL,
	}
	for k, v := range old.dbError {
		next.dbError[k] = v
	}
	for k, v := range old.dbSQL {
		next.dbSQL[k] = v
	}
	for k, v := range old.dbPerf {
		next.dbPerf[k] = v
	}
	mutate(next)
	h.cur.Store(next)
}

// SetGlobalError installs the process-wide error callback; nil removes it.
func (h *Hub) SetGlobalError(cb ErrorCallback) { h.update(func(s *snapshot) { s.globalError = cb }) }

// SetGlobalSQL installs the process-wide SQL callback; nil removes it.
func (h *Hub) SetGlobalSQL(cb SQLCallback) { h.update(func(s *snapshot) { s.globalSQL = cb }) }

// SetGlobalPerformance installs the process-wide performance callback.
func (h *Hub) SetGlobalPerformance(cb PerformanceCallback) {
	h.update(func(s *snapshot) { s.globalPerf = cb })
}

// SetGlobalOperation installs the database-operation callback.
func (h *Hub) SetGlobalOperation(cb OperationCallback) {
	h.update(func(s *snapshot) { s.globalOp = cb })
}

// SetError installs a per-database error callback; nil removes it.
func (h *Hub) SetError(path string, cb ErrorCallback) {
	h.update(func(s *snapshot) {
		if cb == nil {
			delete(s.dbError, path)
		} else {
			s.dbError[path] = cb
		}
	})
}

// SetSQL installs a per-database SQL callback; nil removes it.
func (h *Hub) SetSQL(path string, cb SQLCallback) {
	h.update(func(s *snapshot) {
		if cb == nil {
			delete(s.dbSQL, path)
		} else {
			s.dbSQL[path] = cb
		}
	})
}

// SetPerformance installs a per-database performance callback; nil removes it.
func (h *Hub) SetPerformance(path string, cb PerformanceCallback) {
	h.update(func(s *snapshot) {
		if cb == nil {
			delete(s.dbPerf, path)
		} else {
			s.dbPerf[path] = cb
		}
	})
}

// SetFullSQLEnabled toggles tracing of complete SQL text. When disabled,
// callers are expected to pass truncated excerpts.
func (h *Hub) SetFullSQLEnabled(on bool) { h.update(func(s *snapshot) { s.fullSQL = on }) }

// FullSQLEnabled reports the current full-SQL trace setting.
func (h *Hub) FullSQLEnabled() bool { return h.cur.Load().fullSQL }

// fireLock serializes notifications per database path.
func (h *Hub) fireLock(path string) *sync.Mutex {
	mu, _ := h.fire.LoadOrStore(path, &sync.Mutex{})
	return mu
}

// FireError delivers err to the per-database and global error callbacks,
// serialized per database.
func (h *Hub) FireError(path string, err error) {
	if err == nil {
		return
	}
	s := h.cur.Load()
	dbCb := s.dbError[path]
	if dbCb == nil && s.globalError == nil {
		return
	}

	mu := h.fireLock(path)
	mu.Lock()
	defer mu.Unlock()
	if s.globalError != nil {
		s.globalError(err)
	}
	if dbCb != nil {
		dbCb(err)
	}
}

// FireSQL delivers executed SQL to SQL callbacks.
func (h *Hub) FireSQL(path, sql string) {
	s := h.cur.Load()
	if s.globalSQL != nil {
		s.globalSQL(path, sql)
	}
	if cb := s.dbSQL[path]; cb != nil {
		cb(path, sql)
	}
}

// FirePerformance delivers statement cost to performance callbacks.
func (h *Hub) FirePerformance(path, sql string, cost time.Duration) {
	s := h.cur.Load()
	if s.globalPerf != nil {
		s.globalPerf(path, sql, cost)
	}
	if cb := s.dbPerf[path]; cb != nil {
		cb(path, sql, cost)
	}
}

// FireOperation delivers a lifecycle event to the operation callback.
func (h *Hub) FireOperation(path string, event OperationEvent, info map[string]any) {
	s := h.cur.Load()
	if s.globalOp != nil {
		s.globalOp(path, event, info)
	}
}
