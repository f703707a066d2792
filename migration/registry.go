package migration

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/burrowdb/burrow/db"
	"github.com/cespare/xxhash/v2"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/rs/zerolog/log"
)

// KVTable is the engine-owned key-value table in the primary schema. It
// is the only on-disk state the migration engine keeps and must survive
// crashes.
const (
	KVTable      = "wcdb_builtin_kv"
	kvKeyCurrent = "migration"
	kvKeyDone    = "completed"
)

var dialect = goqu.Dialect("sqlite3")

// Filter lets the caller declare how one target table migrates. The
// callback receives an Info prefilled with the target table name and the
// source database registered by AddSource; it fills in SourceTable (and
// optionally FilterSQL) or leaves SourceTable empty to skip the table.
type Filter func(info *Info)

// source is one AddSource registration.
type source struct {
	path   string
	cipher string
	filter Filter
	schema string // attachment schema derived from the path, "" for main
}

// Registry maps target tables to their migration state for one database.
type Registry struct {
	mu sync.RWMutex // the shared lock guarding restructuring vs tampering

	sources  []source
	resolved map[string]*Info // target -> info; nil entry = does not migrate
	order    []string         // resolution order of migrating targets

	started   bool
	current   string
	completed map[string]struct{}

	seeded  atomic.Bool
	allDone atomic.Bool
	gen     atomic.Uint64

	// Fast membership of migrating table names. A miss proves the table
	// is not migrating, letting hot statements skip the rewrite walk.
	filterMu   sync.RWMutex
	nameFilter *cuckoo.Filter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		resolved:   make(map[string]*Info),
		completed:  make(map[string]struct{}),
		nameFilter: cuckoo.NewFilter(4, 32, 1024, cuckoo.TableTypePacked),
	}
	r.gen.Store(1)
	return r
}

// Generation identifies the current registry shape. Tamper results are
// cached per generation; any restructuring bumps it.
func (r *Registry) Generation() uint64 { return r.gen.Load() }

func (r *Registry) bump() { r.gen.Add(1) }

// AddSource registers a legacy database (or the main schema when path is
// empty) whose tables may migrate into this database's tables.
func (r *Registry) AddSource(path, cipher string, filter Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	schema := ""
	if path != "" {
		schema = fmt.Sprintf("burrow_migration_%d", len(r.sources))
	}
	r.sources = append(r.sources, source{path: path, cipher: cipher, filter: filter, schema: schema})
	r.allDone.Store(false)
	r.bump()
	log.Info().Str("source", path).Msg("Migration source registered")
}

// HasSources reports whether any migration was configured.
func (r *Registry) HasSources() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources) > 0
}

func tableHash(name string) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], xxhash.Sum64String(name))
	return buf[:]
}

// MaybeMigrates returns false only when table is resolved and provably
// not migrating. Callers must hold the shared lock in read mode, like
// InfoOf; sync.RWMutex forbids re-acquiring the read lock here once a
// writer is pending. The name filter has its own lock.
func (r *Registry) MaybeMigrates(table string) bool {
	info, ok := r.resolved[table]
	if !ok {
		return true // unresolved, must take the slow path once
	}
	if info == nil {
		return false
	}
	r.filterMu.RLock()
	defer r.filterMu.RUnlock()
	return r.nameFilter.Contain(tableHash(table))
}

// InfoOf returns the resolved info for a migrating, not-yet-completed
// target table. Callers must hold the shared lock in read mode.
func (r *Registry) InfoOf(table string) *Info {
	info := r.resolved[table]
	if !info.Migrates() {
		return nil
	}
	if _, done := r.completed[table]; done {
		return nil
	}
	return info
}

// RLock takes the shared lock in read mode for a tampering pass.
func (r *Registry) RLock() { r.mu.RLock() }

// RUnlock releases the shared read lock.
func (r *Registry) RUnlock() { r.mu.RUnlock() }

// AllCompleted is the tamper fast path: true once every configured
// migration drained.
func (r *Registry) AllCompleted() bool {
	if !r.seeded.Load() {
		return false
	}
	return r.allDone.Load()
}

// Started reports whether any migration work has been observed.
func (r *Registry) Started() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// EnsureSetup seeds the registry from the persisted marker, once, with a
// double-checked fast path.
func (r *Registry) EnsureSetup(h *db.Handle) error {
	if r.seeded.Load() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seeded.Load() {
		return nil
	}

	if _, err := h.Exec(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT)", KVTable)); err != nil {
		return err
	}

	query, _, err := dialect.From(KVTable).Select("key", "value").ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build kv query: %w", err)
	}
	rows, err := h.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		switch key {
		case kvKeyCurrent:
			r.current = value
			r.started = true
		case kvKeyDone:
			var done []string
			if err := json.Unmarshal([]byte(value), &done); err != nil {
				return fmt.Errorf("corrupt migration marker: %w", err)
			}
			for _, t := range done {
				r.completed[t] = struct{}{}
			}
			if len(done) > 0 {
				r.started = true
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.seeded.Store(true)
	log.Debug().Str("current", r.current).Int("completed", len(r.completed)).
		Msg("Migration marker loaded")
	return nil
}

// Resolve makes sure every table in tables has a resolution. New
// migrating targets get their schema loaded through h. Engine IO (the
// ATTACH and the table_info pragma) happens before the write lock is
// taken; the lock only covers installing the finished resolution.
func (r *Registry) Resolve(h *db.Handle, tables []string) error {
	r.mu.RLock()
	var missing []string
	for _, t := range tables {
		if _, ok := r.resolved[t]; !ok {
			missing = append(missing, t)
		}
	}
	r.mu.RUnlock()

	for _, t := range missing {
		info, err := r.buildInfo(h, t)
		if err != nil {
			return err
		}
		r.install(t, info)
	}
	return nil
}

// buildInfo runs the source filters for one table and, for a migrating
// target, attaches its source and loads the declared schema. No
// registry lock is held across the engine calls.
func (r *Registry) buildInfo(h *db.Handle, table string) (*Info, error) {
	if table == KVTable {
		return nil, nil
	}

	r.mu.RLock()
	sources := make([]source, len(r.sources))
	copy(sources, r.sources)
	_, done := r.completed[table]
	r.mu.RUnlock()

	for _, src := range sources {
		info := &Info{
			TargetTable:  table,
			SourceSchema: src.schema,
			AttachedPath: src.path,
			CipherKey:    src.cipher,
		}
		src.filter(info)
		if !info.Migrates() {
			continue
		}
		if !done {
			// Attach before reading the schema so the source is visible to
			// the same handle that resolves columns.
			if info.AttachedPath != "" {
				if err := h.Attach(info.AttachedPath, info.SourceSchema, info.CipherKey); err != nil {
					return nil, err
				}
			}
			if err := info.resolve(h); err != nil {
				return nil, err
			}
		}
		return info, nil
	}
	return nil, nil
}

// install publishes a resolution; a concurrent resolver that got there
// first wins and the late copy is dropped.
func (r *Registry) install(table string, info *Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resolved[table]; ok {
		return
	}
	r.resolved[table] = info
	if !info.Migrates() {
		return
	}
	r.order = append(r.order, table)
	r.filterMu.Lock()
	r.nameFilter.Add(tableHash(table))
	r.filterMu.Unlock()
	r.bump()
	log.Info().Str("target", table).Str("source", info.SourceTable).
		Msg("Migration target resolved")
}

// DiscoverAll resolves every user table in the main schema so the
// stepper sees the full work list, not only tables user statements
// already touched.
func (r *Registry) DiscoverAll(h *db.Handle) error {
	rows, err := h.Query(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != ?",
		KVTable)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	return r.Resolve(h, tables)
}

// HasPending reports whether any resolved migration still has work,
// without choosing a new current target.
func (r *Registry) HasPending() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.order {
		if _, done := r.completed[t]; done {
			continue
		}
		if r.resolved[t].Migrates() {
			return true
		}
	}
	return false
}

// CurrentMigrating returns the target currently being drained, choosing
// the next one when none is active. The second result is true when the
// choice is new and must be persisted with StoreCurrent. Engine IO never
// runs under the write lock; a crash between the choice and the persist
// only means the choice is made again.
func (r *Registry) CurrentMigrating() (*Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != "" {
		if info, ok := r.resolved[r.current]; ok && info.Migrates() {
			if _, done := r.completed[r.current]; !done {
				return info, false
			}
		}
		// Marker points at an unknown or finished table; pick again.
		r.current = ""
	}

	for _, t := range r.order {
		if _, done := r.completed[t]; done {
			continue
		}
		info := r.resolved[t]
		if !info.Migrates() {
			continue
		}
		r.current = t
		r.started = true
		r.bump()
		return info, true
	}
	return nil, false
}

// StoreCurrent persists the current-target marker.
func (r *Registry) StoreCurrent(h *db.Handle, target string) error {
	query, _, err := dialect.Insert(KVTable).
		Rows(goqu.Record{"key": kvKeyCurrent, "value": target}).
		OnConflict(goqu.DoUpdate("key", goqu.Record{"value": target})).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build marker update: %w", err)
	}
	_, err = h.Exec(query)
	return err
}

// CompleteAndDrop finishes one drained target: under the registry write
// lock — so no tamperer can still be routing statements at the source —
// it drops the source table and persists the completion marker in one
// transaction, then updates in-memory state. Returns whether every known
// migration is now done. Holding the write lock across this short engine
// transaction is deliberate; tamperers acquire the read lock before they
// touch the engine, so nobody waits on us while inside an engine call.
func (r *Registry) CompleteAndDrop(h *db.Handle, info *Info) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := info.TargetTable
	done := make([]string, 0, len(r.completed)+1)
	for t := range r.completed {
		done = append(done, t)
	}
	done = append(done, target)
	sort.Strings(done)
	blob, err := json.Marshal(done)
	if err != nil {
		return false, err
	}

	upsert, _, err := dialect.Insert(KVTable).
		Rows(goqu.Record{"key": kvKeyDone, "value": string(blob)}).
		OnConflict(goqu.DoUpdate("key", goqu.Record{"value": string(blob)})).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("failed to build completed update: %w", err)
	}
	clearCur, _, err := dialect.Delete(KVTable).Where(goqu.C("key").Eq(kvKeyCurrent)).ToSQL()
	if err != nil {
		return false, err
	}

	if err := h.ExecuteBegin(db.TransactionImmediate); err != nil {
		return false, err
	}
	rollback := func(cause error) (bool, error) {
		if rbErr := h.ExecuteRollback(); rbErr != nil {
			log.Warn().Err(rbErr).Str("target", target).Msg("Rollback failed during completion")
		}
		return false, cause
	}
	if _, err := h.Exec("DROP TABLE " + info.sourceRef()); err != nil {
		return rollback(err)
	}
	if _, err := h.Exec(upsert); err != nil {
		return rollback(err)
	}
	if _, err := h.Exec(clearCur); err != nil {
		return rollback(err)
	}
	if err := h.ExecuteCommit(); err != nil {
		return rollback(err)
	}

	r.completed[target] = struct{}{}
	if r.current == target {
		r.current = ""
	}
	r.bump()

	for _, t := range r.order {
		if _, ok := r.completed[t]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// SchemaStillReferenced reports whether any uncompleted migration uses
// the attached schema. Callers hold no lock; used by the stepper before
// detaching.
func (r *Registry) SchemaStillReferenced(schema string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.order {
		if _, done := r.completed[t]; done {
			continue
		}
		info := r.resolved[t]
		if info.Migrates() && info.SourceSchema == schema {
			return true
		}
	}
	return false
}

// SetAllCompleted flips the fast-path flag once the stepper drained
// everything.
func (r *Registry) SetAllCompleted() {
	r.allDone.Store(true)
	r.bump()
}

// IsMigrated reports whether every configured migration finished.
func (r *Registry) IsMigrated() bool { return r.AllCompleted() }
