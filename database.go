// Package burrow is an embedded relational database framework layered
// over SQLite. A Database hides handle lifecycle, configuration
// ordering, online cross-table migration, and corruption repair behind
// one lazy, multi-handle object.
package burrow

import (
	dbsql "database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/burrowdb/burrow/db"
	"github.com/burrowdb/burrow/migration"
	"github.com/burrowdb/burrow/repair"
	"github.com/burrowdb/burrow/trace"
)

// Database is the lazy façade over one database file. Handles open on
// demand; the last Database for a path closes the shared pool.
type Database struct {
	path string
	pool *db.HandlePool

	registry *migration.Registry
	tamperer *migration.Tamperer
	stepper  *migration.Stepper

	guard      *repair.Guard
	autoBackup *repair.AutoBackup

	tokens atomic.Uint64

	autoMigrateMu   sync.Mutex
	autoMigrateStop chan struct{}

	closed atomic.Bool
}

// Open returns a Database for path. The engine connection is not opened
// until the first operation needs one.
func Open(path string) (*Database, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, db.NewFileError(db.FileOpAccess, path, err)
	}

	d := &Database{
		path: abs,
		pool: db.AcquirePool(abs),
	}
	d.registry = migration.NewRegistry()
	d.tamperer = migration.NewTamperer(d.registry)
	d.stepper = migration.NewStepper(d.registry)
	d.guard = repair.NewGuard(d.pool)
	d.autoBackup = repair.NewAutoBackup(d.pool)

	trace.Default.FireOperation(abs, trace.OperationCreate, map[string]any{})
	return d, nil
}

// GetPath returns the canonical database path.
func (d *Database) GetPath() string { return d.path }

// SetTag stamps subsequent handles and error payloads.
func (d *Database) SetTag(tag int64) {
	d.pool.SetTag(tag)
	trace.Default.FireOperation(d.path, trace.OperationSetTag, map[string]any{
		trace.KeyHandleCount: d.pool.OpenedHandleCount(),
	})
}

// GetTag returns the current tag.
func (d *Database) GetTag() int64 { return d.pool.Tag() }

// GetError returns the most recent error recorded for this database.
func (d *Database) GetError() error {
	if err := d.pool.Errors().Last(); err != nil {
		return err
	}
	return nil
}

// checkout leases a handle with a fresh caller token.
func (d *Database) checkout() (*db.Lease, error) {
	return d.pool.Checkout(d.tokens.Add(1))
}

// migrating reports whether statements must go through the migration
// decorator.
func (d *Database) migrating() bool {
	return d.registry.HasSources() && !d.registry.AllCompleted()
}

// Execute runs one statement.
func (d *Database) Execute(sqlText string, args ...any) error {
	lease, err := d.checkout()
	if err != nil {
		return err
	}
	defer lease.Release()

	if d.migrating() {
		mh := migration.NewHandle(lease.Handle(), d.registry, d.tamperer)
		_, err = mh.Exec(sqlText, args...)
	} else {
		_, err = lease.Handle().Exec(sqlText, args...)
	}
	if err != nil {
		return err
	}
	d.pool.NotifyWrite()
	return nil
}

// Rows is a result set whose Close also returns the underlying handle to
// the pool.
type Rows struct {
	*dbsql.Rows
	cleanup func()
	once    sync.Once
}

// Close releases the rows, the tampering lock, and the handle lease.
func (r *Rows) Close() error {
	err := r.Rows.Close()
	r.once.Do(r.cleanup)
	return err
}

// Query runs a query; the caller must Close the returned rows.
func (d *Database) Query(sqlText string, args ...any) (*Rows, error) {
	lease, err := d.checkout()
	if err != nil {
		return nil, err
	}

	if d.migrating() {
		mh := migration.NewHandle(lease.Handle(), d.registry, d.tamperer)
		mrows, err := mh.Query(sqlText, args...)
		if err != nil {
			lease.Release()
			return nil, err
		}
		return &Rows{Rows: mrows.Rows, cleanup: func() {
			lease.Handle().RecordError(mrows.Err())
			mrows.Close()
			lease.Release()
		}}, nil
	}

	rows, err := lease.Handle().Query(sqlText, args...)
	if err != nil {
		lease.Release()
		return nil, err
	}
	return &Rows{Rows: rows, cleanup: func() {
		lease.Handle().RecordError(rows.Err())
		lease.Release()
	}}, nil
}

// Blockade makes new checkouts wait.
func (d *Database) Blockade() { d.pool.Blockade() }

// Unblockade releases waiting checkouts.
func (d *Database) Unblockade() { d.pool.Unblockade() }

// IsBlockaded reports whether the pool currently blocks checkouts.
func (d *Database) IsBlockaded() bool { return d.pool.IsBlockaded() }

// IsOpened reports whether any engine handle is currently alive.
func (d *Database) IsOpened() bool { return d.pool.IsOpened() }

// CanOpen reports whether a handle can be opened right now.
func (d *Database) CanOpen() bool {
	lease, err := d.checkout()
	if err != nil {
		return false
	}
	lease.Release()
	return true
}

// Close drains the pool and finalizes every handle. onClosed, when
// non-nil, observes the fully-quiesced database. The Database stays
// usable afterwards; the next operation reopens lazily.
func (d *Database) Close(onClosed func()) {
	d.EnableAutoMigration(false)
	d.autoBackup.Enable(false)
	d.pool.Close(onClosed)
}

// Release drops this Database's reference to the shared pool and
// unregisters its observers. The last reference for a path closes the
// pool for good.
func (d *Database) Release() {
	if d.closed.CompareAndSwap(false, true) {
		d.EnableAutoMigration(false)
		d.autoBackup.Enable(false)
		d.autoBackup.Detach()
		d.guard.Detach()
		db.ReleasePool(d.path)
	}
}

// TruncateCheckpoint folds the WAL into the main file and truncates it.
func (d *Database) TruncateCheckpoint() error {
	return d.checkpoint(db.CheckpointTruncate)
}

// PassiveCheckpoint checkpoints without blocking writers.
func (d *Database) PassiveCheckpoint() error {
	return d.checkpoint(db.CheckpointPassive)
}

func (d *Database) checkpoint(mode db.CheckpointMode) error {
	lease, err := d.checkout()
	if err != nil {
		return err
	}
	defer lease.Release()
	return lease.Handle().Checkpoint(mode)
}

// Purge finalizes this database's idle handles.
func (d *Database) Purge() { d.pool.Purge() }

// PurgeAll finalizes idle handles of every database in the process.
func PurgeAll() { db.PurgeAll() }
