package migration

import (
	dbsql "database/sql"
	"errors"
	"sync"

	"github.com/burrowdb/burrow/db"
)

// Handle decorates a db.Handle so every statement behaves correctly
// while rows straddle source and target tables. Reads go through the
// union view; writes run primary-then-shadow under a nested transaction.
type Handle struct {
	inner    *db.Handle
	registry *Registry
	tamperer *Tamperer
}

// NewHandle wraps inner with the migration discipline.
func NewHandle(inner *db.Handle, registry *Registry, tamperer *Tamperer) *Handle {
	return &Handle{inner: inner, registry: registry, tamperer: tamperer}
}

// Raw returns the wrapped handle.
func (m *Handle) Raw() *db.Handle { return m.inner }

func (m *Handle) precondition(err error) error {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return db.NewMigrationPreconditionError(m.inner.Path(), pe.SQL, pe.Reason)
	}
	return err
}

// prepare resolves and tampers sqlText. On success the registry's shared
// lock is held in read mode; the caller must invoke the returned release
// exactly once after the statement (and its rows) finished.
func (m *Handle) prepare(sqlText string) (*TamperedPair, func(), error) {
	if m.registry.AllCompleted() {
		return &TamperedPair{Primary: sqlText, Kind: KindOther}, func() {}, nil
	}

	if err := m.registry.EnsureSetup(m.inner); err != nil {
		return nil, nil, err
	}
	tables := ReferencedTables(sqlText)
	if len(tables) > 0 {
		if err := m.registry.Resolve(m.inner, tables); err != nil {
			return nil, nil, m.precondition(err)
		}
		if err := m.ensureAttached(tables); err != nil {
			return nil, nil, err
		}
	}

	m.registry.RLock()
	pair, err := m.tamperer.Tamper(sqlText)
	if err != nil {
		m.registry.RUnlock()
		return nil, nil, m.precondition(err)
	}

	var once sync.Once
	release := func() { once.Do(m.registry.RUnlock) }
	return pair, release, nil
}

// ensureAttached attaches the source databases of any migrating table the
// statement touches, so the rewritten SQL can reference their schemas on
// this handle.
func (m *Handle) ensureAttached(tables []string) error {
	m.registry.RLock()
	type attach struct{ path, schema, key string }
	var pending []attach
	for _, t := range tables {
		info := m.registry.InfoOf(t)
		if info != nil && info.AttachedPath != "" && !m.inner.AttachedSchema(info.SourceSchema) {
			pending = append(pending, attach{info.AttachedPath, info.SourceSchema, info.CipherKey})
		}
	}
	m.registry.RUnlock()

	for _, a := range pending {
		if err := m.inner.Attach(a.path, a.schema, a.key); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs one statement, mirroring it onto the source table when the
// tamperer produced a shadow.
func (m *Handle) Exec(sqlText string, args ...any) (dbsql.Result, error) {
	pair, release, err := m.prepare(sqlText)
	if err != nil {
		return nil, err
	}
	defer release()

	if !pair.HasShadow() {
		return m.inner.Exec(pair.Primary, args...)
	}

	// Primary before shadow, atomically: both or neither.
	if err := m.inner.BeginNested(); err != nil {
		return nil, err
	}
	res, err := m.inner.Exec(pair.Primary, args...)
	if err == nil {
		var shadowArgs []any
		if pair.ShadowUsesArgs {
			shadowArgs = args
		}
		_, err = m.inner.Exec(pair.Shadow, shadowArgs...)
	}
	if err != nil {
		if rbErr := m.inner.RollbackNested(); rbErr != nil {
			return nil, rbErr
		}
		return nil, err
	}
	if err := m.inner.CommitNested(); err != nil {
		return nil, err
	}
	return res, nil
}

// Rows wraps the result rows so closing them releases the registry's
// shared lock taken for the statement.
type Rows struct {
	*dbsql.Rows
	release func()
}

// Close closes the rows and releases the tampering lock.
func (r *Rows) Close() error {
	err := r.Rows.Close()
	r.release()
	return err
}

// Query runs one query through the union view.
func (m *Handle) Query(sqlText string, args ...any) (*Rows, error) {
	pair, release, err := m.prepare(sqlText)
	if err != nil {
		return nil, err
	}

	rows, err := m.inner.Query(pair.Primary, args...)
	if err != nil {
		release()
		return nil, err
	}
	return &Rows{Rows: rows, release: release}, nil
}
