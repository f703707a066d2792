package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/burrowdb/burrow/cfg"
	"github.com/burrowdb/burrow/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// TransactionMode selects the locking behavior of an explicit BEGIN.
type TransactionMode int

const (
	TransactionDeferred TransactionMode = iota
	TransactionImmediate
	TransactionExclusive
)

// TypeName returns the keyword emitted after BEGIN.
func (m TransactionMode) TypeName() string {
	switch m {
	case TransactionImmediate:
		return "IMMEDIATE"
	case TransactionExclusive:
		return "EXCLUSIVE"
	default:
		return "DEFERRED"
	}
}

// Handle owns one engine connection to one database file. A Handle is not
// safe for concurrent use; the pool hands it to one lease at a time.
type Handle struct {
	path  string
	tag   int64
	token uint64 // lease token, set by the pool at checkout

	db    *sql.DB
	stmts *lru.Cache[string, *sql.Stmt]

	txDepth    int  // explicit transaction + savepoint nesting
	inExplicit bool // outermost level opened via ExecuteBegin

	applied    map[string]uint64 // config name -> generation applied at
	appliedGen uint64

	attached map[string]string // schema name -> file path

	errs    *ErrorStore
	lastErr *Error
}

func buildDSN(path string) string {
	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += fmt.Sprintf("%s_journal_mode=WAL&_busy_timeout=%d", sep, cfg.Config.Handle.BusyTimeoutMS)
	return dsn
}

// OpenHandle opens one engine connection for path. The connection count
// is pinned to one so transaction state stays on this Handle.
func OpenHandle(path string, errs *ErrorStore) (*Handle, error) {
	sqlDB, err := sql.Open(DriverName, buildDSN(path))
	if err != nil {
		return nil, mapEngineError(err, path, "", 0)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	// Force the connection open now so open failures surface here, not on
	// the first statement.
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, mapEngineError(err, path, "", 0)
	}

	if dir := cfg.Config.TempDir; dir != "" {
		if _, err := sqlDB.Exec(fmt.Sprintf("PRAGMA temp_store_directory = %s", quoteLiteral(dir))); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("temp_store_directory pragma rejected")
		}
	}

	h := &Handle{
		path:     path,
		db:       sqlDB,
		applied:  make(map[string]uint64),
		attached: make(map[string]string),
		errs:     errs,
	}
	h.stmts, _ = lru.NewWithEvict[string, *sql.Stmt](cfg.Config.Handle.StatementCacheSize,
		func(_ string, stmt *sql.Stmt) { stmt.Close() })
	return h, nil
}

// Path returns the primary database file path.
func (h *Handle) Path() string { return h.path }

// Tag returns the owning database's tag.
func (h *Handle) Tag() int64 { return h.tag }

// SetTag records the owning database's tag for error payloads.
func (h *Handle) SetTag(tag int64) { h.tag = tag }

// SetToken records the caller token errors are filed under.
func (h *Handle) SetToken(token uint64) { h.token = token }

// LastError returns the most recent error seen on this Handle.
func (h *Handle) LastError() *Error { return h.lastErr }

// DB exposes the underlying connection for subsystems that stream rows.
func (h *Handle) DB() *sql.DB { return h.db }

func (h *Handle) record(err *Error) *Error {
	if err == nil {
		return nil
	}
	h.lastErr = err
	if h.errs != nil {
		h.errs.Record(h.token, err)
	}
	trace.Default.FireError(h.path, err)
	return err
}

// retry runs fn, retrying transient busy/locked failures with exponential
// backoff until the configured cap is spent.
func (h *Handle) retry(fn func() error) error {
	capMS := cfg.Config.Handle.RetryBackoffCapMS
	delay := time.Millisecond
	var spent time.Duration
	for {
		err := fn()
		if err == nil {
			return nil
		}
		me := mapEngineError(err, h.path, "", h.tag)
		if !me.IsTransient() || spent >= time.Duration(capMS)*time.Millisecond {
			return err
		}
		time.Sleep(delay)
		spent += delay
		delay *= 2
	}
}

func (h *Handle) traceStatement(sqlText string, start time.Time) {
	excerpt := excerptSQL(sqlText, trace.Default.FullSQLEnabled())
	trace.Default.FireSQL(h.path, excerpt)
	trace.Default.FirePerformance(h.path, excerpt, time.Since(start))
}

// Prepare returns a cached prepared statement for sqlText.
func (h *Handle) Prepare(sqlText string) (*sql.Stmt, error) {
	if stmt, ok := h.stmts.Get(sqlText); ok {
		return stmt, nil
	}
	var stmt *sql.Stmt
	err := h.retry(func() error {
		var err error
		stmt, err = h.db.Prepare(sqlText)
		return err
	})
	if err != nil {
		full := trace.Default.FullSQLEnabled()
		return nil, h.record(mapEngineError(err, h.path, excerptSQL(sqlText, full), h.tag))
	}
	h.stmts.Add(sqlText, stmt)
	return stmt, nil
}

// Exec runs one statement.
func (h *Handle) Exec(sqlText string, args ...any) (sql.Result, error) {
	start := time.Now()
	var res sql.Result
	err := h.retry(func() error {
		var err error
		res, err = h.db.Exec(sqlText, args...)
		return err
	})
	if err != nil {
		full := trace.Default.FullSQLEnabled()
		return nil, h.record(mapEngineError(err, h.path, excerptSQL(sqlText, full), h.tag))
	}
	h.traceStatement(sqlText, start)
	return res, nil
}

// Query runs one query; the caller owns the returned rows.
func (h *Handle) Query(sqlText string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	var rows *sql.Rows
	err := h.retry(func() error {
		var err error
		rows, err = h.db.Query(sqlText, args...)
		return err
	})
	if err != nil {
		full := trace.Default.FullSQLEnabled()
		return nil, h.record(mapEngineError(err, h.path, excerptSQL(sqlText, full), h.tag))
	}
	h.traceStatement(sqlText, start)
	return rows, nil
}

// QueryRow runs a single-row query.
func (h *Handle) QueryRow(sqlText string, args ...any) *sql.Row {
	return h.db.QueryRow(sqlText, args...)
}

// ExecuteBegin opens the outermost explicit transaction.
func (h *Handle) ExecuteBegin(mode TransactionMode) error {
	if h.txDepth != 0 {
		return h.record(&Error{Code: CodeMisuse, Path: h.path, Tag: h.tag,
			Message: "BEGIN inside an open transaction"})
	}
	if _, err := h.Exec("BEGIN " + mode.TypeName()); err != nil {
		return err
	}
	h.txDepth = 1
	h.inExplicit = true
	return nil
}

// ExecuteCommit commits the outermost explicit transaction.
func (h *Handle) ExecuteCommit() error {
	if !h.inExplicit || h.txDepth != 1 {
		return h.record(&Error{Code: CodeMisuse, Path: h.path, Tag: h.tag,
			Message: "COMMIT without matching BEGIN"})
	}
	if _, err := h.Exec("COMMIT"); err != nil {
		return err
	}
	h.txDepth = 0
	h.inExplicit = false
	return nil
}

// ExecuteRollback rolls back the outermost explicit transaction.
func (h *Handle) ExecuteRollback() error {
	if !h.inExplicit || h.txDepth != 1 {
		return h.record(&Error{Code: CodeMisuse, Path: h.path, Tag: h.tag,
			Message: "ROLLBACK without matching BEGIN"})
	}
	_, err := h.Exec("ROLLBACK")
	h.txDepth = 0
	h.inExplicit = false
	return err
}

func (h *Handle) savepointName() string {
	return fmt.Sprintf("burrow_sp_%d", h.txDepth)
}

// BeginNested opens a nested transaction. The outermost nested level is a
// plain BEGIN; inner levels are savepoints, balanced by exactly one
// CommitNested or RollbackNested.
func (h *Handle) BeginNested() error {
	if h.txDepth == 0 {
		if _, err := h.Exec("BEGIN"); err != nil {
			return err
		}
		h.txDepth = 1
		return nil
	}
	if _, err := h.Exec("SAVEPOINT " + h.savepointName()); err != nil {
		return err
	}
	h.txDepth++
	return nil
}

// CommitNested releases the innermost nested transaction.
func (h *Handle) CommitNested() error {
	switch {
	case h.txDepth == 0:
		return h.record(&Error{Code: CodeMisuse, Path: h.path, Tag: h.tag,
			Message: "commit of unopened nested transaction"})
	case h.txDepth == 1:
		if _, err := h.Exec("COMMIT"); err != nil {
			return err
		}
		h.txDepth = 0
		h.inExplicit = false
	default:
		h.txDepth--
		if _, err := h.Exec("RELEASE " + h.savepointName()); err != nil {
			h.txDepth++
			return err
		}
	}
	return nil
}

// RollbackNested rolls back the innermost nested transaction.
func (h *Handle) RollbackNested() error {
	switch {
	case h.txDepth == 0:
		return h.record(&Error{Code: CodeMisuse, Path: h.path, Tag: h.tag,
			Message: "rollback of unopened nested transaction"})
	case h.txDepth == 1:
		_, err := h.Exec("ROLLBACK")
		h.txDepth = 0
		h.inExplicit = false
		return err
	default:
		h.txDepth--
		name := h.savepointName()
		if _, err := h.Exec("ROLLBACK TO " + name); err != nil {
			h.txDepth++
			return err
		}
		_, err := h.Exec("RELEASE " + name)
		return err
	}
}

// InTransaction reports whether any transaction level is open.
func (h *Handle) InTransaction() bool { return h.txDepth > 0 }

// CheckpointMode selects the WAL checkpoint variant.
type CheckpointMode string

const (
	CheckpointTruncate CheckpointMode = "TRUNCATE"
	CheckpointPassive  CheckpointMode = "PASSIVE"
)

// Checkpoint folds WAL contents back into the main file.
func (h *Handle) Checkpoint(mode CheckpointMode) error {
	_, err := h.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	return err
}

// Attach attaches another database file under schema. Repeated attaches
// of the same schema/path pair are no-ops.
func (h *Handle) Attach(path, schema, cipherKey string) error {
	if cur, ok := h.attached[schema]; ok {
		if cur == path {
			return nil
		}
		return h.record(&Error{Code: CodeMisuse, Path: h.path, Tag: h.tag,
			Message: fmt.Sprintf("schema %s already attached to %s", schema, cur)})
	}
	stmt := fmt.Sprintf("ATTACH DATABASE %s AS %s", quoteLiteral(path), quoteIdent(schema))
	if cipherKey != "" {
		stmt += fmt.Sprintf(" KEY %s", quoteLiteral(cipherKey))
	}
	if _, err := h.Exec(stmt); err != nil {
		return err
	}
	h.attached[schema] = path
	return nil
}

// Detach removes an attached schema.
func (h *Handle) Detach(schema string) error {
	if _, ok := h.attached[schema]; !ok {
		return nil
	}
	if _, err := h.Exec("DETACH DATABASE " + quoteIdent(schema)); err != nil {
		return err
	}
	delete(h.attached, schema)
	return nil
}

// AttachedSchema reports whether schema is attached on this Handle.
func (h *Handle) AttachedSchema(schema string) bool {
	_, ok := h.attached[schema]
	return ok
}

// SchemaStats summarizes the primary schema for operation tracing.
type SchemaStats struct {
	TableCount   int
	IndexCount   int
	TriggerCount int
	SchemaUsage  int64 // bytes
}

// Stats queries sqlite_master and the page pragmas.
func (h *Handle) Stats() (SchemaStats, error) {
	var st SchemaStats
	row := h.QueryRow(`SELECT
		count(CASE WHEN type = 'table' THEN 1 END),
		count(CASE WHEN type = 'index' THEN 1 END),
		count(CASE WHEN type = 'trigger' THEN 1 END)
		FROM sqlite_master`)
	if err := row.Scan(&st.TableCount, &st.IndexCount, &st.TriggerCount); err != nil {
		return st, mapEngineError(err, h.path, "", h.tag)
	}

	var pageCount, pageSize int64
	if err := h.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return st, mapEngineError(err, h.path, "", h.tag)
	}
	if err := h.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return st, mapEngineError(err, h.path, "", h.tag)
	}
	st.SchemaUsage = pageCount * pageSize
	return st, nil
}

// RecordError classifies and records an error that surfaced outside a
// Handle method, like a failure during row iteration. The pool inspects
// the recorded error at checkin to spot fatal handles.
func (h *Handle) RecordError(err error) *Error {
	if err == nil {
		return nil
	}
	return h.record(mapEngineError(err, h.path, "", h.tag))
}

// ForgetApplied drops a config entry from the applied set so a
// replacement entry is re-invoked on next checkout.
func (h *Handle) ForgetApplied(name string) {
	delete(h.applied, name)
	h.appliedGen = 0
}

// Close finalizes cached statements and closes the engine connection.
func (h *Handle) Close() error {
	h.stmts.Purge() // eviction hook closes each statement
	if err := h.db.Close(); err != nil {
		return mapEngineError(err, h.path, "", h.tag)
	}
	return nil
}

// quoteIdent double-quotes an identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteLiteral single-quotes a string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
