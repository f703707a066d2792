package db

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-sqlite3"
)

// Code classifies an engine or framework error.
type Code int

const (
	CodeOK Code = iota
	CodeBusy
	CodeLocked
	CodeIOError
	CodeCorrupt
	CodeNotADB
	CodeMisuse
	CodeConstraint
	CodeInterrupt
	CodeFull
	CodeCantOpen
	CodeFileError
	CodeMigrationPrecondition
	CodeUnknown
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeBusy:
		return "Busy"
	case CodeLocked:
		return "Locked"
	case CodeIOError:
		return "IOError"
	case CodeCorrupt:
		return "Corrupt"
	case CodeNotADB:
		return "NotADB"
	case CodeMisuse:
		return "Misuse"
	case CodeConstraint:
		return "Constraint"
	case CodeInterrupt:
		return "Interrupt"
	case CodeFull:
		return "Full"
	case CodeCantOpen:
		return "CantOpen"
	case CodeFileError:
		return "FileError"
	case CodeMigrationPrecondition:
		return "MigrationPreconditionViolated"
	default:
		return "Unknown"
	}
}

// FileOp names the filesystem operation a FileError came from.
type FileOp int

const (
	FileOpLstat FileOp = iota
	FileOpAccess
	FileOpLink
	FileOpUnlink
	FileOpRemove
	FileOpMkdir
	FileOpGetAttr
	FileOpSetAttr
)

func (op FileOp) String() string {
	switch op {
	case FileOpLstat:
		return "Lstat"
	case FileOpAccess:
		return "Access"
	case FileOpLink:
		return "Link"
	case FileOpUnlink:
		return "Unlink"
	case FileOpRemove:
		return "Remove"
	case FileOpMkdir:
		return "Mkdir"
	case FileOpGetAttr:
		return "GetAttr"
	case FileOpSetAttr:
		return "SetAttr"
	default:
		return "Unknown"
	}
}

// Error is the framework error value. Every error surfaced to callers
// carries the classification, the database path and tag, and the SQL
// excerpt when one was involved.
type Error struct {
	Code    Code
	FileOp  FileOp // meaningful only when Code == CodeFileError
	IOOp    string // engine-reported op for CodeIOError
	Path    string
	Tag     int64
	SQL     string
	Message string

	cause error
}

func (e *Error) Error() string {
	switch {
	case e.SQL != "":
		return fmt.Sprintf("%s: %s (path=%s sql=%q)", e.Code, e.Message, e.Path, e.SQL)
	case e.Code == CodeFileError:
		return fmt.Sprintf("%s[%s]: %s (path=%s)", e.Code, e.FileOp, e.Message, e.Path)
	default:
		return fmt.Sprintf("%s: %s (path=%s)", e.Code, e.Message, e.Path)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by code so callers can use errors.Is with sentinel
// values like &Error{Code: CodeCorrupt}.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Code == te.Code
}

// IsTransient reports whether the error is worth retrying.
func (e *Error) IsTransient() bool { return e.Code == CodeBusy || e.Code == CodeLocked }

// IsFatal reports whether the handle that produced the error must be
// discarded and the corruption guard told.
func (e *Error) IsFatal() bool { return e.Code == CodeCorrupt || e.Code == CodeNotADB }

// NewFileError wraps a filesystem failure.
func NewFileError(op FileOp, path string, cause error) *Error {
	return &Error{
		Code:    CodeFileError,
		FileOp:  op,
		Path:    path,
		Message: cause.Error(),
		cause:   cause,
	}
}

// NewMigrationPreconditionError reports a statement the migration engine
// refuses to tamper.
func NewMigrationPreconditionError(path, sql, msg string) *Error {
	return &Error{
		Code:    CodeMigrationPrecondition,
		Path:    path,
		SQL:     sql,
		Message: msg,
	}
}

const sqlExcerptLen = 128

// excerptSQL truncates SQL for error payloads unless full tracing wants
// the whole text.
func excerptSQL(sql string, full bool) string {
	if full || len(sql) <= sqlExcerptLen {
		return sql
	}
	return sql[:sqlExcerptLen] + "…"
}

// MapEngineError classifies an engine error for callers that drive the
// engine outside a Handle method (row iteration, raw scans).
func MapEngineError(err error, path string) *Error {
	return mapEngineError(err, path, "", 0)
}

// mapEngineError converts a mattn/go-sqlite3 error into *Error.
func mapEngineError(err error, path, sql string, tag int64) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	out := &Error{
		Code:    CodeUnknown,
		Path:    path,
		Tag:     tag,
		SQL:     sql,
		Message: err.Error(),
		cause:   err,
	}

	var se sqlite3.Error
	if !errors.As(err, &se) {
		return out
	}

	switch se.Code {
	case sqlite3.ErrBusy:
		out.Code = CodeBusy
	case sqlite3.ErrLocked:
		out.Code = CodeLocked
	case sqlite3.ErrIoErr:
		out.Code = CodeIOError
		out.IOOp = se.ExtendedCode.Error()
	case sqlite3.ErrCorrupt:
		out.Code = CodeCorrupt
	case sqlite3.ErrNotADB:
		out.Code = CodeNotADB
	case sqlite3.ErrMisuse:
		out.Code = CodeMisuse
	case sqlite3.ErrConstraint:
		out.Code = CodeConstraint
	case sqlite3.ErrInterrupt:
		out.Code = CodeInterrupt
	case sqlite3.ErrFull:
		out.Code = CodeFull
	case sqlite3.ErrCantOpen:
		out.Code = CodeCantOpen
	}
	return out
}

// errorStoreCap bounds retained per-caller errors so many short-lived
// goroutines touching one database cannot grow the store without bound.
const errorStoreCap = 64

// ErrorStore retains the last error per caller token for one database,
// plus the most recent error overall.
type ErrorStore struct {
	mu      sync.Mutex
	last    *Error
	byToken *lru.Cache[uint64, *Error]
}

// NewErrorStore returns an empty store.
func NewErrorStore() *ErrorStore {
	c, _ := lru.New[uint64, *Error](errorStoreCap)
	return &ErrorStore{byToken: c}
}

// Record stores err as the latest error for token.
func (s *ErrorStore) Record(token uint64, err *Error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.last = err
	s.byToken.Add(token, err)
	s.mu.Unlock()
}

// Last returns the most recent error recorded for any caller.
func (s *ErrorStore) Last() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// ForToken returns the last error recorded for one caller token.
func (s *ErrorStore) ForToken(token uint64) *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byToken.Get(token); ok {
		return e
	}
	return nil
}
