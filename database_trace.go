package burrow

import (
	"github.com/burrowdb/burrow/trace"
)

// GlobalTraceError observes every non-OK error in the process.
func GlobalTraceError(cb trace.ErrorCallback) { trace.Default.SetGlobalError(cb) }

// GlobalTraceSQL observes every executed statement in the process.
func GlobalTraceSQL(cb trace.SQLCallback) { trace.Default.SetGlobalSQL(cb) }

// GlobalTracePerformance observes statement cost in the process.
func GlobalTracePerformance(cb trace.PerformanceCallback) {
	trace.Default.SetGlobalPerformance(cb)
}

// GlobalTraceDatabaseOperation observes database lifecycle events
// (Create, SetTag, OpenHandle) with their payload maps.
func GlobalTraceDatabaseOperation(cb trace.OperationCallback) {
	trace.Default.SetGlobalOperation(cb)
}

// SetFullSQLTraceEnable toggles tracing of complete statement text
// instead of truncated excerpts.
func SetFullSQLTraceEnable(on bool) { trace.Default.SetFullSQLEnabled(on) }

// TraceError observes errors for this database only.
func (d *Database) TraceError(cb trace.ErrorCallback) {
	trace.Default.SetError(d.path, cb)
}

// TraceSQL observes statements for this database only.
func (d *Database) TraceSQL(cb trace.SQLCallback) {
	trace.Default.SetSQL(d.path, cb)
}

// TracePerformance observes statement cost for this database only.
func (d *Database) TracePerformance(cb trace.PerformanceCallback) {
	trace.Default.SetPerformance(d.path, cb)
}
