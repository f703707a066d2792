package telemetry

// Latency buckets for engine-local operations.
var (
	// HandleOpenBuckets covers connection setup including config replay.
	HandleOpenBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// StepBuckets covers bounded migration steps (budget is ~10ms).
	StepBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25}

	// BackupBuckets covers material generation runs.
	BackupBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}
)

// Pool and handle metrics.
var (
	// OpenHandles tracks handles currently alive per process.
	OpenHandles Gauge = NoopStat{}

	// CheckedOutHandles tracks handles currently leased out.
	CheckedOutHandles Gauge = NoopStat{}

	// HandleOpenSeconds measures time to open and configure a handle.
	HandleOpenSeconds Histogram = NoopStat{}

	// HandleDiscardsTotal counts handles the pool finalizes instead of
	// pooling: after fatal errors, purges, closes, stale checkins and
	// failed config.
	HandleDiscardsTotal Counter = NoopStat{}
)

// Migration metrics.
var (
	// MigratedRowsTotal counts rows moved from source to target tables.
	MigratedRowsTotal Counter = NoopStat{}

	// MigrationStepSeconds measures one stepper batch.
	MigrationStepSeconds Histogram = NoopStat{}

	// MigrationTablesCompleted counts fully drained source tables.
	MigrationTablesCompleted Counter = NoopStat{}

	// TamperCacheHitsTotal counts tamperer results served from cache.
	TamperCacheHitsTotal Counter = NoopStat{}

	// TamperFastPathTotal counts statements skipped by the miss filter.
	TamperFastPathTotal Counter = NoopStat{}
)

// Repair metrics.
var (
	// CorruptionEventsTotal counts confirmed corruption detections.
	CorruptionEventsTotal Counter = NoopStat{}

	// BackupRunsTotal counts backup material regenerations.
	BackupRunsTotal Counter = NoopStat{}

	// BackupSeconds measures material generation latency.
	BackupSeconds Histogram = NoopStat{}

	// RetrievedRowsTotal counts rows recovered during retrieve.
	RetrievedRowsTotal Counter = NoopStat{}
)

// rebind swaps the noop implementations for live prometheus metrics.
// Called from Initialize after the registry exists.
func rebind() {
	OpenHandles = NewGauge("open_handles", "Handles currently alive")
	CheckedOutHandles = NewGauge("checked_out_handles", "Handles currently leased")
	HandleOpenSeconds = NewHistogram("handle_open_seconds", "Handle open+configure latency", HandleOpenBuckets)
	HandleDiscardsTotal = NewCounter("handle_discards_total", "Handles finalized instead of pooled")

	MigratedRowsTotal = NewCounter("migrated_rows_total", "Rows moved source to target")
	MigrationStepSeconds = NewHistogram("migration_step_seconds", "Migration step latency", StepBuckets)
	MigrationTablesCompleted = NewCounter("migration_tables_completed", "Fully drained source tables")
	TamperCacheHitsTotal = NewCounter("tamper_cache_hits_total", "Tamperer cache hits")
	TamperFastPathTotal = NewCounter("tamper_fast_path_total", "Statements skipped by miss filter")

	CorruptionEventsTotal = NewCounter("corruption_events_total", "Confirmed corruption detections")
	BackupRunsTotal = NewCounter("backup_runs_total", "Backup material regenerations")
	BackupSeconds = NewHistogram("backup_seconds", "Backup material latency", BackupBuckets)
	RetrievedRowsTotal = NewCounter("retrieved_rows_total", "Rows recovered during retrieve")
}
