package migration

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/burrowdb/burrow/cfg"
	"github.com/burrowdb/burrow/db"
	"github.com/burrowdb/burrow/telemetry"
	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"
)

// Notification observes migration progress. A non-nil info reports one
// source table fully drained; a nil info reports the whole database
// migrated.
type Notification func(info *Info)

// Stepper drains source tables in bounded batches. One batch targets the
// configured wall-time budget; the batch size adapts between the
// configured floor and ceiling.
type Stepper struct {
	registry *Registry

	mu           sync.Mutex
	batch        uint
	notify       Notification
	notifiedDone bool
}

// NewStepper returns a stepper over registry.
func NewStepper(registry *Registry) *Stepper {
	return &Stepper{registry: registry, batch: 10}
}

// SetNotification installs the progress callback.
func (s *Stepper) SetNotification(cb Notification) {
	s.mu.Lock()
	s.notify = cb
	s.mu.Unlock()
}

func (s *Stepper) fire(info *Info) {
	s.mu.Lock()
	cb := s.notify
	s.mu.Unlock()
	if cb != nil {
		cb(info)
	}
}

func (s *Stepper) currentBatch() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch
}

func (s *Stepper) adjustBatch(elapsed time.Duration) {
	budget := time.Duration(cfg.Config.Migration.StepBudgetMS) * time.Millisecond
	floor := uint(cfg.Config.Migration.BatchFloor)
	ceiling := uint(cfg.Config.Migration.BatchCeiling)

	s.mu.Lock()
	defer s.mu.Unlock()
	if elapsed > budget {
		s.batch /= 2
	} else {
		s.batch *= 2
	}
	if s.batch < floor {
		s.batch = floor
	}
	if s.batch > ceiling {
		s.batch = ceiling
	}
}

func (i *Info) sourceExpr() any {
	if i.SourceSchema != "" {
		return goqu.S(i.SourceSchema).Table(i.SourceTable)
	}
	return goqu.T(i.SourceTable)
}

// batchSQL builds the insert/delete pair for one batch. Rows are taken in
// descending rowid order so the remaining source stays contiguous; both
// statements select the same rows because they run in one transaction.
func (i *Info) batchSQL(limit uint) (insertSQL, deleteSQL string, err error) {
	cols := make([]any, 0, len(i.columns)+1)
	if i.rowidAlias == "" {
		// Preserve row identity across the move for plain rowid tables.
		cols = append(cols, goqu.C("rowid"))
	}
	for _, c := range i.columns {
		cols = append(cols, goqu.C(c))
	}

	picked := dialect.From(i.sourceExpr()).
		Select(cols...).
		Where(goqu.L(i.filterClause())).
		Order(goqu.C("rowid").Desc()).
		Limit(limit)

	insertCols := make([]any, len(cols))
	copy(insertCols, cols)
	insertSQL, _, err = dialect.Insert(goqu.T(i.TargetTable)).
		Cols(insertCols...).
		FromQuery(picked).
		ToSQL()
	if err != nil {
		return "", "", fmt.Errorf("failed to build batch insert: %w", err)
	}

	pickedRowids := dialect.From(i.sourceExpr()).
		Select(goqu.C("rowid")).
		Where(goqu.L(i.filterClause())).
		Order(goqu.C("rowid").Desc()).
		Limit(limit)
	deleteSQL, _, err = dialect.Delete(i.sourceExpr()).
		Where(goqu.C("rowid").In(pickedRowids)).
		ToSQL()
	if err != nil {
		return "", "", fmt.Errorf("failed to build batch delete: %w", err)
	}
	return insertSQL, deleteSQL, nil
}

func (i *Info) remainingSQL() (string, error) {
	query, _, err := dialect.From(i.sourceExpr()).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.L(i.filterClause())).
		ToSQL()
	if err != nil {
		return "", fmt.Errorf("failed to build remaining count: %w", err)
	}
	return query, nil
}

// Step performs one bounded unit of migration work on h. Transient
// busy/locked failures roll back and report success with zero rows moved;
// the next tick retries.
func (s *Stepper) Step(h *db.Handle) error {
	start := time.Now()
	defer func() {
		telemetry.MigrationStepSeconds.Observe(time.Since(start).Seconds())
	}()

	if s.registry.AllCompleted() {
		return nil
	}
	if err := s.registry.EnsureSetup(h); err != nil {
		return err
	}
	if err := s.registry.DiscoverAll(h); err != nil {
		return err
	}

	info, fresh := s.registry.CurrentMigrating()
	if info == nil {
		s.registry.SetAllCompleted()
		s.mu.Lock()
		alreadyNotified := s.notifiedDone
		s.notifiedDone = true
		s.mu.Unlock()
		if !alreadyNotified {
			s.fire(nil)
		}
		return nil
	}
	if fresh {
		if err := s.registry.StoreCurrent(h, info.TargetTable); err != nil {
			return err
		}
	}

	if info.AttachedPath != "" {
		if err := h.Attach(info.AttachedPath, info.SourceSchema, info.CipherKey); err != nil {
			return err
		}
	}

	moved, drained, err := s.runBatch(h, info)
	if err != nil {
		var de *db.Error
		if errors.As(err, &de) && de.IsTransient() {
			log.Debug().Str("target", info.TargetTable).Msg("Migration step hit busy, will retry")
			return nil
		}
		return err
	}

	s.adjustBatch(time.Since(start))
	telemetry.MigratedRowsTotal.Add(float64(moved))

	if drained {
		allDone, err := s.registry.CompleteAndDrop(h, info)
		if err != nil {
			var de *db.Error
			if errors.As(err, &de) && de.IsTransient() {
				return nil
			}
			return err
		}
		telemetry.MigrationTablesCompleted.Inc()

		if info.SourceSchema != "" && !s.registry.SchemaStillReferenced(info.SourceSchema) {
			if err := h.Detach(info.SourceSchema); err != nil {
				log.Warn().Err(err).Str("schema", info.SourceSchema).Msg("Failed to detach drained source")
			}
		}

		log.Info().Str("target", info.TargetTable).Str("source", info.SourceTable).
			Msg("Source table fully migrated")
		s.fire(info)

		if allDone {
			s.registry.SetAllCompleted()
			s.mu.Lock()
			alreadyNotified := s.notifiedDone
			s.notifiedDone = true
			s.mu.Unlock()
			if !alreadyNotified {
				s.fire(nil)
			}
		}
	}
	return nil
}

// runBatch moves one batch inside a single transaction so the insert and
// its matching delete commit atomically: after a crash, a row is either
// still in the source or already in the target, never both. The drop and
// marker for a drained source happen separately in CompleteAndDrop.
func (s *Stepper) runBatch(h *db.Handle, info *Info) (moved int64, drained bool, err error) {
	insertSQL, deleteSQL, err := info.batchSQL(s.currentBatch())
	if err != nil {
		return 0, false, err
	}
	remainingSQL, err := info.remainingSQL()
	if err != nil {
		return 0, false, err
	}

	if err := h.ExecuteBegin(db.TransactionImmediate); err != nil {
		return 0, false, err
	}
	rollback := func(cause error) (int64, bool, error) {
		if rbErr := h.ExecuteRollback(); rbErr != nil {
			log.Warn().Err(rbErr).Str("target", info.TargetTable).Msg("Rollback failed after step error")
		}
		return 0, false, cause
	}

	res, err := h.Exec(insertSQL)
	if err != nil {
		return rollback(err)
	}
	moved, _ = res.RowsAffected()

	if _, err := h.Exec(deleteSQL); err != nil {
		return rollback(err)
	}

	var remaining int64
	if err := h.QueryRow(remainingSQL).Scan(&remaining); err != nil {
		return rollback(err)
	}

	if err := h.ExecuteCommit(); err != nil {
		return rollback(err)
	}
	return moved, remaining == 0, nil
}
