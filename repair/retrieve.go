package repair

import (
	"fmt"
	"strings"

	"github.com/burrowdb/burrow/cfg"
	"github.com/burrowdb/burrow/db"
	"github.com/burrowdb/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

// ProgressCallback reports retrieve progress as the overall fraction so
// far plus the increment this call contributes.
type ProgressCallback func(fraction, increment float64)

// Retrieve reconstructs rows into the database served by pool from every
// deposited generation, newest first. With backup material available the
// leaf pages listed there are read directly, bypassing possibly-corrupt
// interior nodes; otherwise the deposited file is scanned. Returns the
// fraction of expected rows successfully recovered.
func Retrieve(pool *db.HandlePool, progress ProgressCallback) (float64, error) {
	lease, err := pool.Checkout(0)
	if err != nil {
		return 0, err
	}
	defer lease.Release()
	h := lease.Handle()

	sources := DepositedDatabases(pool.Path())
	if len(sources) == 0 {
		if progress != nil {
			progress(1, 1)
		}
		return 1, nil
	}

	var expected, recovered int64
	for _, src := range sources {
		exp, rec, err := recoverInto(h, src, progress, &expected, &recovered)
		if err != nil {
			log.Warn().Err(err).Str("source", src).Msg("Partial recovery from deposited database")
		}
		expected += exp
		recovered += rec
	}

	telemetry.RetrievedRowsTotal.Add(float64(recovered))
	fraction := 1.0
	if expected > 0 {
		fraction = float64(recovered) / float64(expected)
	}
	if progress != nil {
		progress(1, 0)
	}
	log.Info().Int64("recovered", recovered).Int64("expected", expected).
		Msg("Retrieve finished")
	return fraction, nil
}

// recoverInto pulls every table of one deposited database into h.
func recoverInto(h *db.Handle, srcPath string, progress ProgressCallback,
	totalExpected, totalRecovered *int64) (expected, recovered int64, err error) {

	mat, err := LoadMaterial(srcPath)
	if err != nil {
		log.Debug().Err(err).Str("source", srcPath).Msg("No usable material, falling back to page scan")
		mat, err = scanMaterial(srcPath)
		if err != nil {
			return 0, 0, err
		}
	}

	for _, tm := range mat.Tables {
		expected += tm.RowCount
	}

	// Recreate schema objects; tables may already exist in the fresh
	// database, so failures here are not fatal.
	for _, obj := range mat.Objects {
		if obj.SQL == "" {
			continue
		}
		if _, err := h.Exec(obj.SQL); err != nil {
			log.Debug().Err(err).Str("object", obj.Name).Msg("Schema object not recreated")
		}
	}

	reader, err := openPageReader(srcPath)
	if err != nil {
		return expected, 0, err
	}
	defer reader.Close()

	for _, tm := range mat.Tables {
		rows, err := recoverTable(h, reader, tm)
		recovered += rows
		if progress != nil {
			frac := 0.0
			if t := *totalExpected + expected; t > 0 {
				frac = float64(*totalRecovered+recovered) / float64(t)
			}
			inc := 0.0
			if expected > 0 {
				inc = float64(rows) / float64(expected)
			}
			progress(frac, inc)
		}
		if err != nil {
			log.Warn().Err(err).Str("table", tm.Name).Msg("Table recovered partially")
		}
	}
	return expected, recovered, nil
}

// tableShape describes the destination table for re-insertion.
type tableShape struct {
	columns    []string
	rowidAlias int // column index aliasing the rowid, -1 when none
}

func destShape(h *db.Handle, table string) (*tableShape, error) {
	rows, err := h.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shape := &tableShape{rowidAlias: -1}
	pkCount := 0
	pkIdx := -1
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt any
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		if pk > 0 {
			pkCount++
			if strings.EqualFold(colType, "INTEGER") {
				pkIdx = len(shape.columns)
			}
		}
		shape.columns = append(shape.columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(shape.columns) == 0 {
		return nil, fmt.Errorf("table %s missing in destination", table)
	}
	if pkCount == 1 && pkIdx >= 0 {
		shape.rowidAlias = pkIdx
	}
	return shape, nil
}

func (s *tableShape) insertSQL(table string) string {
	cols := make([]string, 0, len(s.columns)+1)
	marks := make([]string, 0, len(s.columns)+1)
	if s.rowidAlias < 0 {
		cols = append(cols, `"rowid"`)
		marks = append(marks, "?")
	}
	for _, c := range s.columns {
		cols = append(cols, fmt.Sprintf("%q", c))
		marks = append(marks, "?")
	}
	return fmt.Sprintf("INSERT OR IGNORE INTO %q (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
}

// recoverTable decodes rows straight from the recorded leaf pages and
// re-inserts them in batches.
func recoverTable(h *db.Handle, reader *pageReader, tm TableMaterial) (int64, error) {
	shape, err := destShape(h, tm.Name)
	if err != nil {
		return 0, err
	}
	insert := shape.insertSQL(tm.Name)
	batchRows := cfg.Config.Repair.RetrieveBatchRows

	var recovered int64
	inBatch := 0
	begun := false
	flush := func(commit bool) error {
		if !begun {
			return nil
		}
		begun = false
		pending := inBatch
		inBatch = 0
		if commit {
			return h.CommitNested()
		}
		recovered -= int64(pending)
		return h.RollbackNested()
	}

	var firstErr error
	for _, leaf := range tm.LeafPages {
		err := reader.leafCells(leaf, func(rowid int64, values []any) error {
			args := make([]any, 0, len(shape.columns)+1)
			if shape.rowidAlias < 0 {
				args = append(args, rowid)
			}
			for i := 0; i < len(shape.columns); i++ {
				var v any
				if i < len(values) {
					v = values[i]
				}
				// The rowid alias column stores NULL in the record; the real
				// value is the cell's rowid.
				if i == shape.rowidAlias && v == nil {
					v = rowid
				}
				args = append(args, v)
			}

			if !begun {
				if err := h.BeginNested(); err != nil {
					return err
				}
				begun = true
			}
			if _, err := h.Exec(insert, args...); err != nil {
				return err
			}
			recovered++
			inBatch++
			if inBatch >= batchRows {
				return flush(true)
			}
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err != nil {
			// Broken page or failed insert: drop the open batch and keep
			// going with the next leaf.
			if rbErr := flush(false); rbErr != nil && firstErr == nil {
				firstErr = rbErr
			}
		}
	}
	if err := flush(true); err != nil && firstErr == nil {
		firstErr = err
	}
	return recovered, firstErr
}

// scanMaterial rebuilds material from the file alone by walking the
// sqlite_master B-tree from page 1. When even that walk fails there is
// nothing to map pages onto and recovery stops.
func scanMaterial(srcPath string) (*Material, error) {
	reader, err := openPageReader(srcPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	mat := &Material{PageSize: reader.pageSize}
	err = reader.walkTableLeaves(1, func(leaf uint32) error {
		return reader.leafCells(leaf, func(_ int64, values []any) error {
			if len(values) < 5 {
				return nil
			}
			objType, _ := values[0].(string)
			name, _ := values[1].(string)
			tblName, _ := values[2].(string)
			root, _ := values[3].(int64)
			sqlText, _ := values[4].(string)
			if strings.HasPrefix(name, "sqlite_") {
				return nil
			}
			mat.Objects = append(mat.Objects, SchemaObject{
				Type: objType, Name: name, TblName: tblName,
				RootPage: uint32(root), SQL: sqlText,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan schema: %w", err)
	}

	for _, obj := range mat.Objects {
		if obj.Type != "table" || obj.RootPage == 0 {
			continue
		}
		tm := TableMaterial{Name: obj.Name, RootPage: obj.RootPage}
		walkErr := reader.walkTableLeaves(obj.RootPage, func(leaf uint32) error {
			tm.LeafPages = append(tm.LeafPages, leaf)
			return nil
		})
		if walkErr != nil {
			log.Debug().Err(walkErr).Str("table", obj.Name).Msg("Partial leaf walk during scan")
		}
		// RowCount unknown without material; count what the leaves hold so
		// the recovered fraction still means something.
		for _, leaf := range tm.LeafPages {
			_ = reader.leafCells(leaf, func(int64, []any) error {
				tm.RowCount++
				return nil
			})
		}
		mat.Tables = append(mat.Tables, tm)
	}
	return mat, nil
}
