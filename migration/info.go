// Package migration moves rows from legacy source tables into their
// target tables while user statements keep behaving as if the move had
// already finished. Statements are rewritten on the syntax tree; a
// background stepper drains the source in bounded batches.
package migration

import (
	dbsql "database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/burrowdb/burrow/db"
)

// Info describes one target table whose rows may still live in a source
// table. Target and source must have structurally identical column sets;
// the framework trusts the caller on this beyond cheap checks.
type Info struct {
	TargetTable  string
	SourceTable  string
	SourceSchema string // "" when the source lives in the main schema
	FilterSQL    string // constant row filter on the source; "" selects all
	AttachedPath string // source database file, "" when already attached/main
	CipherKey    string // key for the attached source database

	columns    []string // declared target column order
	rowidAlias string   // INTEGER PRIMARY KEY column, "" when none
}

// Migrates reports whether the info names a source to drain.
func (i *Info) Migrates() bool {
	return i != nil && i.SourceTable != ""
}

// Columns returns the declared target column order. Only valid after the
// registry resolved the info against a handle.
func (i *Info) Columns() []string { return i.columns }

func (i *Info) sourceRef() string {
	if i.SourceSchema != "" {
		return quoteIdent(i.SourceSchema) + "." + quoteIdent(i.SourceTable)
	}
	return quoteIdent(i.SourceTable)
}

func (i *Info) targetRef() string { return quoteIdent(i.TargetTable) }

// filterClause returns the filter as a WHERE-ready expression, "1" when
// the info selects all rows.
func (i *Info) filterClause() string {
	if i.FilterSQL == "" {
		return "1"
	}
	return "(" + i.FilterSQL + ")"
}

// resolve loads the declared column order and rowid alias from the live
// schema. Runs once per info, before the resolution is installed in the
// registry.
func (i *Info) resolve(h *db.Handle) error {
	if err := i.checkRowidTables(h); err != nil {
		return err
	}

	rows, err := h.Query(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(i.TargetTable)))
	if err != nil {
		return err
	}
	defer rows.Close()

	i.columns = i.columns[:0]
	i.rowidAlias = ""
	pkCount := 0
	pkAlias := ""
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt any
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("failed to scan table_info for %s: %w", i.TargetTable, err)
		}
		i.columns = append(i.columns, name)
		if pk > 0 {
			pkCount++
			if strings.EqualFold(colType, "INTEGER") {
				pkAlias = name
			}
		}
	}
	// Only a single-column INTEGER PRIMARY KEY aliases the rowid.
	if pkCount == 1 && pkAlias != "" {
		i.rowidAlias = pkAlias
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(i.columns) == 0 {
		return fmt.Errorf("migration target table %s does not exist", i.TargetTable)
	}
	return nil
}

// checkRowidTables rejects WITHOUT ROWID tables up front: the batch
// drain and the shadow statements address rows by rowid, so a missing
// rowid would otherwise only surface as a late engine failure.
func (i *Info) checkRowidTables(h *db.Handle) error {
	masters := [][2]string{
		{"sqlite_master", i.TargetTable},
		{"sqlite_master", i.SourceTable},
	}
	if i.SourceSchema != "" {
		masters[1][0] = quoteIdent(i.SourceSchema) + ".sqlite_master"
	}

	for _, m := range masters {
		var sqlText string
		err := h.QueryRow(fmt.Sprintf(
			"SELECT COALESCE(sql, '') FROM %s WHERE type = 'table' AND name = ?", m[0]),
			m[1]).Scan(&sqlText)
		if errors.Is(err, dbsql.ErrNoRows) {
			continue // missing tables are reported by the schema load
		}
		if err != nil {
			return err
		}
		if strings.Contains(strings.ToUpper(sqlText), "WITHOUT ROWID") {
			return &PreconditionError{
				Reason: fmt.Sprintf("table %s is WITHOUT ROWID; migration moves rows by rowid", m[1]),
			}
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
