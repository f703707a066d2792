package migration

import (
	"fmt"
	"strings"

	"github.com/burrowdb/burrow/telemetry"
	"github.com/dgraph-io/ristretto/v2"
	sqlast "github.com/rqlite/sql"
)

// StatementKind classifies the tampered statement for execution.
type StatementKind int

const (
	KindOther StatementKind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
)

// TamperedPair is the rewrite result for one user statement. Primary is
// always executed first on the user's handle; Shadow, when present, is
// the DML keeping the source table consistent and runs under the same
// nested transaction.
type TamperedPair struct {
	Primary string
	Shadow  string
	// ShadowUsesArgs mirrors the user's bindings onto the shadow; false
	// when the shadow has no parameters of its own.
	ShadowUsesArgs bool
	Kind           StatementKind
}

// HasShadow reports whether a shadow statement accompanies the primary.
func (p *TamperedPair) HasShadow() bool { return p.Shadow != "" }

// PreconditionError marks a statement the migration engine refuses to
// rewrite; the caller converts it into the framework error kind.
type PreconditionError struct {
	SQL    string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.SQL == "" {
		return "migration precondition violated: " + e.Reason
	}
	return fmt.Sprintf("migration precondition violated: %s (sql=%q)", e.Reason, e.SQL)
}

// Tamperer rewrites statements against a registry snapshot. Given the
// same snapshot generation and SQL text it is pure and deterministic, so
// results are cached per (generation, SQL).
type Tamperer struct {
	registry *Registry
	cache    *ristretto.Cache[string, *TamperedPair]
}

// NewTamperer returns a tamperer for the registry.
func NewTamperer(r *Registry) *Tamperer {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *TamperedPair]{
		NumCounters: 1 << 12,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		// Static configuration; only reachable through a programming error.
		panic(err)
	}
	return &Tamperer{registry: r, cache: cache}
}

func parseStatement(sqlText string) (sqlast.Statement, error) {
	return sqlast.NewParser(strings.NewReader(sqlText)).ParseStatement()
}

// ReferencedTables returns the table names a statement touches, or nil
// when the statement does not parse as SQLite SQL.
func ReferencedTables(sqlText string) []string {
	stmt, err := parseStatement(sqlText)
	if err != nil {
		return nil
	}
	c := &tableCollector{seen: map[string]struct{}{}}
	_, _ = sqlast.Walk(c, stmt)
	return c.tables
}

type tableCollector struct {
	tables []string
	seen   map[string]struct{}
}

func (c *tableCollector) add(name string) {
	if name == "" {
		return
	}
	if _, ok := c.seen[name]; ok {
		return
	}
	c.seen[name] = struct{}{}
	c.tables = append(c.tables, name)
}

func (c *tableCollector) Visit(node sqlast.Node) (sqlast.Visitor, sqlast.Node, error) {
	switch n := node.(type) {
	case *sqlast.QualifiedTableName:
		c.add(sqlast.IdentName(n.Name))
	case *sqlast.InsertStatement:
		c.add(sqlast.IdentName(n.Table))
	case *sqlast.AlterTableStatement:
		c.add(sqlast.IdentName(n.Name))
	}
	return c, node, nil
}

func (c *tableCollector) VisitEnd(node sqlast.Node) (sqlast.Node, error) { return node, nil }

// Tamper rewrites sqlText against the current registry snapshot. The
// caller must hold the registry's shared lock in read mode.
func (t *Tamperer) Tamper(sqlText string) (*TamperedPair, error) {
	key := fmt.Sprintf("%d|%s", t.registry.Generation(), sqlText)
	if pair, ok := t.cache.Get(key); ok {
		telemetry.TamperCacheHitsTotal.Inc()
		return pair, nil
	}

	pair, err := t.tamper(sqlText)
	if err != nil {
		return nil, err
	}
	t.cache.Set(key, pair, int64(len(sqlText)))
	return pair, nil
}

func (t *Tamperer) tamper(sqlText string) (*TamperedPair, error) {
	// Statements that touch no migrating table pass through on the fast
	// filter without a rewrite walk.
	tables := ReferencedTables(sqlText)
	if tables == nil {
		// Unparseable here (PRAGMA and friends); the engine decides.
		return &TamperedPair{Primary: sqlText, Kind: KindOther}, nil
	}
	touches := false
	for _, tb := range tables {
		if t.registry.MaybeMigrates(tb) {
			touches = true
			break
		}
	}
	if !touches {
		telemetry.TamperFastPathTotal.Inc()
		return &TamperedPair{Primary: sqlText, Kind: KindOther}, nil
	}

	stmt, err := parseStatement(sqlText)
	if err != nil {
		return &TamperedPair{Primary: sqlText, Kind: KindOther}, nil
	}

	switch s := stmt.(type) {
	case *sqlast.SelectStatement:
		return t.tamperSelect(sqlText, s)
	case *sqlast.InsertStatement:
		return t.tamperInsert(sqlText, s)
	case *sqlast.UpdateStatement:
		return t.tamperUpdate(sqlText, s)
	case *sqlast.DeleteStatement:
		return t.tamperDelete(sqlText, s)
	case *sqlast.AlterTableStatement:
		if info := t.registry.InfoOf(sqlast.IdentName(s.Name)); info != nil {
			return nil, &PreconditionError{SQL: sqlText,
				Reason: fmt.Sprintf("ALTER TABLE on migrating table %s", info.TargetTable)}
		}
		return &TamperedPair{Primary: sqlText, Kind: KindOther}, nil
	default:
		return &TamperedPair{Primary: sqlText, Kind: KindOther}, nil
	}
}

// sourceRewriter swaps migrating table sources for the UNION ALL view of
// target plus filtered source. Already-rewritten subtrees are recognized
// and skipped so the rewrite is idempotent.
type sourceRewriter struct {
	registry *Registry
	replaced bool
}

func (v *sourceRewriter) Visit(node sqlast.Node) (sqlast.Visitor, sqlast.Node, error) {
	switch n := node.(type) {
	case *sqlast.ParenSource:
		if v.isMigrationUnion(n) {
			return nil, node, nil
		}
	case *sqlast.QualifiedTableName:
		info := v.registry.InfoOf(sqlast.IdentName(n.Name))
		if info == nil {
			return v, node, nil
		}
		src, err := unionSource(n, info)
		if err != nil {
			return nil, nil, err
		}
		v.replaced = true
		return nil, src, nil
	}
	return v, node, nil
}

func (v *sourceRewriter) VisitEnd(node sqlast.Node) (sqlast.Node, error) { return node, nil }

// isMigrationUnion recognizes the shape this tamperer emits: a
// parenthesized compound select whose first branch reads the target and
// whose second branch reads that target's source.
func (v *sourceRewriter) isMigrationUnion(paren *sqlast.ParenSource) bool {
	sel, ok := paren.X.(*sqlast.SelectStatement)
	if !ok || sel.Compound == nil {
		return false
	}
	first, ok := sel.Source.(*sqlast.QualifiedTableName)
	if !ok {
		return false
	}
	info := v.registry.InfoOf(sqlast.IdentName(first.Name))
	if info == nil {
		return false
	}
	second, ok := sel.Compound.Source.(*sqlast.QualifiedTableName)
	if !ok {
		return false
	}
	return sqlast.IdentName(second.Name) == info.SourceTable
}

// unionSource builds the replacement source for one table reference. The
// node is produced by parsing a rendered wrapper select, so every
// position and keyword in the subtree is parser-made.
func unionSource(qtn *sqlast.QualifiedTableName, info *Info) (sqlast.Source, error) {
	alias := info.TargetTable
	if qtn.Alias != nil {
		alias = sqlast.IdentName(qtn.Alias)
	}

	cols := make([]string, len(info.columns))
	for i, c := range info.columns {
		cols[i] = quoteIdent(c)
	}
	colList := strings.Join(cols, ", ")

	union := fmt.Sprintf("SELECT %s FROM %s UNION ALL SELECT %s FROM %s WHERE %s",
		colList, info.targetRef(), colList, info.sourceRef(), info.filterClause())
	wrapper := fmt.Sprintf("SELECT * FROM (%s) AS %s", union, quoteIdent(alias))

	parsed, err := parseStatement(wrapper)
	if err != nil {
		return nil, fmt.Errorf("failed to build migration union for %s: %w", info.TargetTable, err)
	}
	sel, ok := parsed.(*sqlast.SelectStatement)
	if !ok || sel.Source == nil {
		return nil, fmt.Errorf("unexpected migration union shape for %s", info.TargetTable)
	}
	return sel.Source, nil
}

func (t *Tamperer) tamperSelect(sqlText string, sel *sqlast.SelectStatement) (*TamperedPair, error) {
	rw := &sourceRewriter{registry: t.registry}
	node, err := sqlast.Walk(rw, sel)
	if err != nil {
		return nil, err
	}
	if !rw.replaced {
		return &TamperedPair{Primary: sqlText, Kind: KindSelect}, nil
	}
	return &TamperedPair{Primary: node.(sqlast.Statement).String(), Kind: KindSelect}, nil
}

// rewriteSubselects tampers table references inside an expression
// subtree (correlated subqueries in WHERE clauses and SET values).
func (t *Tamperer) rewriteSubselects(expr sqlast.Expr) (sqlast.Expr, bool, error) {
	if expr == nil {
		return nil, false, nil
	}
	rw := &sourceRewriter{registry: t.registry}
	node, err := sqlast.Walk(rw, expr)
	if err != nil {
		return nil, false, err
	}
	return node.(sqlast.Expr), rw.replaced, nil
}

func (t *Tamperer) tamperInsert(sqlText string, ins *sqlast.InsertStatement) (*TamperedPair, error) {
	table := sqlast.IdentName(ins.Table)
	info := t.registry.InfoOf(table)

	primary := sqlText
	changed := false
	if ins.Select != nil {
		rw := &sourceRewriter{registry: t.registry}
		node, err := sqlast.Walk(rw, ins.Select)
		if err != nil {
			return nil, err
		}
		if rw.replaced {
			ins.Select = node.(*sqlast.SelectStatement)
			changed = true
		}
	}
	if changed {
		primary = ins.String()
	}

	if info == nil {
		return &TamperedPair{Primary: primary, Kind: KindInsert}, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(sqlText))
	isReplace := strings.HasPrefix(upper, "REPLACE") || strings.HasPrefix(upper, "INSERT OR REPLACE")
	partial := len(ins.Columns) > 0 && len(ins.Columns) < len(info.columns)
	if isReplace && partial {
		return nil, &PreconditionError{SQL: sqlText,
			Reason: "partial-column INSERT with REPLACE semantics on migrating table"}
	}

	// A caller-supplied rowid can collide with a row still in the source;
	// shadow-delete that source row so the union stays duplicate free.
	suppliesRowid := len(ins.Columns) == 0 && info.rowidAlias != ""
	if !suppliesRowid {
		for _, col := range ins.Columns {
			name := sqlast.IdentName(col)
			if strings.EqualFold(name, info.rowidAlias) && info.rowidAlias != "" {
				suppliesRowid = true
				break
			}
			switch strings.ToLower(name) {
			case "rowid", "_rowid_", "oid":
				suppliesRowid = true
			}
		}
	}

	pair := &TamperedPair{Primary: primary, Kind: KindInsert}
	if suppliesRowid {
		pair.Shadow = fmt.Sprintf("DELETE FROM %s WHERE rowid = last_insert_rowid()", info.sourceRef())
	}
	return pair, nil
}

func combineCondition(cond sqlast.Expr, info *Info) string {
	if cond == nil {
		return info.filterClause()
	}
	return "(" + cond.String() + ") AND " + info.filterClause()
}

func (t *Tamperer) tamperUpdate(sqlText string, upd *sqlast.UpdateStatement) (*TamperedPair, error) {
	table := sqlast.IdentName(upd.Table.Name)
	info := t.registry.InfoOf(table)
	if info == nil {
		return &TamperedPair{Primary: sqlText, Kind: KindUpdate}, nil
	}

	if len(upd.OrderingTerms) > 0 || upd.LimitExpr != nil {
		return nil, &PreconditionError{SQL: sqlText,
			Reason: "UPDATE with ORDER BY/LIMIT/OFFSET on migrating table"}
	}

	// Subqueries in the WHERE clause read through the union view.
	where, changed, err := t.rewriteSubselects(upd.WhereExpr)
	if err != nil {
		return nil, err
	}
	upd.WhereExpr = where

	primary := sqlText
	if changed {
		primary = upd.String()
	}

	assignments := make([]string, len(upd.Assignments))
	for i, a := range upd.Assignments {
		assignments[i] = a.String()
	}

	shadow := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		info.sourceRef(), strings.Join(assignments, ", "), combineCondition(upd.WhereExpr, info))

	return &TamperedPair{
		Primary:        primary,
		Shadow:         shadow,
		ShadowUsesArgs: true,
		Kind:           KindUpdate,
	}, nil
}

func (t *Tamperer) tamperDelete(sqlText string, del *sqlast.DeleteStatement) (*TamperedPair, error) {
	table := sqlast.IdentName(del.Table.Name)
	info := t.registry.InfoOf(table)
	if info == nil {
		return &TamperedPair{Primary: sqlText, Kind: KindDelete}, nil
	}

	if len(del.OrderingTerms) > 0 || del.LimitExpr != nil {
		return nil, &PreconditionError{SQL: sqlText,
			Reason: "DELETE with ORDER BY/LIMIT/OFFSET on migrating table"}
	}

	where, changed, err := t.rewriteSubselects(del.WhereExpr)
	if err != nil {
		return nil, err
	}
	del.WhereExpr = where

	primary := sqlText
	if changed {
		primary = del.String()
	}

	shadow := fmt.Sprintf("DELETE FROM %s WHERE %s",
		info.sourceRef(), combineCondition(del.WhereExpr, info))

	return &TamperedPair{
		Primary:        primary,
		Shadow:         shadow,
		ShadowUsesArgs: true,
		Kind:           KindDelete,
	}, nil
}
