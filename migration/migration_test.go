package migration

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/burrowdb/burrow/db"
	"github.com/stretchr/testify/require"
)

// fixture opens a database whose target table t is empty while the
// legacy rows still live in t_old, migrating with an accept-all filter.
func fixture(t *testing.T) (*db.Handle, *Registry, *Handle) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "migrate_test.db")
	h, err := db.OpenHandle(path, db.NewErrorStore())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	_, err = h.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = h.Exec("CREATE TABLE t_old (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = h.Exec(`INSERT INTO t_old (id, v) VALUES (1, 'a'), (2, 'b')`)
	require.NoError(t, err)

	registry := NewRegistry()
	registry.AddSource("", "", func(info *Info) {
		if info.TargetTable == "t" {
			info.SourceTable = "t_old"
			info.FilterSQL = "1=1"
		}
	})

	mh := NewHandle(h, registry, NewTamperer(registry))
	return h, registry, mh
}

func queryPairs(t *testing.T, mh *Handle, sqlText string, args ...any) [][2]any {
	t.Helper()
	rows, err := mh.Query(sqlText, args...)
	require.NoError(t, err)
	defer rows.Close()

	var out [][2]any
	for rows.Next() {
		var id int64
		var v string
		require.NoError(t, rows.Scan(&id, &v))
		out = append(out, [2]any{id, v})
	}
	require.NoError(t, rows.Err())
	return out
}

func TestTransparentSelect(t *testing.T) {
	_, _, mh := fixture(t)

	got := queryPairs(t, mh, "SELECT id, v FROM t ORDER BY id")
	require.Equal(t, [][2]any{{int64(1), "a"}, {int64(2), "b"}}, got)
}

func TestMirroredDelete(t *testing.T) {
	h, _, mh := fixture(t)

	_, err := mh.Exec("DELETE FROM t WHERE id = ?", 1)
	require.NoError(t, err)

	var n int
	require.NoError(t, h.QueryRow("SELECT count(*) FROM t WHERE id = 1").Scan(&n))
	require.Zero(t, n)
	require.NoError(t, h.QueryRow("SELECT count(*) FROM t_old WHERE id = 1").Scan(&n))
	require.Zero(t, n)

	got := queryPairs(t, mh, "SELECT id, v FROM t ORDER BY id")
	require.Equal(t, [][2]any{{int64(2), "b"}}, got)
}

func TestMirroredUpdateTouchesOnlySourceRow(t *testing.T) {
	h, _, mh := fixture(t)

	// Row 2 still lives only in the source; the update must land there
	// and the row must stay there until the stepper moves it.
	_, err := mh.Exec("UPDATE t SET v = ? WHERE id = ?", "B", 2)
	require.NoError(t, err)

	var n int
	require.NoError(t, h.QueryRow("SELECT count(*) FROM t").Scan(&n))
	require.Zero(t, n)

	var v string
	require.NoError(t, h.QueryRow("SELECT v FROM t_old WHERE id = 2").Scan(&v))
	require.Equal(t, "B", v)

	got := queryPairs(t, mh, "SELECT id, v FROM t WHERE id = 2")
	require.Equal(t, [][2]any{{int64(2), "B"}}, got)
}

func TestInsertWithCallerRowidShadowDeletesSourceTwin(t *testing.T) {
	h, _, mh := fixture(t)

	// id is the rowid alias; inserting id 2 displaces the source row.
	_, err := mh.Exec("INSERT INTO t (id, v) VALUES (?, ?)", 2, "fresh")
	require.NoError(t, err)

	var n int
	require.NoError(t, h.QueryRow("SELECT count(*) FROM t_old WHERE id = 2").Scan(&n))
	require.Zero(t, n)

	got := queryPairs(t, mh, "SELECT id, v FROM t ORDER BY id")
	require.Equal(t, [][2]any{{int64(1), "a"}, {int64(2), "fresh"}}, got)
}

func TestStepUntilMigrated(t *testing.T) {
	h, registry, mh := fixture(t)

	var mu sync.Mutex
	var tableEvents [][2]string
	terminal := 0

	stepper := NewStepper(registry)
	stepper.SetNotification(func(info *Info) {
		mu.Lock()
		defer mu.Unlock()
		if info == nil {
			terminal++
			return
		}
		tableEvents = append(tableEvents, [2]string{info.TargetTable, info.SourceTable})
	})

	for i := 0; i < 50 && !registry.IsMigrated(); i++ {
		require.NoError(t, stepper.Step(h))
	}
	require.True(t, registry.IsMigrated())

	// The source table is gone from the schema.
	var n int
	require.NoError(t, h.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name='t_old'").Scan(&n))
	require.Zero(t, n)

	var v string
	require.NoError(t, h.QueryRow("SELECT v FROM t WHERE id = 2").Scan(&v))
	require.Equal(t, "b", v)

	// Fast path after completion: plain statements, no rewriting.
	got := queryPairs(t, mh, "SELECT id, v FROM t ORDER BY id")
	require.Equal(t, [][2]any{{int64(1), "a"}, {int64(2), "b"}}, got)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][2]string{{"t", "t_old"}}, tableEvents)
	require.Equal(t, 1, terminal)

	// Further steps stay quiet.
	require.NoError(t, stepper.Step(h))
	require.Equal(t, 1, terminal)
}

func TestZeroMatchingRowsCompletesImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zero.db")
	h, err := db.OpenHandle(path, db.NewErrorStore())
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = h.Exec("CREATE TABLE t_old (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	registry := NewRegistry()
	registry.AddSource("", "", func(info *Info) {
		if info.TargetTable == "t" {
			info.SourceTable = "t_old"
		}
	})

	fired := 0
	stepper := NewStepper(registry)
	stepper.SetNotification(func(info *Info) {
		if info != nil {
			fired++
		}
	})

	require.NoError(t, stepper.Step(h))
	require.Equal(t, 1, fired)

	var n int
	require.NoError(t, h.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE name='t_old'").Scan(&n))
	require.Zero(t, n)
}

func TestMarkerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	h, err := db.OpenHandle(path, db.NewErrorStore())
	require.NoError(t, err)

	_, err = h.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = h.Exec("CREATE TABLE t_old (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = h.Exec("INSERT INTO t_old (id, v) SELECT value, 'x' FROM generate_series(1, 40)")
	if err != nil {
		// generate_series is an extension; fall back to plain inserts.
		for i := 1; i <= 40; i++ {
			_, err = h.Exec("INSERT INTO t_old (id, v) VALUES (?, 'x')", i)
			require.NoError(t, err)
		}
	}

	filter := func(info *Info) {
		if info.TargetTable == "t" {
			info.SourceTable = "t_old"
		}
	}

	registry := NewRegistry()
	registry.AddSource("", "", filter)
	stepper := NewStepper(registry)
	require.NoError(t, stepper.Step(h)) // moves the first batch only

	var moved int
	require.NoError(t, h.QueryRow("SELECT count(*) FROM t").Scan(&moved))
	require.Greater(t, moved, 0)
	require.False(t, registry.IsMigrated())
	require.NoError(t, h.Close())

	// Fresh process: state comes back from wcdb_builtin_kv.
	h2, err := db.OpenHandle(path, db.NewErrorStore())
	require.NoError(t, err)
	defer h2.Close()

	registry2 := NewRegistry()
	registry2.AddSource("", "", filter)
	require.NoError(t, registry2.EnsureSetup(h2))
	require.True(t, registry2.Started())

	stepper2 := NewStepper(registry2)
	for i := 0; i < 100 && !registry2.IsMigrated(); i++ {
		require.NoError(t, stepper2.Step(h2))
	}
	require.True(t, registry2.IsMigrated())

	var total int
	require.NoError(t, h2.QueryRow("SELECT count(*) FROM t").Scan(&total))
	require.Equal(t, 40, total)
}

func TestWithoutRowidTargetRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "norowid.db")
	h, err := db.OpenHandle(path, db.NewErrorStore())
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Exec("CREATE TABLE t (id TEXT PRIMARY KEY, v TEXT) WITHOUT ROWID")
	require.NoError(t, err)
	_, err = h.Exec("CREATE TABLE t_old (id TEXT PRIMARY KEY, v TEXT) WITHOUT ROWID")
	require.NoError(t, err)

	registry := NewRegistry()
	registry.AddSource("", "", func(info *Info) {
		if info.TargetTable == "t" {
			info.SourceTable = "t_old"
		}
	})
	require.NoError(t, registry.EnsureSetup(h))

	err = registry.Resolve(h, []string{"t"})
	require.Error(t, err)
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
}

func TestConcurrentStepAndUserWrites(t *testing.T) {
	h, registry, mh := fixture(t)

	// The stepper gets its own handle, like the background actor does.
	sh, err := db.OpenHandle(h.Path(), db.NewErrorStore())
	require.NoError(t, err)
	defer sh.Close()

	stepper := NewStepper(registry)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20 && !registry.IsMigrated(); i++ {
			_ = stepper.Step(sh)
		}
	}()

	for i := 10; i < 30; i++ {
		_, err := mh.Exec("INSERT INTO t (id, v) VALUES (?, 'w')", i)
		require.NoError(t, err)
	}
	wg.Wait()

	for !registry.IsMigrated() {
		require.NoError(t, stepper.Step(sh))
	}

	rows := queryPairs(t, mh, "SELECT id, v FROM t ORDER BY id")
	require.Len(t, rows, 22)
}
