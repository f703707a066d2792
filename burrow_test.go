package burrow

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/burrowdb/burrow/db"
	"github.com/burrowdb/burrow/migration"
	"github.com/stretchr/testify/require"
)

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "facade_test.db"))
	require.NoError(t, err)
	t.Cleanup(d.Release)
	return d
}

// migrationFixture sets up a database whose target t is empty while the
// legacy rows (1,"a") and (2,"b") still live in t_old, with an
// accept-all filter.
func migrationFixture(t *testing.T) *Database {
	t.Helper()
	d := openTestDatabase(t)

	require.NoError(t, d.Execute("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"))
	require.NoError(t, d.Execute("CREATE TABLE t_old (id INTEGER PRIMARY KEY, v TEXT)"))
	require.NoError(t, d.Execute(`INSERT INTO t_old (id, v) VALUES (1, 'a'), (2, 'b')`))

	d.AddMigration("", "", func(info *MigrationInfo) {
		if info.TargetTable == "t" {
			info.SourceTable = "t_old"
			info.FilterSQL = "1=1"
		}
	})
	return d
}

func collectPairs(t *testing.T, d *Database, sqlText string, args ...any) [][2]any {
	t.Helper()
	rows, err := d.Query(sqlText, args...)
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

func TestScenarioTransparentSelect(t *testing.T) {
	d := migrationFixture(t)

	got := collectPairs(t, d, "SELECT id, v FROM t ORDER BY id")
	require.Equal(t, [][2]any{{int64(1), "a"}, {int64(2), "b"}}, got)
}

func TestScenarioMirroredDelete(t *testing.T) {
	d := migrationFixture(t)

	require.NoError(t, d.Execute("DELETE FROM t WHERE id = 1"))

	for _, table := range []string{"t", "t_old"} {
		rows, err := d.Query("SELECT id, '' FROM "+table+" WHERE id = 1")
		require.NoError(t, err)
		require.False(t, rows.Next())
		rows.Close()
	}

	got := collectPairs(t, d, "SELECT id, v FROM t ORDER BY id")
	require.Equal(t, [][2]any{{int64(2), "b"}}, got)
}

func TestScenarioStepThenRead(t *testing.T) {
	d := migrationFixture(t)

	var mu sync.Mutex
	var events [][2]string
	terminal := 0
	d.SetNotificationWhenMigrated(func(info *MigrationInfo) {
		mu.Lock()
		defer mu.Unlock()
		if info == nil {
			terminal++
			return
		}
		events = append(events, [2]string{info.TargetTable, info.SourceTable})
	})

	for i := 0; i < 50 && !d.IsMigrated(); i++ {
		require.NoError(t, d.StepMigration())
	}
	require.True(t, d.IsMigrated())

	rows, err := d.Query("SELECT id, v FROM t WHERE id = 2")
	require.NoError(t, err)
	require.True(t, rows.Next())
	var id int64
	var v string
	require.NoError(t, rows.Scan(&id, &v))
	rows.Close()
	require.Equal(t, "b", v)

	// t_old dropped from the schema.
	rows, err = d.Query("SELECT count(*), '' FROM sqlite_master WHERE name = 't_old'")
	require.NoError(t, err)
	require.True(t, rows.Next())
	var n int64
	var dummy string
	require.NoError(t, rows.Scan(&n, &dummy))
	rows.Close()
	require.Zero(t, n)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][2]string{{"t", "t_old"}}, events)
	require.Equal(t, 1, terminal)
}

func TestScenarioBlockadedClose(t *testing.T) {
	d := openTestDatabase(t)
	require.NoError(t, d.Execute("CREATE TABLE t (n INTEGER)"))
	require.NoError(t, d.Execute("INSERT INTO t (n) VALUES (1)"))

	// Thread A holds a lease by keeping a result set open.
	rows, err := d.Query("SELECT n FROM t")
	require.NoError(t, err)
	require.True(t, rows.Next())

	var observedOpen atomic.Bool
	closed := make(chan struct{})
	go func() {
		d.Close(func() {
			observedOpen.Store(d.IsOpened())
		})
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a lease was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, rows.Close())
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return after the lease was released")
	}
	require.False(t, observedOpen.Load())

	// Subsequent operations reopen lazily.
	require.NoError(t, d.Execute("INSERT INTO t (n) VALUES (2)"))
}

func TestScenarioCorruptionAndRetrieve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt_test.db")
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Release()

	require.NoError(t, d.Execute("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"))
	for i := 0; i < 2000; i++ {
		require.NoError(t, d.Execute("INSERT INTO t (v) VALUES ('some-payload-some-payload')"))
	}
	require.NoError(t, d.TruncateCheckpoint())
	require.NoError(t, d.Backup())

	fired := make(chan string, 2)
	d.SetNotificationWhenCorrupted(func(p string) { fired <- p })

	// Quiesce, then truncate the file to half its size.
	d.Close(nil)
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()/2))

	// The next query fails with a corruption-class error.
	sawCorrupt := false
	for i := 0; i < 5 && !sawCorrupt; i++ {
		rows, err := d.Query("SELECT id, v FROM t ORDER BY id DESC")
		if err == nil {
			for rows.Next() {
			}
			err = rows.Err()
			rows.Close()
		}
		if err != nil {
			var de *db.Error
			if !errors.As(err, &de) {
				de = db.MapEngineError(err, path)
			}
			if de.IsFatal() {
				sawCorrupt = true
			}
		}
	}
	require.True(t, sawCorrupt, "truncated database must fail with Corrupt/NotADB")

	// The guard confirms within one event tick and fires exactly once.
	deadline := time.After(5 * time.Second)
	for !d.IsAlreadyCorrupted() {
		select {
		case <-deadline:
			t.Fatal("corruption was never confirmed")
		case <-time.After(25 * time.Millisecond):
		}
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("corruption notification missing")
	}
	select {
	case <-fired:
		t.Fatal("corruption notification fired twice")
	case <-time.After(100 * time.Millisecond):
	}

	// Deposit the wreck and pull rows back through the material.
	require.NoError(t, d.Deposit())
	require.True(t, d.ContainsDeposited())

	fraction, err := d.Retrieve(nil)
	require.NoError(t, err)
	require.Greater(t, fraction, 0.0)
	require.LessOrEqual(t, fraction, 1.0)

	rows, err := d.Query("SELECT count(*), '' FROM t")
	require.NoError(t, err)
	require.True(t, rows.Next())
	var n int64
	var dummy string
	require.NoError(t, rows.Scan(&n, &dummy))
	rows.Close()
	require.Greater(t, n, int64(0))

	require.NoError(t, d.RemoveDeposited())
	require.False(t, d.ContainsDeposited())
}

func TestScenarioConfigPriority(t *testing.T) {
	var mu sync.Mutex
	order := func(d *Database, names ...string) []string {
		var got []string
		record := func(name string) db.ConfigInvoke {
			return func(*db.Handle) error {
				mu.Lock()
				got = append(got, name)
				mu.Unlock()
				return nil
			}
		}
		for _, n := range names {
			priority := PriorityDefault
			if n == "cipher" {
				priority = PriorityHighest
			}
			d.SetConfig(n, record(n), nil, priority)
		}
		require.NoError(t, d.Execute("CREATE TABLE IF NOT EXISTS t (n INTEGER)"))
		return got
	}

	d1 := openTestDatabase(t)
	require.Equal(t, []string{"cipher", "wal"}, order(d1, "cipher", "wal"))

	// Reversed registration order must not change the effective order.
	d2 := openTestDatabase(t)
	require.Equal(t, []string{"cipher", "wal"}, order(d2, "wal", "cipher"))
}

func TestSetCipherKeyAppliesFirst(t *testing.T) {
	d := openTestDatabase(t)
	// Plain SQLite ignores the cipher pragmas; the point is that the
	// config applies cleanly at the highest priority before first use.
	d.SetCipherKey("secret", 0, 0)
	require.NoError(t, d.Execute("CREATE TABLE sealed (n INTEGER)"))
	require.NoError(t, d.Execute("INSERT INTO sealed (n) VALUES (1)"))
}

func TestTagAndError(t *testing.T) {
	d := openTestDatabase(t)
	d.SetTag(42)
	require.Equal(t, int64(42), d.GetTag())

	require.NoError(t, d.Execute("CREATE TABLE t (n INTEGER PRIMARY KEY)"))
	require.NoError(t, d.Execute("INSERT INTO t (n) VALUES (1)"))
	err := d.Execute("INSERT INTO t (n) VALUES (1)")
	require.Error(t, err)

	got := d.GetError()
	require.Error(t, got)
	var de *db.Error
	require.ErrorAs(t, got, &de)
	require.Equal(t, db.CodeConstraint, de.Code)
	require.Equal(t, int64(42), de.Tag)
}

func TestGetPathsAndFilesSize(t *testing.T) {
	d := openTestDatabase(t)
	require.NoError(t, d.Execute("CREATE TABLE t (n INTEGER)"))

	paths := d.GetPaths()
	require.Contains(t, paths, d.GetPath())
	require.Contains(t, paths, d.GetPath()+"-wal")

	size, err := d.GetFilesSize()
	require.NoError(t, err)
	require.Greater(t, size, int64(0))
}

func TestMoveFiles(t *testing.T) {
	d := openTestDatabase(t)
	require.NoError(t, d.Execute("CREATE TABLE t (n INTEGER)"))

	dest := filepath.Join(t.TempDir(), "moved")
	require.NoError(t, d.MoveFiles(dest))

	_, err := os.Stat(filepath.Join(dest, filepath.Base(d.GetPath())))
	require.NoError(t, err)
	_, err = os.Stat(d.GetPath())
	require.True(t, os.IsNotExist(err))
}

func TestRemoveFiles(t *testing.T) {
	d := openTestDatabase(t)
	require.NoError(t, d.Execute("CREATE TABLE t (n INTEGER)"))
	require.NoError(t, d.RemoveFiles())
	_, err := os.Stat(d.GetPath())
	require.True(t, os.IsNotExist(err))
	// The database recreates itself lazily.
	require.NoError(t, d.Execute("CREATE TABLE t (n INTEGER)"))
}

func TestCanOpenAndBlockadeAccessors(t *testing.T) {
	d := openTestDatabase(t)
	require.True(t, d.CanOpen())
	require.False(t, d.IsBlockaded())
	d.Blockade()
	require.True(t, d.IsBlockaded())
	d.Unblockade()
	require.False(t, d.IsBlockaded())
}

func TestEnableAutoMigrationDrains(t *testing.T) {
	d := migrationFixture(t)

	done := make(chan struct{})
	d.SetNotificationWhenMigrated(func(info *migration.Info) {
		if info == nil {
			close(done)
		}
	})

	d.EnableAutoMigration(true)
	defer d.EnableAutoMigration(false)

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("auto migration never finished")
	}
	require.True(t, d.IsMigrated())
}
