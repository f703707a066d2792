package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestHandle(t *testing.T) *Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handle_test.db")
	h, err := OpenHandle(path, NewErrorStore())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestTransactionModeTypeName(t *testing.T) {
	require.Equal(t, "DEFERRED", TransactionDeferred.TypeName())
	require.Equal(t, "IMMEDIATE", TransactionImmediate.TypeName())
	// The exclusive variant must say EXCLUSIVE, not DEFERRED.
	require.Equal(t, "EXCLUSIVE", TransactionExclusive.TypeName())
}

func TestHandleExecQuery(t *testing.T) {
	h := openTestHandle(t)

	_, err := h.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = h.Exec("INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1")
	require.NoError(t, err)

	var v string
	require.NoError(t, h.QueryRow("SELECT v FROM kv WHERE k = ?", "a").Scan(&v))
	require.Equal(t, "1", v)
}

func TestHandlePrepareCaches(t *testing.T) {
	h := openTestHandle(t)

	_, err := h.Exec("CREATE TABLE t (n INTEGER)")
	require.NoError(t, err)

	s1, err := h.Prepare("INSERT INTO t (n) VALUES (?)")
	require.NoError(t, err)
	s2, err := h.Prepare("INSERT INTO t (n) VALUES (?)")
	require.NoError(t, err)
	require.Same(t, s1, s2)

	_, err = s1.Exec(7)
	require.NoError(t, err)
	var n int
	require.NoError(t, h.QueryRow("SELECT n FROM t").Scan(&n))
	require.Equal(t, 7, n)
}

func TestNestedTransactionBalance(t *testing.T) {
	h := openTestHandle(t)

	_, err := h.Exec("CREATE TABLE t (n INTEGER)")
	require.NoError(t, err)

	require.NoError(t, h.BeginNested())
	_, err = h.Exec("INSERT INTO t (n) VALUES (1)")
	require.NoError(t, err)

	require.NoError(t, h.BeginNested()) // savepoint
	_, err = h.Exec("INSERT INTO t (n) VALUES (2)")
	require.NoError(t, err)
	require.NoError(t, h.RollbackNested())

	require.NoError(t, h.CommitNested())
	require.False(t, h.InTransaction())

	var count int
	require.NoError(t, h.QueryRow("SELECT count(*) FROM t").Scan(&count))
	require.Equal(t, 1, count)
}

func TestNestedMisuseSurfaced(t *testing.T) {
	h := openTestHandle(t)

	err := h.CommitNested()
	require.Error(t, err)
	var me *Error
	require.ErrorAs(t, err, &me)
	require.Equal(t, CodeMisuse, me.Code)

	err = h.RollbackNested()
	require.ErrorAs(t, err, &me)
	require.Equal(t, CodeMisuse, me.Code)
}

func TestExplicitTransaction(t *testing.T) {
	h := openTestHandle(t)

	_, err := h.Exec("CREATE TABLE t (n INTEGER)")
	require.NoError(t, err)

	require.NoError(t, h.ExecuteBegin(TransactionImmediate))
	_, err = h.Exec("INSERT INTO t (n) VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, h.ExecuteCommit())

	require.NoError(t, h.ExecuteBegin(TransactionDeferred))
	_, err = h.Exec("INSERT INTO t (n) VALUES (2)")
	require.NoError(t, err)
	require.NoError(t, h.ExecuteRollback())

	var count int
	require.NoError(t, h.QueryRow("SELECT count(*) FROM t").Scan(&count))
	require.Equal(t, 1, count)
}

func TestCheckpointModes(t *testing.T) {
	h := openTestHandle(t)

	_, err := h.Exec("CREATE TABLE t (n INTEGER)")
	require.NoError(t, err)
	require.NoError(t, h.Checkpoint(CheckpointPassive))
	require.NoError(t, h.Checkpoint(CheckpointTruncate))
}

func TestAttachDetach(t *testing.T) {
	h := openTestHandle(t)
	other := filepath.Join(t.TempDir(), "other.db")

	oh, err := OpenHandle(other, NewErrorStore())
	require.NoError(t, err)
	_, err = oh.Exec("CREATE TABLE legacy (n INTEGER)")
	require.NoError(t, err)
	_, err = oh.Exec("INSERT INTO legacy (n) VALUES (42)")
	require.NoError(t, err)
	require.NoError(t, oh.Close())

	require.NoError(t, h.Attach(other, "aux", ""))
	require.True(t, h.AttachedSchema("aux"))
	// Idempotent for the same path.
	require.NoError(t, h.Attach(other, "aux", ""))

	var n int
	require.NoError(t, h.QueryRow("SELECT n FROM aux.legacy").Scan(&n))
	require.Equal(t, 42, n)

	require.NoError(t, h.Detach("aux"))
	require.False(t, h.AttachedSchema("aux"))
}

func TestStats(t *testing.T) {
	h := openTestHandle(t)

	_, err := h.Exec("CREATE TABLE a (n INTEGER)")
	require.NoError(t, err)
	_, err = h.Exec("CREATE INDEX a_n ON a (n)")
	require.NoError(t, err)

	st, err := h.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, st.TableCount)
	require.Equal(t, 1, st.IndexCount)
	require.Equal(t, 0, st.TriggerCount)
	require.Greater(t, st.SchemaUsage, int64(0))
}

func TestConstraintErrorMapped(t *testing.T) {
	h := openTestHandle(t)

	_, err := h.Exec("CREATE TABLE t (n INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = h.Exec("INSERT INTO t (n) VALUES (1)")
	require.NoError(t, err)

	_, err = h.Exec("INSERT INTO t (n) VALUES (1)")
	require.Error(t, err)
	var me *Error
	require.ErrorAs(t, err, &me)
	require.Equal(t, CodeConstraint, me.Code)
	require.Equal(t, h.Path(), me.Path)
	require.NotEmpty(t, me.SQL)
	require.Same(t, me, h.LastError())
}
