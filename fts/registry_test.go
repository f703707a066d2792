package fts

import (
	"context"
	"database/sql"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func withRawConn(t *testing.T, fn func(conn *sqlite3.SQLiteConn)) {
	t.Helper()
	d, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer d.Close()

	conn, err := d.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Raw(func(driverConn any) error {
		fn(driverConn.(*sqlite3.SQLiteConn))
		return nil
	}))
}

func TestApplyInstallsRegisteredModules(t *testing.T) {
	installed := map[string]int{}
	RegisterTokenizer("test_tok", func(conn *sqlite3.SQLiteConn) error {
		installed["test_tok"]++
		return nil
	})
	RegisterAuxiliaryFunction("test_rank", func(conn *sqlite3.SQLiteConn) error {
		installed["test_rank"]++
		return nil
	})

	withRawConn(t, func(conn *sqlite3.SQLiteConn) {
		require.NoError(t, Apply(conn))
	})
	require.Equal(t, 1, installed["test_tok"])
	require.Equal(t, 1, installed["test_rank"])
}

func TestLookupUnknownModule(t *testing.T) {
	_, err := Tokenizer("nope")
	require.Error(t, err)
	_, err = AuxiliaryFunction("nope")
	require.Error(t, err)
}

func TestConfigHooksRoundTrip(t *testing.T) {
	ConfigSymbolDetector(func(r rune) bool { return r == '#' })
	ConfigUnicodeNormalizer(func(s string) string { return s })
	ConfigPinyinConverter(func(s string) []string { return []string{s} })
	ConfigTraditionalChineseConverter(func(s string) string { return s })

	require.True(t, SymbolDetectorFn()('#'))
	require.False(t, SymbolDetectorFn()('a'))
	require.Equal(t, "x", UnicodeNormalizerFn()("x"))
	require.Equal(t, []string{"y"}, PinyinConverterFn()("y"))
	require.Equal(t, "z", TraditionalChineseConverterFn()("z"))
}
