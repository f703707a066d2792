package burrow

import (
	"context"
	"fmt"

	"github.com/burrowdb/burrow/db"
	"github.com/burrowdb/burrow/fts"
	"github.com/mattn/go-sqlite3"
)

// rawConnModule runs an FTS module against the handle's raw engine
// connection. The handle pins a single connection, so this reaches the
// same one its statements use.
func rawConnModule(h *db.Handle, module fts.Module) error {
	conn, err := h.DB().Conn(context.Background())
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type: %T", driverConn)
		}
		return module(sc)
	})
}

// RegisterTokenizer adds a named tokenizer module to the process-wide
// registry. New connections of every database receive it.
func RegisterTokenizer(name string, module fts.Module) {
	fts.RegisterTokenizer(name, module)
}

// RegisterAuxiliaryFunction adds a named auxiliary function module to
// the process-wide registry.
func RegisterAuxiliaryFunction(name string, module fts.Module) {
	fts.RegisterAuxiliaryFunction(name, module)
}

// AddTokenizer ensures the named tokenizer is installed on every handle
// of this database, replaying it onto already-open handles through the
// config chain.
func (d *Database) AddTokenizer(name string) error {
	module, err := fts.Tokenizer(name)
	if err != nil {
		return err
	}
	d.SetConfig("burrow.tokenizer."+name, func(h *db.Handle) error {
		return rawConnModule(h, module)
	}, nil, db.PriorityDefault)
	return nil
}

// AddAuxiliaryFunction ensures the named auxiliary function is installed
// on every handle of this database.
func (d *Database) AddAuxiliaryFunction(name string) error {
	module, err := fts.AuxiliaryFunction(name)
	if err != nil {
		return err
	}
	d.SetConfig("burrow.auxfn."+name, func(h *db.Handle) error {
		return rawConnModule(h, module)
	}, nil, db.PriorityDefault)
	return nil
}

// ConfigSymbolDetector installs the rune classifier used by tokenizers.
func ConfigSymbolDetector(fn fts.SymbolDetector) { fts.ConfigSymbolDetector(fn) }

// ConfigUnicodeNormalizer installs the token normalizer.
func ConfigUnicodeNormalizer(fn fts.UnicodeNormalizer) { fts.ConfigUnicodeNormalizer(fn) }

// ConfigPinyinConverter installs the pinyin expansion hook.
func ConfigPinyinConverter(fn fts.PinyinConverter) { fts.ConfigPinyinConverter(fn) }

// ConfigTraditionalChineseConverter installs the han conversion hook.
func ConfigTraditionalChineseConverter(fn fts.TraditionalChineseConverter) {
	fts.ConfigTraditionalChineseConverter(fn)
}
