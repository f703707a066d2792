// Package fts keeps the process-wide registries of full-text-search
// tokenizers and auxiliary functions. Modules are connection hooks; the
// engine driver replays the registry on every new connection.
package fts

import (
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Module installs a tokenizer or auxiliary function on one connection.
// The framework treats the registration mechanics as opaque; modules are
// provided by the FTS integration layer.
type Module func(conn *sqlite3.SQLiteConn) error

type (
	// SymbolDetector reports whether a rune is a symbol for tokenization.
	SymbolDetector func(r rune) bool
	// UnicodeNormalizer folds a token to its normalized form.
	UnicodeNormalizer func(s string) string
	// PinyinConverter expands a Chinese token to its pinyin spellings.
	PinyinConverter func(s string) []string
	// TraditionalChineseConverter maps traditional characters to simplified.
	TraditionalChineseConverter func(s string) string
)

type registry struct {
	mu         sync.RWMutex
	tokenizers map[string]Module
	auxiliary  map[string]Module

	symbolDetector     SymbolDetector
	unicodeNormalizer  UnicodeNormalizer
	pinyinConverter    PinyinConverter
	traditionalConvert TraditionalChineseConverter
}

var global = &registry{
	tokenizers: make(map[string]Module),
	auxiliary:  make(map[string]Module),
}

// RegisterTokenizer adds a named tokenizer module to the global registry.
// Replacing an existing name only affects connections opened afterwards.
func RegisterTokenizer(name string, module Module) {
	global.mu.Lock()
	global.tokenizers[name] = module
	global.mu.Unlock()
	log.Debug().Str("tokenizer", name).Msg("Registered FTS tokenizer")
}

// RegisterAuxiliaryFunction adds a named auxiliary function module.
func RegisterAuxiliaryFunction(name string, module Module) {
	global.mu.Lock()
	global.auxiliary[name] = module
	global.mu.Unlock()
	log.Debug().Str("function", name).Msg("Registered FTS auxiliary function")
}

// Tokenizer returns the registered module for name.
func Tokenizer(name string) (Module, error) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	m, ok := global.tokenizers[name]
	if !ok {
		return nil, fmt.Errorf("fts tokenizer not registered: %s", name)
	}
	return m, nil
}

// AuxiliaryFunction returns the registered module for name.
func AuxiliaryFunction(name string) (Module, error) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	m, ok := global.auxiliary[name]
	if !ok {
		return nil, fmt.Errorf("fts auxiliary function not registered: %s", name)
	}
	return m, nil
}

// ConfigSymbolDetector installs the rune classifier used by tokenizers.
func ConfigSymbolDetector(fn SymbolDetector) {
	global.mu.Lock()
	global.symbolDetector = fn
	global.mu.Unlock()
}

// ConfigUnicodeNormalizer installs the token normalizer.
func ConfigUnicodeNormalizer(fn UnicodeNormalizer) {
	global.mu.Lock()
	global.unicodeNormalizer = fn
	global.mu.Unlock()
}

// ConfigPinyinConverter installs the pinyin expansion hook.
func ConfigPinyinConverter(fn PinyinConverter) {
	global.mu.Lock()
	global.pinyinConverter = fn
	global.mu.Unlock()
}

// ConfigTraditionalChineseConverter installs the han conversion hook.
func ConfigTraditionalChineseConverter(fn TraditionalChineseConverter) {
	global.mu.Lock()
	global.traditionalConvert = fn
	global.mu.Unlock()
}

// SymbolDetectorFn returns the configured symbol detector, or nil.
func SymbolDetectorFn() SymbolDetector {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.symbolDetector
}

// UnicodeNormalizerFn returns the configured normalizer, or nil.
func UnicodeNormalizerFn() UnicodeNormalizer {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.unicodeNormalizer
}

// PinyinConverterFn returns the configured pinyin converter, or nil.
func PinyinConverterFn() PinyinConverter {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.pinyinConverter
}

// TraditionalChineseConverterFn returns the configured converter, or nil.
func TraditionalChineseConverterFn() TraditionalChineseConverter {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.traditionalConvert
}

// Apply installs every registered module on conn. Called by the driver
// connect hook for each new engine connection.
func Apply(conn *sqlite3.SQLiteConn) error {
	global.mu.RLock()
	defer global.mu.RUnlock()

	for name, m := range global.tokenizers {
		if err := m(conn); err != nil {
			return fmt.Errorf("failed to install tokenizer %s: %w", name, err)
		}
	}
	for name, m := range global.auxiliary {
		if err := m(conn); err != nil {
			return fmt.Errorf("failed to install auxiliary function %s: %w", name, err)
		}
	}
	return nil
}
