package burrow

import (
	"fmt"

	"github.com/burrowdb/burrow/cfg"
	"github.com/burrowdb/burrow/db"
)

// Config priorities re-exported for callers.
const (
	PriorityHighest = db.PriorityHighest
	PriorityHigh    = db.PriorityHigh
	PriorityDefault = db.PriorityDefault
	PriorityLow     = db.PriorityLow
)

const cipherConfigName = "burrow.cipher"

// SetConfig installs or replaces a named setup/teardown pair applied to
// every handle drawn from the pool. Replacing an entry runs the old
// entry's uninvoke on the pool's idle handles before the new invoke
// applies; handles checked out at that moment do not run the old
// uninvoke and apply the new entry on their next checkout.
func (d *Database) SetConfig(name string, invoke, uninvoke db.ConfigInvoke, priority int) {
	replaced, had := d.pool.Chain().Set(name, invoke, uninvoke, priority)
	if had {
		d.pool.ForEachIdle(func(h *db.Handle) {
			if replaced.Uninvoke != nil {
				_ = replaced.Uninvoke(h)
			}
			h.ForgetApplied(name)
		})
	}
}

// RemoveConfig deletes a named config and runs its uninvoke on the
// pool's idle handles; handles checked out at that moment do not run it.
func (d *Database) RemoveConfig(name string) {
	removed, had := d.pool.Chain().Remove(name)
	if !had {
		return
	}
	d.pool.ForEachIdle(func(h *db.Handle) {
		if removed.Uninvoke != nil {
			_ = removed.Uninvoke(h)
		}
		h.ForgetApplied(name)
	})
}

// cipherPragmas returns the setup statements for one cipher profile.
func cipherPragmas(key string, pageSize int, version cfg.CipherVersion) []string {
	if pageSize <= 0 {
		pageSize = cfg.DefaultCipherPageSize
	}
	stmts := []string{
		fmt.Sprintf("PRAGMA key = '%s'", key),
		fmt.Sprintf("PRAGMA cipher_page_size = %d", pageSize),
	}
	if version != cfg.CipherDefault {
		stmts = append(stmts, fmt.Sprintf("PRAGMA cipher_compatibility = %d", int(version)))
	}
	return stmts
}

// SetCipherKey configures encryption for this database. The entry runs
// at the highest priority so the key applies before any other statement
// touches the handle.
func (d *Database) SetCipherKey(key string, pageSize int, version cfg.CipherVersion) {
	if version == cfg.CipherDefault {
		version = cfg.Config.Cipher.Version
	}
	stmts := cipherPragmas(key, pageSize, version)
	d.SetConfig(cipherConfigName, func(h *db.Handle) error {
		for _, stmt := range stmts {
			if _, err := h.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	}, nil, db.PriorityHighest)
}

// SetDefaultCipherConfiguration selects the process-wide cipher profile
// used when SetCipherKey is called without an explicit version.
func SetDefaultCipherConfiguration(version cfg.CipherVersion) {
	cfg.Config.Cipher.Version = version
}

// SetDefaultTemporaryDirectory redirects the engine's spill files.
// Applied to handles opened after the call.
func SetDefaultTemporaryDirectory(dir string) {
	cfg.SetTempDir(dir)
}
