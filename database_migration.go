package burrow

import (
	"time"

	"github.com/burrowdb/burrow/cfg"
	"github.com/burrowdb/burrow/migration"
	"github.com/rs/zerolog/log"
)

// MigrationInfo re-exports the migration mapping type.
type MigrationInfo = migration.Info

// AddMigration declares that tables of this database may still have
// rows in sourcePath (or in this database itself when sourcePath is
// empty). The filter callback decides, per target table, which source
// table feeds it.
func (d *Database) AddMigration(sourcePath, sourceCipher string, filter migration.Filter) {
	d.registry.AddSource(sourcePath, sourceCipher, filter)
}

// StepMigration performs one bounded unit of migration work.
func (d *Database) StepMigration() error {
	lease, err := d.checkout()
	if err != nil {
		return err
	}
	defer lease.Release()
	return d.stepper.Step(lease.Handle())
}

// IsMigrated reports whether every configured migration finished.
func (d *Database) IsMigrated() bool {
	if !d.registry.HasSources() {
		return true
	}
	if d.registry.AllCompleted() {
		return true
	}
	// Unstarted registries need one look at the persisted marker and the
	// work list before they can answer.
	lease, err := d.checkout()
	if err != nil {
		return false
	}
	defer lease.Release()
	if err := d.registry.EnsureSetup(lease.Handle()); err != nil {
		return false
	}
	if err := d.registry.DiscoverAll(lease.Handle()); err != nil {
		return false
	}
	if d.registry.HasPending() {
		return false
	}
	d.registry.SetAllCompleted()
	return true
}

// SetNotificationWhenMigrated installs the progress callback: called
// with each drained table's info, then once with nil when the whole
// database finished.
func (d *Database) SetNotificationWhenMigrated(cb migration.Notification) {
	d.stepper.SetNotification(cb)
}

// EnableAutoMigration starts or stops a background ticker that calls
// StepMigration until everything is drained.
func (d *Database) EnableAutoMigration(on bool) {
	d.autoMigrateMu.Lock()
	defer d.autoMigrateMu.Unlock()

	if on == (d.autoMigrateStop != nil) {
		return
	}
	if !on {
		close(d.autoMigrateStop)
		d.autoMigrateStop = nil
		return
	}

	stop := make(chan struct{})
	d.autoMigrateStop = stop
	interval := time.Duration(cfg.Config.Migration.AutoIntervalMS) * time.Millisecond
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if d.registry.AllCompleted() {
					return
				}
				if err := d.StepMigration(); err != nil {
					log.Warn().Err(err).Str("path", d.path).Msg("Auto-migration step failed")
				}
			}
		}
	}()
}
