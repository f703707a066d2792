package burrow

import (
	"github.com/burrowdb/burrow/repair"
)

// SetNotificationWhenCorrupted installs the callback fired exactly once
// per database lifetime when corruption is confirmed.
func (d *Database) SetNotificationWhenCorrupted(cb func(path string)) {
	d.guard.SetNotification(cb)
}

// CheckIfCorrupted runs an integrity probe synchronously.
func (d *Database) CheckIfCorrupted() bool { return d.guard.CheckIfCorrupted() }

// IsAlreadyCorrupted reports whether a probe confirmed corruption.
func (d *Database) IsAlreadyCorrupted() bool { return d.guard.IsAlreadyCorrupted() }

// EnableAutoBackup regenerates backup material after writes, throttled
// so steady-state write IO is unaffected.
func (d *Database) EnableAutoBackup(on bool) { d.autoBackup.Enable(on) }

// Backup regenerates the backup material now.
func (d *Database) Backup() error { return d.autoBackup.Backup() }

// FilterBackup restricts backed-up tables to those matching the glob
// patterns; an empty list backs up everything.
func (d *Database) FilterBackup(patterns ...string) error {
	return d.autoBackup.SetFilter(patterns)
}

// Deposit moves the current database files into a timestamped side
// directory and leaves the path free for a fresh database. The pool is
// quiesced for the duration.
func (d *Database) Deposit() error {
	var out error
	d.pool.Close(func() {
		_, out = repair.Deposit(d.path)
	})
	return out
}

// ContainsDeposited reports whether any deposit exists.
func (d *Database) ContainsDeposited() bool { return repair.ContainsDeposited(d.path) }

// RemoveDeposited deletes all deposited generations.
func (d *Database) RemoveDeposited() error { return repair.RemoveDeposited(d.path) }

// Retrieve merges deposited data back into the database, reporting
// progress as (fraction, increment). Returns the fraction of expected
// rows recovered.
func (d *Database) Retrieve(progress repair.ProgressCallback) (float64, error) {
	return repair.Retrieve(d.pool, progress)
}
