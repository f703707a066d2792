package burrow

import (
	"os"
	"path/filepath"

	"github.com/burrowdb/burrow/db"
	"github.com/burrowdb/burrow/repair"
)

// relatedSuffixes lists the sidecar files belonging to a database.
var relatedSuffixes = []string{
	"", "-wal", "-shm", "-journal",
	repair.MaterialFirstSuffix, repair.MaterialLastSuffix,
}

// GetPaths returns every path the database may own, existing or not,
// including the deposit directory.
func (d *Database) GetPaths() []string {
	paths := make([]string, 0, len(relatedSuffixes)+1)
	for _, s := range relatedSuffixes {
		paths = append(paths, d.path+s)
	}
	paths = append(paths, d.path+repair.FactorySuffix)
	return paths
}

// GetFilesSize sums the sizes of all existing database files.
func (d *Database) GetFilesSize() (int64, error) {
	var total int64
	for _, p := range d.GetPaths() {
		info, err := os.Lstat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, db.NewFileError(db.FileOpLstat, p, err)
		}
		if info.IsDir() {
			size, err := dirSize(p)
			if err != nil {
				return 0, err
			}
			total += size
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return db.NewFileError(db.FileOpLstat, path, err)
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// RemoveFiles deletes every file belonging to the database. The pool is
// blockaded for the duration so no handle works on vanishing files.
func (d *Database) RemoveFiles() error {
	var out error
	d.pool.Close(func() {
		for _, p := range d.GetPaths() {
			if err := os.RemoveAll(p); err != nil {
				out = db.NewFileError(db.FileOpRemove, p, err)
				return
			}
		}
	})
	return out
}

// MoveFiles relocates every existing database file into dir, keeping
// base names. The pool is quiesced for the duration.
func (d *Database) MoveFiles(dir string) error {
	var out error
	d.pool.Close(func() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			out = db.NewFileError(db.FileOpMkdir, dir, err)
			return
		}
		for _, p := range d.GetPaths() {
			if _, err := os.Lstat(p); os.IsNotExist(err) {
				continue
			}
			dst := filepath.Join(dir, filepath.Base(p))
			if err := os.Rename(p, dst); err != nil {
				out = db.NewFileError(db.FileOpLink, p, err)
				return
			}
		}
	})
	return out
}
