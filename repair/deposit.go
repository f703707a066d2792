package repair

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/burrowdb/burrow/db"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FactorySuffix names the side directory holding deposited databases.
const FactorySuffix = ".factory"

// factoryDir returns the deposit root for a database path.
func factoryDir(dbPath string) string { return dbPath + FactorySuffix }

// relatedSuffixes are the sidecar files moved together with the
// database file.
var relatedSuffixes = []string{"", "-wal", "-shm", "-journal", MaterialFirstSuffix, MaterialLastSuffix}

// Deposit atomically relocates the database and its sidecars into a
// fresh timestamped sub-directory of the factory, leaving the original
// path free for a new empty database. The caller must have quiesced the
// pool first.
func Deposit(dbPath string) (string, error) {
	sub := filepath.Join(factoryDir(dbPath),
		fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.NewString()[:8]))
	if err := os.MkdirAll(sub, 0o755); err != nil {
		return "", db.NewFileError(db.FileOpMkdir, sub, err)
	}

	base := filepath.Base(dbPath)
	moved := 0
	for _, suffix := range relatedSuffixes {
		src := dbPath + suffix
		if _, err := os.Lstat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", db.NewFileError(db.FileOpLstat, src, err)
		}
		dst := filepath.Join(sub, base+suffix)
		if err := os.Rename(src, dst); err != nil {
			return "", db.NewFileError(db.FileOpLink, src, err)
		}
		moved++
	}
	if moved == 0 {
		// Nothing to deposit; drop the empty directory again.
		os.Remove(sub)
		return "", nil
	}

	log.Info().Str("path", dbPath).Str("deposit", sub).Int("files", moved).
		Msg("Database deposited")
	return sub, nil
}

// ContainsDeposited reports whether any deposit exists for dbPath.
func ContainsDeposited(dbPath string) bool {
	entries, err := os.ReadDir(factoryDir(dbPath))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			return true
		}
	}
	return false
}

// RemoveDeposited deletes the whole factory directory.
func RemoveDeposited(dbPath string) error {
	if err := os.RemoveAll(factoryDir(dbPath)); err != nil {
		return db.NewFileError(db.FileOpRemove, factoryDir(dbPath), err)
	}
	return nil
}

// DepositedDatabases returns deposited database files, newest deposit
// first.
func DepositedDatabases(dbPath string) []string {
	entries, err := os.ReadDir(factoryDir(dbPath))
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	// Directory names start with the unix timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))

	base := filepath.Base(dbPath)
	var out []string
	for _, d := range dirs {
		candidate := filepath.Join(factoryDir(dbPath), d, base)
		if _, err := os.Stat(candidate); err == nil {
			out = append(out, candidate)
		}
	}
	return out
}
