package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.Equal(t, CipherDefault, c.Cipher.Version)
	require.Equal(t, DefaultCipherPageSize, c.Cipher.PageSize)
	require.Equal(t, 10, c.Migration.StepBudgetMS)
	require.Equal(t, 10, c.Repair.BackupIntervalSeconds)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, original, Config)
}

func TestLoadOverlay(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	path := filepath.Join(t.TempDir(), "burrow.toml")
	body := `
temp_dir = "/tmp/burrow-spill"

[migration]
step_budget_ms = 25
auto_interval_ms = 500
batch_floor = 2
batch_ceiling = 50

[repair]
backup_interval_seconds = 30
retrieve_batch_rows = 16
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	require.NoError(t, Load(path))
	require.Equal(t, "/tmp/burrow-spill", Config.TempDir)
	require.Equal(t, 25, Config.Migration.StepBudgetMS)
	require.Equal(t, 50, Config.Migration.BatchCeiling)
	require.Equal(t, 30, Config.Repair.BackupIntervalSeconds)
	// Untouched sections keep defaults.
	require.Equal(t, 3000, Config.Handle.BusyTimeoutMS)
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := Default()
	c.Cipher.PageSize = 100
	require.Error(t, validate(c))

	c = Default()
	c.Migration.BatchCeiling = 0
	require.Error(t, validate(c))

	c = Default()
	c.Repair.BackupIntervalSeconds = 0
	require.Error(t, validate(c))
}

func TestSetTempDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = Default()

	require.Equal(t, os.TempDir(), TempDir())
	SetTempDir("/tmp/elsewhere")
	require.Equal(t, "/tmp/elsewhere", TempDir())
}
