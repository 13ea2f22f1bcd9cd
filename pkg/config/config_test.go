package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.UploadPollInterval)
	assert.Equal(t, time.Minute, cfg.ReaperInterval)
	assert.Equal(t, int64(10<<30), cfg.MaxFileSize)
}

func TestLoadFileMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "data_dir: /var/lib/datapipe\nmax_retry_count: 7\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/datapipe", cfg.DataDir)
	assert.Equal(t, 7, cfg.MaxRetryCount)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().ChunkSize, cfg.ChunkSize)
}

func TestValidateRejectsMissingDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveIntervals(t *testing.T) {
	cfg := Default()
	cfg.UploadPollInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ReaperInterval = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyConverterPath(t *testing.T) {
	cfg := Default()
	cfg.ConverterPath = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeRetryCount(t *testing.T) {
	cfg := Default()
	cfg.MaxRetryCount = -1
	assert.Error(t, cfg.Validate())
}
