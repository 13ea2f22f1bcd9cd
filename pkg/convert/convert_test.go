package convert

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/scidatahub/ingestpipe/pkg/events"
	"github.com/scidatahub/ingestpipe/pkg/store"
	"github.com/scidatahub/ingestpipe/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConverterScript(t *testing.T, exitCode int, stderr string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "converter.sh")
	script := "#!/bin/sh\n"
	if stderr != "" {
		script += "echo '" + stderr + "' >&2\n"
	}
	script += "exit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func newTestScheduler(t *testing.T, converterPath string, cfg Config) (*Scheduler, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	broker := events.NewBroker()
	t.Cleanup(broker.Stop)

	if cfg.MaxRetryCount == 0 {
		cfg.MaxRetryCount = 3
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = 5 * time.Second
	}
	if cfg.ConvertedDir == "" {
		cfg.ConvertedDir = t.TempDir()
	}
	cfg.ConverterPath = converterPath
	return NewScheduler(s, broker, cfg), s
}

func newQueuedDataset(t *testing.T) *types.Dataset {
	return &types.Dataset{
		UUID:            uuid.New().String(),
		Slug:            "slug-" + uuid.New().String(),
		ShortID:         uuid.New().String()[:8],
		Name:            "sample.dat",
		SourceType:      types.SourceLocal,
		Status:          types.StatusConversionQueued,
		DestinationPath: t.TempDir(),
	}
}

func TestTickConvertsSuccessfully(t *testing.T) {
	scheduler, s := newTestScheduler(t, writeConverterScript(t, 0, ""), Config{})
	ds := newQueuedDataset(t)
	require.NoError(t, s.Create(ds))

	scheduler.tick()

	got, err := s.Get(ds.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
}

func TestTickConverterFailureGoesTerminalWhenBudgetExhausted(t *testing.T) {
	scheduler, s := newTestScheduler(t, writeConverterScript(t, 1, "bad sensor format"), Config{MaxRetryCount: 1})
	ds := newQueuedDataset(t)
	require.NoError(t, s.Create(ds))

	scheduler.tick()

	got, err := s.Get(ds.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConversionFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "bad sensor format")
}

func TestTickConverterFailureRetriesWithinBudget(t *testing.T) {
	scheduler, s := newTestScheduler(t, writeConverterScript(t, 1, "transient glitch"), Config{MaxRetryCount: 5})
	ds := newQueuedDataset(t)
	require.NoError(t, s.Create(ds))

	scheduler.tick()

	got, err := s.Get(ds.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConversionQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestTickMissingInputGoesTerminalWithoutRetry(t *testing.T) {
	scheduler, s := newTestScheduler(t, writeConverterScript(t, 0, ""), Config{MaxRetryCount: 5})
	ds := newQueuedDataset(t)
	ds.DestinationPath = filepath.Join(t.TempDir(), "does-not-exist")
	require.NoError(t, s.Create(ds))

	scheduler.tick()

	got, err := s.Get(ds.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConversionFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no longer exists")
}

func TestTickNoQueuedDatasetsIsANoop(t *testing.T) {
	scheduler, _ := newTestScheduler(t, writeConverterScript(t, 0, ""), Config{})
	scheduler.tick()
}
