package upload

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/scidatahub/ingestpipe/pkg/events"
	"github.com/scidatahub/ingestpipe/pkg/executor"
	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/store"
	"github.com/scidatahub/ingestpipe/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	err error
}

func (f fakeExecutor) Execute(ctx context.Context, d *types.Dataset, destinationPath string, progress executor.ProgressCallback) error {
	return f.err
}

func newTestScheduler(t *testing.T, ex executor.Executor, cfg Config) (*Scheduler, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	dispatcher := executor.NewDispatcher(map[types.SourceType]executor.Executor{
		types.SourceLocal: ex,
	})
	broker := events.NewBroker()
	t.Cleanup(broker.Stop)

	if cfg.MaxRetryCount == 0 {
		cfg.MaxRetryCount = 3
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = time.Second
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = t.TempDir()
	}
	return NewScheduler(s, dispatcher, broker, cfg), s
}

func newSubmittedDataset() *types.Dataset {
	return &types.Dataset{
		UUID:       uuid.New().String(),
		Slug:       "slug-" + uuid.New().String(),
		ShortID:    uuid.New().String()[:8],
		Name:       "sample.dat",
		SourceType: types.SourceLocal,
		Status:     types.StatusSubmitted,
	}
}

func TestTickClaimsSubmittedAndMarksDone(t *testing.T) {
	scheduler, s := newTestScheduler(t, fakeExecutor{}, Config{})
	ds := newSubmittedDataset()
	require.NoError(t, s.Create(ds))

	scheduler.tick()

	got, err := s.Get(ds.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
}

func TestTickRoutesToConversionQueuedWhenConvertRequested(t *testing.T) {
	scheduler, s := newTestScheduler(t, fakeExecutor{}, Config{})
	ds := newSubmittedDataset()
	ds.ConvertRequested = true
	require.NoError(t, s.Create(ds))

	scheduler.tick()

	got, err := s.Get(ds.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConversionQueued, got.Status)
}

func TestTickURLSourceNeverQueuesConversion(t *testing.T) {
	scheduler, s := newTestScheduler(t, fakeExecutor{}, Config{})
	ds := newSubmittedDataset()
	ds.SourceType = types.SourceURL
	ds.ConvertRequested = true
	require.NoError(t, s.Create(ds))

	// Register the URL executor for this one test since the dispatcher
	// built in newTestScheduler only wires SourceLocal.
	dispatcher := executor.NewDispatcher(map[types.SourceType]executor.Executor{
		types.SourceURL: fakeExecutor{},
	})
	scheduler.dispatcher = dispatcher

	scheduler.tick()

	got, err := s.Get(ds.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
}

func TestTickNonRetryableFailureGoesTerminalImmediately(t *testing.T) {
	scheduler, s := newTestScheduler(t, fakeExecutor{err: pipelineerr.New(pipelineerr.KindValidation, "bad source")}, Config{})
	ds := newSubmittedDataset()
	require.NoError(t, s.Create(ds))

	scheduler.tick()

	got, err := s.Get(ds.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploadingFailed, got.Status)
	assert.Equal(t, "bad source", got.ErrorMessage)
}

func TestTickTransientFailureReleasesClaimForRetry(t *testing.T) {
	scheduler, s := newTestScheduler(t, fakeExecutor{err: pipelineerr.New(pipelineerr.KindTransient, "network blip")}, Config{MaxRetryCount: 5})
	ds := newSubmittedDataset()
	require.NoError(t, s.Create(ds))

	scheduler.tick()

	got, err := s.Get(ds.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploading, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.Claim.WorkerID)
}

func TestTickTransientFailureExhaustsRetryBudget(t *testing.T) {
	scheduler, s := newTestScheduler(t, fakeExecutor{err: pipelineerr.New(pipelineerr.KindTransient, "still broken")}, Config{MaxRetryCount: 1})
	ds := newSubmittedDataset()
	ds.RetryCount = 0
	require.NoError(t, s.Create(ds))

	scheduler.tick()

	got, err := s.Get(ds.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploadingFailed, got.Status)
}

func TestStagingPathUsesDatasetNameUnderUUID(t *testing.T) {
	ds := &types.Dataset{UUID: "abc-123", Name: "recording.dat"}
	got := stagingPath("/data/upload", ds)
	assert.Equal(t, "/data/upload/upload/abc-123/recording.dat", got)
}
