// Package upload implements the Upload Scheduler: a ticker-driven
// polling loop that claims datasets in status submitted (or, when none
// are waiting, in status uploading), runs the
// matching Transfer Executor, and advances each dataset to conversion_queued
// or done on success, or retries/fails it per the retry policy.
package upload

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/scidatahub/ingestpipe/pkg/events"
	"github.com/scidatahub/ingestpipe/pkg/executor"
	"github.com/scidatahub/ingestpipe/pkg/log"
	"github.com/scidatahub/ingestpipe/pkg/metrics"
	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/store"
	"github.com/scidatahub/ingestpipe/pkg/types"
)

// Config holds the Scheduler's tunables.
type Config struct {
	PollInterval  time.Duration
	StagingDir    string
	MaxRetryCount int
	RunTimeout    time.Duration
	// ProgressThrottle bounds how often a running executor's progress
	// callback is allowed to write bytes_uploaded back to the store
	// (no more than once per second per record).
	ProgressThrottle time.Duration
}

// Scheduler is the Upload Scheduler.
type Scheduler struct {
	store      store.Store
	dispatcher *executor.Dispatcher
	broker     *events.Broker
	cfg        Config
	workerID   string
	logger     zerolog.Logger

	stopCh chan struct{}
}

// NewScheduler creates a new Upload Scheduler. workerID identifies this
// process's claims in ClaimInfo so the Reaper and operators can tell
// which worker is holding a given in-flight dataset.
func NewScheduler(s store.Store, dispatcher *executor.Dispatcher, broker *events.Broker, cfg Config) *Scheduler {
	return &Scheduler{
		store:      s,
		dispatcher: dispatcher,
		broker:     broker,
		cfg:        cfg,
		workerID:   uuid.New().String(),
		logger:     log.WithComponent("upload-scheduler"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info().Str("worker_id", s.workerID).Msg("upload scheduler started")

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			s.logger.Info().Msg("upload scheduler stopped")
			return
		}
	}
}

// tick performs one scheduling cycle: claim, dispatch, run, settle.
func (s *Scheduler) tick() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UploadSchedulingLatency)

	candidate, err := s.store.FindOneByStatus(types.StatusSubmitted)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error().Err(err).Msg("failed to look up submitted datasets")
	}
	if candidate != nil {
		s.claimAndRun(candidate)
		return
	}

	candidate, err = s.store.FindOneByStatus(types.StatusUploading)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error().Err(err).Msg("failed to look up uploading datasets")
		}
		return
	}
	if candidate == nil {
		return
	}
	s.claimAndRun(candidate)
}

func (s *Scheduler) claimAndRun(ds *types.Dataset) {
	logger := log.WithDatasetID(ds.UUID)

	claim := types.ClaimInfo{WorkerID: s.workerID, ClaimedAt: time.Now().UTC()}
	err := s.store.ConditionalUpdate(ds.UUID, ds.Status, types.StatusUploading, store.Mutation{Claim: &claim})
	if err != nil {
		if errors.Is(err, store.ErrStale) {
			metrics.UploadClaimsLost.Inc()
			return // another worker won the race
		}
		logger.Error().Err(err).Msg("failed to claim dataset for upload")
		return
	}

	metrics.UploadsClaimed.Inc()
	s.broker.Publish(&events.Event{Type: events.EventUploadStarted, DatasetUUID: ds.UUID})
	ds.Claim = claim
	ds.Status = types.StatusUploading

	s.execute(ds, logger)
}

func (s *Scheduler) execute(ds *types.Dataset, logger zerolog.Logger) {
	ex, err := s.dispatcher.For(ds.SourceType)
	if err != nil {
		s.fail(ds, logger, err)
		return
	}

	destinationPath := stagingPath(s.cfg.StagingDir, ds)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	lastWrite := time.Now().Add(-time.Hour)
	progress := func(bytesSoFar, bytesTotal int64) error {
		if time.Since(lastWrite) < s.cfg.ProgressThrottle {
			return nil
		}
		lastWrite = time.Now()

		current, getErr := s.store.Get(ds.UUID)
		if getErr == nil && current.Status == types.StatusCancelled {
			return pipelineerr.New(pipelineerr.KindCancelled, "dataset was cancelled")
		}

		_ = s.store.Update(ds.UUID, store.Mutation{BytesUploaded: &bytesSoFar, BytesTotal: &bytesTotal})
		s.broker.Publish(&events.Event{Type: events.EventUploadProgress, DatasetUUID: ds.UUID})
		return nil
	}

	err = ex.Execute(ctx, ds, destinationPath, progress)
	timer.ObserveDurationVec(metrics.UploadDuration, string(ds.SourceType))

	if err != nil {
		if pipelineerr.Classify(err) == pipelineerr.KindCancelled {
			s.cancel(ds, logger)
			return
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = pipelineerr.Wrap(pipelineerr.KindTransient, err, "upload exceeded phase budget")
		}
		s.fail(ds, logger, err)
		return
	}

	s.succeed(ds, logger, destinationPath)
}

func (s *Scheduler) succeed(ds *types.Dataset, logger zerolog.Logger, destinationPath string) {
	// A URL source produces no local bytes; conversion is never
	// applicable even if convert_requested was set.
	nextStatus := types.StatusDone
	if ds.ConvertRequested && ds.SourceType != types.SourceURL {
		nextStatus = types.StatusConversionQueued
	}

	completedAt := nextStatus == types.StatusDone
	mutation := store.Mutation{
		Status:          &nextStatus,
		DestinationPath: &destinationPath,
		CompletedAt:     &completedAt,
	}
	if err := s.store.ConditionalUpdate(ds.UUID, types.StatusUploading, nextStatus, mutation); err != nil {
		logger.Error().Err(err).Msg("failed to record successful upload")
		return
	}

	metrics.UploadsSucceeded.WithLabelValues(string(ds.SourceType)).Inc()
	eventType := events.EventConversionQueued
	if nextStatus == types.StatusDone {
		eventType = events.EventDatasetCompleted
	}
	s.broker.Publish(&events.Event{Type: eventType, DatasetUUID: ds.UUID})
	logger.Info().Str("status", string(nextStatus)).Msg("upload completed")
}

func (s *Scheduler) fail(ds *types.Dataset, logger zerolog.Logger, cause error) {
	message := cause.Error()

	if !pipelineerr.ConsumesRetryBudget(cause) {
		s.terminal(ds, logger, types.StatusUploadingFailed, message, ds.RetryCount)
		return
	}

	retryCount := ds.RetryCount + 1
	if retryCount >= s.cfg.MaxRetryCount {
		s.terminal(ds, logger, types.StatusUploadingFailed, message, retryCount)
		metrics.UploadsFailed.WithLabelValues(classificationReason(cause)).Inc()
		return
	}

	// Release the claim for another cycle to retry.
	cleared := types.ClaimInfo{}
	err := s.store.ConditionalUpdate(ds.UUID, types.StatusUploading, types.StatusUploading, store.Mutation{
		RetryCount:   &retryCount,
		ErrorMessage: &message,
		Claim:        &cleared,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to release claim after transient upload failure")
		return
	}
	s.broker.Publish(&events.Event{Type: events.EventUploadFailed, DatasetUUID: ds.UUID, Message: message})
	logger.Warn().Err(cause).Int("retry_count", retryCount).Msg("upload failed, will retry")
}

func (s *Scheduler) terminal(ds *types.Dataset, logger zerolog.Logger, status types.Status, message string, retryCount int) {
	err := s.store.ConditionalUpdate(ds.UUID, types.StatusUploading, status, store.Mutation{
		ErrorMessage: &message,
		RetryCount:   &retryCount,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record terminal upload failure")
		return
	}
	s.broker.Publish(&events.Event{Type: events.EventUploadFailed, DatasetUUID: ds.UUID, Message: message})
	logger.Error().Str("error_message", message).Msg("upload failed permanently")
}

func (s *Scheduler) cancel(ds *types.Dataset, logger zerolog.Logger) {
	cancelled := types.StatusCancelled
	if err := s.store.Update(ds.UUID, store.Mutation{Status: &cancelled}); err != nil {
		logger.Error().Err(err).Msg("failed to record cancellation")
		return
	}
	s.broker.Publish(&events.Event{Type: events.EventDatasetCancelled, DatasetUUID: ds.UUID})
	logger.Info().Msg("upload cancelled")
}

func classificationReason(err error) string {
	return string(pipelineerr.Classify(err))
}

// stagingPath mirrors the pipeline's staging layout: <base>/upload/<uuid>/<basename>.
func stagingPath(base string, ds *types.Dataset) string {
	name := ds.Name
	if name == "" {
		name = ds.UUID
	}
	return filepath.Join(base, "upload", ds.UUID, name)
}
