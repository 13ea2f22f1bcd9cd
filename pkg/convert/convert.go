// Package convert implements the Conversion Scheduler: structurally
// identical to the Upload Scheduler but polls for conversion_queued and
// invokes one configured conversion subprocess (ConverterPath) for every
// sensor, passing the sensor as an argument.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/scidatahub/ingestpipe/pkg/events"
	"github.com/scidatahub/ingestpipe/pkg/log"
	"github.com/scidatahub/ingestpipe/pkg/metrics"
	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/store"
	"github.com/scidatahub/ingestpipe/pkg/types"
)

// Config holds the Scheduler's tunables.
type Config struct {
	PollInterval  time.Duration
	ConvertedDir  string
	ConverterPath string
	MaxRetryCount int
	RunTimeout    time.Duration
}

// Scheduler is the Conversion Scheduler.
type Scheduler struct {
	store    store.Store
	broker   *events.Broker
	cfg      Config
	workerID string
	logger   zerolog.Logger

	stopCh chan struct{}
}

// NewScheduler creates a new Conversion Scheduler.
func NewScheduler(s store.Store, broker *events.Broker, cfg Config) *Scheduler {
	return &Scheduler{
		store:    s,
		broker:   broker,
		cfg:      cfg,
		workerID: uuid.New().String(),
		logger:   log.WithComponent("conversion-scheduler"),
		stopCh:   make(chan struct{}),
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

	s.logger.Info().Str("worker_id", s.workerID).Msg("conversion scheduler started")

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			s.logger.Info().Msg("conversion scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) tick() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConversionSchedulingLatency)

	ds, err := s.store.FindOneByStatus(types.StatusConversionQueued)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error().Err(err).Msg("failed to look up conversion_queued datasets")
		}
		return
	}
	if ds == nil {
		return
	}

	logger := log.WithDatasetID(ds.UUID)

	claim := types.ClaimInfo{WorkerID: s.workerID, ClaimedAt: time.Now().UTC()}
	err = s.store.ConditionalUpdate(ds.UUID, types.StatusConversionQueued, types.StatusConverting, store.Mutation{Claim: &claim})
	if err != nil {
		if errors.Is(err, store.ErrStale) {
			metrics.UploadClaimsLost.Inc()
			return
		}
		logger.Error().Err(err).Msg("failed to claim dataset for conversion")
		return
	}
	metrics.ConversionsClaimed.Inc()
	s.broker.Publish(&events.Event{Type: events.EventConversionStarted, DatasetUUID: ds.UUID})

	s.convert(ds, logger)
}

func (s *Scheduler) convert(ds *types.Dataset, logger zerolog.Logger) {
	if _, err := os.Stat(ds.DestinationPath); err != nil {
		// Input directory disappeared out-of-band; go straight
		// to conversion_failed, no retries.
		message := fmt.Sprintf("conversion input no longer exists: %v", err)
		s.terminal(ds, logger, message, ds.RetryCount)
		return
	}

	outputPath := filepath.Join(s.cfg.ConvertedDir, ds.UUID)
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		s.fail(ds, logger, pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to create conversion output directory"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := s.runConverter(ctx, ds, outputPath)
	timer.ObserveDurationVec(metrics.ConversionDuration, string(ds.Sensor))

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = pipelineerr.Wrap(pipelineerr.KindTransient, err, "conversion exceeded phase budget")
		}
		s.fail(ds, logger, err)
		return
	}

	s.succeed(ds, logger, outputPath)
}

// runConverter invokes the conversion contract: a child
// process with arguments (input_path, output_path, sensor). Exit code 0
// is success; any non-zero exit is failure with captured stderr as
// error_message. CommandContext makes the process killable on
// cancellation/timeout via standard process signals.
func (s *Scheduler) runConverter(ctx context.Context, ds *types.Dataset, outputPath string) error {
	cmd := exec.CommandContext(ctx, s.cfg.ConverterPath, ds.DestinationPath, outputPath, string(ds.Sensor))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return pipelineerr.New(pipelineerr.KindInternal, stderr.String())
		}
		return pipelineerr.Wrap(pipelineerr.KindTransient, err, "failed to run converter")
	}
	return nil
}

func (s *Scheduler) succeed(ds *types.Dataset, logger zerolog.Logger, outputPath string) {
	done := types.StatusDone
	completedAt := true
	err := s.store.ConditionalUpdate(ds.UUID, types.StatusConverting, done, store.Mutation{
		CompletedAt:     &completedAt,
		DestinationPath: &outputPath,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record successful conversion")
		return
	}

	metrics.ConversionsSucceeded.WithLabelValues(string(ds.Sensor)).Inc()
	s.broker.Publish(&events.Event{Type: events.EventDatasetCompleted, DatasetUUID: ds.UUID})
	logger.Info().Msg("conversion completed")
}

func (s *Scheduler) fail(ds *types.Dataset, logger zerolog.Logger, cause error) {
	message := cause.Error()

	retryCount := ds.RetryCount + 1
	if retryCount >= s.cfg.MaxRetryCount {
		s.terminal(ds, logger, message, retryCount)
		metrics.ConversionsFailed.WithLabelValues(string(pipelineerr.Classify(cause))).Inc()
		return
	}

	queued := types.StatusConversionQueued
	cleared := types.ClaimInfo{}
	err := s.store.ConditionalUpdate(ds.UUID, types.StatusConverting, queued, store.Mutation{
		RetryCount:   &retryCount,
		ErrorMessage: &message,
		Claim:        &cleared,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to release claim after transient conversion failure")
		return
	}
	s.broker.Publish(&events.Event{Type: events.EventConversionFailed, DatasetUUID: ds.UUID, Message: message})
	logger.Warn().Err(cause).Int("retry_count", retryCount).Msg("conversion failed, will retry")
}

func (s *Scheduler) terminal(ds *types.Dataset, logger zerolog.Logger, message string, retryCount int) {
	failed := types.StatusConversionFailed
	err := s.store.ConditionalUpdate(ds.UUID, types.StatusConverting, failed, store.Mutation{
		ErrorMessage: &message,
		RetryCount:   &retryCount,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record terminal conversion failure")
		return
	}
	s.broker.Publish(&events.Event{Type: events.EventConversionFailed, DatasetUUID: ds.UUID, Message: message})
	logger.Error().Str("error_message", message).Msg("conversion failed permanently")
}
