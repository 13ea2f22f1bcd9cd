// Package reaper implements the Staleness Reaper: a periodic sweep
// that reclaims datasets whose claim has gone stale because the worker
// holding it died mid-run, without ever deleting a record.
package reaper

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/scidatahub/ingestpipe/pkg/events"
	"github.com/scidatahub/ingestpipe/pkg/log"
	"github.com/scidatahub/ingestpipe/pkg/metrics"
	"github.com/scidatahub/ingestpipe/pkg/store"
	"github.com/scidatahub/ingestpipe/pkg/types"
)

// Config holds the Reaper's tunables.
type Config struct {
	// Interval is how often a sweep runs.
	Interval time.Duration
	// UploadStaleAfter is how long an uploading record may go without a
	// progress write before its claim is considered dead.
	UploadStaleAfter time.Duration
	// ConversionStaleAfter is the converting equivalent.
	ConversionStaleAfter time.Duration
}

// Reaper ensures a crashed worker's claim is eventually
// released so another worker can pick the dataset back up.
type Reaper struct {
	store  store.Store
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// NewReaper creates a new Reaper.
func NewReaper(s store.Store, broker *events.Broker, cfg Config) *Reaper {
	return &Reaper{
		store:  s,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("reaper"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the reaper.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reaper started")

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			r.logger.Info().Msg("reaper stopped")
			return
		}
	}
}

func (r *Reaper) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapUploads()
	r.reapConversions()

	metrics.ReaperSweepsTotal.Inc()
}

// reapUploads clears stale uploading claims (the status stays uploading,
// so the Upload Scheduler picks the dataset up again), or marks the dataset uploading_failed if its staging input has
// disappeared out from under it.
func (r *Reaper) reapUploads() {
	cutoff := int64(r.cfg.UploadStaleAfter.Seconds())
	for ds := range r.store.ScanByStatus(types.StatusUploading, cutoff) {
		logger := log.WithDatasetID(ds.UUID)

		if ds.SourceType == types.SourceLocal && ds.SourceDescriptor.LocalPath != "" {
			if _, err := os.Stat(ds.SourceDescriptor.LocalPath); err != nil {
				r.failUpload(ds, logger, fmt.Sprintf("upload source disappeared while claim was stale: %v", err))
				continue
			}
		}

		r.releaseUpload(ds, logger)
	}
}

func (r *Reaper) releaseUpload(ds *types.Dataset, logger zerolog.Logger) {
	cleared := types.ClaimInfo{}
	err := r.store.ConditionalUpdate(ds.UUID, types.StatusUploading, types.StatusUploading, store.Mutation{Claim: &cleared})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to release stale upload claim")
		return
	}
	metrics.ReaperResetsTotal.WithLabelValues("requeued").Inc()
	logger.Warn().Str("worker_id", ds.Claim.WorkerID).Msg("released stale upload claim")
}

func (r *Reaper) failUpload(ds *types.Dataset, logger zerolog.Logger, message string) {
	failed := types.StatusUploadingFailed
	err := r.store.ConditionalUpdate(ds.UUID, types.StatusUploading, failed, store.Mutation{ErrorMessage: &message})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to mark dataset upload failed after stale claim")
		return
	}
	metrics.ReaperResetsTotal.WithLabelValues("failed").Inc()
	r.broker.Publish(&events.Event{Type: events.EventUploadFailed, DatasetUUID: ds.UUID, Message: message})
	logger.Error().Str("error_message", message).Msg("upload failed permanently after stale claim")
}

// reapConversions resets stale converting claims back to
// conversion_queued, or marks conversion_failed if the input directory
// produced by the upload phase has disappeared.
func (r *Reaper) reapConversions() {
	cutoff := int64(r.cfg.ConversionStaleAfter.Seconds())
	for ds := range r.store.ScanByStatus(types.StatusConverting, cutoff) {
		logger := log.WithDatasetID(ds.UUID)

		if ds.DestinationPath != "" {
			if _, err := os.Stat(ds.DestinationPath); err != nil {
				r.failConversion(ds, logger, fmt.Sprintf("conversion input disappeared while claim was stale: %v", err))
				continue
			}
		}

		r.releaseConversion(ds, logger)
	}
}

func (r *Reaper) releaseConversion(ds *types.Dataset, logger zerolog.Logger) {
	queued := types.StatusConversionQueued
	cleared := types.ClaimInfo{}
	err := r.store.ConditionalUpdate(ds.UUID, types.StatusConverting, queued, store.Mutation{Claim: &cleared})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to release stale conversion claim")
		return
	}
	metrics.ReaperResetsTotal.WithLabelValues("requeued").Inc()
	logger.Warn().Str("worker_id", ds.Claim.WorkerID).Msg("released stale conversion claim")
}

func (r *Reaper) failConversion(ds *types.Dataset, logger zerolog.Logger, message string) {
	failed := types.StatusConversionFailed
	err := r.store.ConditionalUpdate(ds.UUID, types.StatusConverting, failed, store.Mutation{ErrorMessage: &message})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to mark dataset conversion failed after stale claim")
		return
	}
	metrics.ReaperResetsTotal.WithLabelValues("failed").Inc()
	r.broker.Publish(&events.Event{Type: events.EventConversionFailed, DatasetUUID: ds.UUID, Message: message})
	logger.Error().Str("error_message", message).Msg("conversion failed permanently after stale claim")
}
