// Package executor implements the Transfer Executors: one
// implementation per source_type, dispatched by the Upload Scheduler.
package executor

import (
	"context"
	"fmt"

	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/types"
)

// ProgressCallback is invoked periodically by an Executor with bytes
// transferred so far and the known total (0 if not yet known).
// Implementations SHOULD call at least every few seconds or every
// percent of progress. Returning a non-nil error (e.g. because the
// callback observed the dataset record has moved to cancelled) tells
// the executor to abort the transfer promptly.
type ProgressCallback func(bytesSoFar, bytesTotal int64) error

// Executor is the Transfer Executor contract: stream a dataset's source into
// destination_path. destination_path may denote a file (single-file
// transfer) or a directory (folder transfers). On error, Execute must
// clean up any temporary intermediate files but must never delete a
// partially-written destination_path, so a retry can resume where the
// executor supports resuming.
type Executor interface {
	Execute(ctx context.Context, d *types.Dataset, destinationPath string, progress ProgressCallback) error
}

// Dispatcher selects an Executor by SourceType.
type Dispatcher struct {
	executors map[types.SourceType]Executor
}

// NewDispatcher builds a Dispatcher over the given source-type ->
// executor mapping.
func NewDispatcher(executors map[types.SourceType]Executor) *Dispatcher {
	return &Dispatcher{executors: executors}
}

// For returns the Executor registered for sourceType, or an error if
// none is registered — the Upload Scheduler maps this to
// uploading_failed with a descriptive message.
func (d *Dispatcher) For(sourceType types.SourceType) (Executor, error) {
	ex, ok := d.executors[sourceType]
	if !ok {
		return nil, pipelineerr.New(pipelineerr.KindValidation, fmt.Sprintf("no executor registered for source type %q", sourceType))
	}
	return ex, nil
}
