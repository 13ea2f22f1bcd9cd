package executor

import (
	"context"

	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/types"
)

// URLExecutor handles SourceURL. Unlike the other executors it does not
// download any bytes: it records the URL on the dataset and treats the
// transfer as instantly complete (re-running the pipeline for a URL
// dataset must never download bytes).
type URLExecutor struct{}

// NewURLExecutor creates a URLExecutor.
func NewURLExecutor() *URLExecutor {
	return &URLExecutor{}
}

// Execute validates that a URL was supplied and reports completion
// immediately with bytes_total == bytes_so_far == 0, since no transfer
// occurs.
func (e *URLExecutor) Execute(ctx context.Context, d *types.Dataset, destinationPath string, progress ProgressCallback) error {
	if d.SourceDescriptor.URL == "" {
		return pipelineerr.New(pipelineerr.KindValidation, "url source is empty")
	}
	if progress != nil {
		return progress(0, 0)
	}
	return nil
}
