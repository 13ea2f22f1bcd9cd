package executor

import (
	"context"
	"testing"

	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, d *types.Dataset, destinationPath string, progress ProgressCallback) error {
	return nil
}

func TestDispatcherForReturnsRegisteredExecutor(t *testing.T) {
	local := stubExecutor{}
	dispatcher := NewDispatcher(map[types.SourceType]Executor{
		types.SourceLocal: local,
	})

	got, err := dispatcher.For(types.SourceLocal)
	require.NoError(t, err)
	assert.Equal(t, local, got)
}

func TestDispatcherForUnregisteredSourceTypeErrors(t *testing.T) {
	dispatcher := NewDispatcher(map[types.SourceType]Executor{})
	_, err := dispatcher.For(types.SourceS3)
	require.Error(t, err)
	assert.Equal(t, pipelineerr.KindValidation, pipelineerr.Classify(err))
}
