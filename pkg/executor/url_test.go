package executor

import (
	"context"
	"testing"

	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLExecutorExecuteCompletesWithoutDownloading(t *testing.T) {
	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{URL: "https://example.com/dataset.tar.gz"}}

	var calledWith [2]int64
	called := false
	e := NewURLExecutor()
	err := e.Execute(context.Background(), ds, "/tmp/unused", func(soFar, total int64) error {
		called = true
		calledWith = [2]int64{soFar, total}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, [2]int64{0, 0}, calledWith)
}

func TestURLExecutorExecuteEmptyURLIsValidationError(t *testing.T) {
	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{}}
	e := NewURLExecutor()
	err := e.Execute(context.Background(), ds, "/tmp/unused", nil)
	require.Error(t, err)
	assert.Equal(t, pipelineerr.KindValidation, pipelineerr.Classify(err))
}

func TestURLExecutorExecuteNilProgressCallbackIsFine(t *testing.T) {
	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{URL: "https://example.com/d"}}
	e := NewURLExecutor()
	assert.NoError(t, e.Execute(context.Background(), ds, "/tmp/unused", nil))
}
