package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecutorExecuteCopiesSingleFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.dat")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0644))

	dst := filepath.Join(dir, "out", "destination.dat")
	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{LocalPath: src}}

	var lastSoFar int64
	e := NewLocalExecutor("")
	err := e.Execute(context.Background(), ds, dst, func(soFar, total int64) error {
		lastSoFar = soFar
		return nil
	})
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.EqualValues(t, len("hello world"), lastSoFar)
}

func TestLocalExecutorExecuteEmptySourcePathIsValidationError(t *testing.T) {
	e := NewLocalExecutor("")
	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{}}
	err := e.Execute(context.Background(), ds, "/tmp/out", nil)
	require.Error(t, err)
	assert.Equal(t, pipelineerr.KindValidation, pipelineerr.Classify(err))
}

func TestLocalExecutorExecuteMissingSourceIsSourceNotFound(t *testing.T) {
	e := NewLocalExecutor("")
	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{LocalPath: "/does/not/exist"}}
	err := e.Execute(context.Background(), ds, filepath.Join(t.TempDir(), "out.dat"), nil)
	require.Error(t, err)
	assert.Equal(t, pipelineerr.KindSourceNotFound, pipelineerr.Classify(err))
}

func TestLocalExecutorExecuteCopiesDirectory(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "nested", "b.txt"), []byte("bb"), 0644))

	dstDir := filepath.Join(dir, "dst")
	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{LocalPath: srcDir}}

	e := NewLocalExecutor("")
	require.NoError(t, e.Execute(context.Background(), ds, dstDir, nil))

	a, err := os.ReadFile(filepath.Join(dstDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(a))

	b, err := os.ReadFile(filepath.Join(dstDir, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bb", string(b))
}

func TestLocalExecutorExecuteCancelledContextAborts(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.dat")
	require.NoError(t, os.WriteFile(src, make([]byte, 5<<20), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{LocalPath: src}}
	e := NewLocalExecutor("")
	err := e.Execute(ctx, ds, filepath.Join(dir, "out.dat"), nil)
	require.Error(t, err)
	assert.Equal(t, pipelineerr.KindCancelled, pipelineerr.Classify(err))
}

func TestLocalExecutorExecuteRemovesSourceUnderScratchRoot(t *testing.T) {
	dir := t.TempDir()
	scratchRoot := filepath.Join(dir, "chunked")
	src := filepath.Join(scratchRoot, "session-1", "assembled-dataset.dat")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0755))
	require.NoError(t, os.WriteFile(src, []byte("staged bytes"), 0644))

	dst := filepath.Join(dir, "out", "destination.dat")
	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{LocalPath: src}}

	e := NewLocalExecutor(scratchRoot)
	require.NoError(t, e.Execute(context.Background(), ds, dst, nil))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "staged bytes", string(got))

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source under scratch root should be removed after transfer")
}

func TestLocalExecutorExecuteLeavesSourceOutsideScratchRootUntouched(t *testing.T) {
	dir := t.TempDir()
	scratchRoot := filepath.Join(dir, "chunked")
	src := filepath.Join(dir, "permanent", "dataset.dat")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0755))
	require.NoError(t, os.WriteFile(src, []byte("user owned"), 0644))

	dst := filepath.Join(dir, "out", "destination.dat")
	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{LocalPath: src}}

	e := NewLocalExecutor(scratchRoot)
	require.NoError(t, e.Execute(context.Background(), ds, dst, nil))

	_, err := os.Stat(src)
	assert.NoError(t, err, "source outside scratch root must not be removed")
}

func TestLocalExecutorExecuteFallsBackWhenToolsUnavailable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	dir := t.TempDir()
	src := filepath.Join(dir, "source.dat")
	require.NoError(t, os.WriteFile(src, []byte("no tools here"), 0644))

	dst := filepath.Join(dir, "out", "destination.dat")
	ds := &types.Dataset{SourceDescriptor: types.SourceDescriptor{LocalPath: src}}

	e := NewLocalExecutor("")
	require.NoError(t, e.Execute(context.Background(), ds, dst, nil))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "no tools here", string(got))
}
