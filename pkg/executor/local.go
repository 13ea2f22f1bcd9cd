package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/types"
)

// LocalExecutor handles SourceLocal: copying a filesystem path (or, for
// datasets completed via the chunked-upload path, an already-assembled
// scratch file) into the staging destination.
type LocalExecutor struct {
	// scratchRoot is the chunked-upload scratch directory. A source path
	// rooted under it is a temp file we staged ourselves and is removed
	// after a verified transfer; anything outside it is a user-owned
	// permanent path and is left alone.
	scratchRoot string
}

// NewLocalExecutor creates a LocalExecutor. scratchRoot is the
// chunked-upload manager's scratch directory.
func NewLocalExecutor(scratchRoot string) *LocalExecutor {
	return &LocalExecutor{scratchRoot: scratchRoot}
}

// Execute transfers d.SourceDescriptor.LocalPath to destinationPath,
// preferring rclone then rsync when either is on PATH and falling back
// to a pure-Go copy-and-verify path otherwise, then removing the source
// scratch file on success when it lives under the chunked-upload
// scratch directory.
func (e *LocalExecutor) Execute(ctx context.Context, d *types.Dataset, destinationPath string, progress ProgressCallback) error {
	src := d.SourceDescriptor.LocalPath
	if src == "" {
		return pipelineerr.New(pipelineerr.KindValidation, "local source path is empty")
	}

	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return pipelineerr.Wrap(pipelineerr.KindSourceNotFound, err, "local source does not exist")
		}
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to stat local source")
	}

	if err := os.MkdirAll(filepath.Dir(destinationPath), 0755); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to create destination directory")
	}

	if e.transferWithTool(ctx, src, destinationPath, info) {
		e.cleanupSource(src)
		return nil
	}

	if info.IsDir() {
		if err := e.copyDir(ctx, src, destinationPath, progress); err != nil {
			return err
		}
	} else if err := e.copyFile(ctx, src, destinationPath, info.Size(), progress); err != nil {
		return err
	}

	e.cleanupSource(src)
	return nil
}

// transferWithTool tries rclone, then rsync, returning true if either
// completed the transfer. Neither tool is required: most hosts running
// this service have neither installed, in which case the Go copy path
// below is what actually runs. rclone/rsync do their own content
// verification, so a successful run skips the Go checksum step.
func (e *LocalExecutor) transferWithTool(ctx context.Context, src, dst string, info os.FileInfo) bool {
	if rclone, err := exec.LookPath("rclone"); err == nil {
		sub := "copy"
		if !info.IsDir() {
			sub = "copyto"
		}
		if exec.CommandContext(ctx, rclone, sub, src, dst).Run() == nil {
			return true
		}
	}
	if rsync, err := exec.LookPath("rsync"); err == nil {
		args := []string{"-a"}
		if info.IsDir() {
			args = append(args, strings.TrimRight(src, string(os.PathSeparator))+string(os.PathSeparator), dst)
		} else {
			args = append(args, src, dst)
		}
		if exec.CommandContext(ctx, rsync, args...).Run() == nil {
			return true
		}
	}
	return false
}

// cleanupSource removes src after a successful transfer, but only when
// it lives under the chunked-upload scratch directory: a user-supplied
// permanent path is never touched.
func (e *LocalExecutor) cleanupSource(src string) {
	if e.scratchRoot == "" {
		return
	}
	rel, err := filepath.Rel(e.scratchRoot, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return
	}
	_ = os.RemoveAll(src)
}

func (e *LocalExecutor) copyFile(ctx context.Context, src, dst string, total int64, progress ProgressCallback) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to create destination directory")
	}

	in, err := os.Open(src)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindSourceNotFound, err, "failed to open local source")
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to create destination file")
	}

	srcHash := sha256.New()
	written, err := copyWithProgress(ctx, io.MultiWriter(out, srcHash), in, total, progress)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to finalize destination file")
	}

	if err := verifyChecksum(tmp, srcHash.Sum(nil)); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to finalize copy")
	}

	_ = written
	return nil
}

func (e *LocalExecutor) copyDir(ctx context.Context, src, dst string, progress ProgressCallback) error {
	var total int64
	_ = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})

	var done int64
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		select {
		case <-ctx.Done():
			return pipelineerr.New(pipelineerr.KindCancelled, "transfer cancelled")
		default:
		}

		if err := e.copyFile(ctx, path, target, info.Size(), func(soFar, _ int64) error {
			if progress != nil {
				return progress(done+soFar, total)
			}
			return nil
		}); err != nil {
			return err
		}
		done += info.Size()
		return nil
	})
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress ProgressCallback) (int64, error) {
	buf := make([]byte, 1<<20)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, pipelineerr.New(pipelineerr.KindCancelled, "transfer cancelled")
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, pipelineerr.Wrap(pipelineerr.KindInternal, err, "write failed")
			}
			written += int64(n)
			if progress != nil {
				if err := progress(written, total); err != nil {
					return written, err
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, pipelineerr.Wrap(pipelineerr.KindTransient, readErr, "read failed")
		}
	}
}

func verifyChecksum(path string, expected []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to reopen copy for verification")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to verify copy")
	}
	if hex.EncodeToString(h.Sum(nil)) != hex.EncodeToString(expected) {
		return pipelineerr.New(pipelineerr.KindTransient, fmt.Sprintf("copy verification failed for %s", path))
	}
	return nil
}
