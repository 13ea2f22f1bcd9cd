package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/scidatahub/ingestpipe/pkg/credential"
	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/types"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// nativeExportMIME maps Google-native document MIME types to the binary
// format the Drive executor exports them as.
var nativeExportMIME = map[string]string{
	"application/vnd.google-apps.document":     "application/pdf",
	"application/vnd.google-apps.spreadsheet":  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.google-apps.presentation": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// DriveExecutor handles SourceGoogleDrive: recursive folder mirroring
// with credentials obtained from the credential decoder on the dataset
// owner's behalf.
type DriveExecutor struct {
	decoder *credential.Decoder
}

// NewDriveExecutor creates a DriveExecutor that resolves credentials
// through decoder.
func NewDriveExecutor(decoder *credential.Decoder) *DriveExecutor {
	return &DriveExecutor{decoder: decoder}
}

// Execute mirrors the file or folder identified by
// d.SourceDescriptor.DriveFileID under destinationPath.
func (e *DriveExecutor) Execute(ctx context.Context, d *types.Dataset, destinationPath string, progress ProgressCallback) error {
	desc := d.SourceDescriptor
	if desc.DriveFileID == "" {
		return pipelineerr.New(pipelineerr.KindValidation, "google drive source requires a file or folder id")
	}

	cred, err := e.decoder.Get(d.OwnerEmail)
	if err != nil {
		return err // already classified by the decoder (CredentialExpired etc.)
	}

	svc, err := e.newService(ctx, cred)
	if err != nil {
		if isInvalidGrant(err) {
			_ = e.decoder.MarkInvalid(d.OwnerEmail, err.Error())
			return pipelineerr.Wrap(pipelineerr.KindCredentialExpired, err, "oauth refresh rejected by google")
		}
		return pipelineerr.Wrap(pipelineerr.KindTransient, err, "failed to build drive client")
	}

	var total, done int64
	wrapped := func(n int64) error {
		done += n
		if progress != nil {
			return progress(done, total)
		}
		return nil
	}

	if desc.DriveIsFile {
		return e.downloadFile(ctx, svc, desc.DriveFileID, destinationPath, wrapped, &total)
	}
	return e.mirrorFolder(ctx, svc, desc.DriveFileID, destinationPath, wrapped, &total)
}

// tokenEndpoint mirrors google.Endpoint so a refresh (triggered
// internally by oauth2.ReuseTokenSource when AccessToken has expired)
// hits the standard Google token endpoint with no explicit scope: the
// refresh token already encodes the original grant's scopes.
var tokenEndpoint = google.Endpoint

func (e *DriveExecutor) newService(ctx context.Context, cred *types.Credential) (*drive.Service, error) {
	cfg := &oauth2.Config{Endpoint: tokenEndpoint}
	tokenSource := cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	})
	return drive.NewService(ctx, option.WithTokenSource(tokenSource))
}

func (e *DriveExecutor) mirrorFolder(ctx context.Context, svc *drive.Service, folderID, destDir string, progress func(int64) error, total *int64) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to create destination directory")
	}

	pageToken := ""
	for {
		call := svc.Files.List().
			Context(ctx).
			Q(fmt.Sprintf("'%s' in parents and trashed = false", folderID)).
			Fields("nextPageToken, files(id, name, mimeType, shortcutDetails, size)").
			IncludeItemsFromAllDrives(true).
			SupportsAllDrives(true).
			PageSize(200)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return classifyDriveError(err, "failed to list drive folder")
		}

		for _, f := range resp.Files {
			fileID := f.Id
			mimeType := f.MimeType
			if f.ShortcutDetails != nil {
				fileID = f.ShortcutDetails.TargetId
				mimeType = f.ShortcutDetails.TargetMimeType
			}

			childPath := filepath.Join(destDir, sanitizeName(f.Name))
			if mimeType == "application/vnd.google-apps.folder" {
				if err := e.mirrorFolder(ctx, svc, fileID, childPath, progress, total); err != nil {
					return err
				}
				continue
			}

			if err := e.downloadFile(ctx, svc, fileID, childPath, progress, total); err != nil {
				return err
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return nil
}

func (e *DriveExecutor) downloadFile(ctx context.Context, svc *drive.Service, fileID, destPath string, progress func(int64) error, total *int64) error {
	select {
	case <-ctx.Done():
		return pipelineerr.New(pipelineerr.KindCancelled, "transfer cancelled")
	default:
	}

	meta, err := svc.Files.Get(fileID).Context(ctx).Fields("mimeType, size").SupportsAllDrives(true).Do()
	if err != nil {
		return classifyDriveError(err, "failed to get drive file metadata")
	}

	var resp *driveHTTPResponse
	if exportMIME, ok := nativeExportMIME[meta.MimeType]; ok {
		respBody, err := svc.Files.Export(fileID, exportMIME).Context(ctx).Download()
		if err != nil {
			return classifyDriveError(err, "failed to export native drive document")
		}
		resp = &driveHTTPResponse{Body: respBody.Body}
	} else {
		respBody, err := svc.Files.Get(fileID).Context(ctx).SupportsAllDrives(true).Download()
		if err != nil {
			return classifyDriveError(err, "failed to download drive file")
		}
		resp = &driveHTTPResponse{Body: respBody.Body}
		*total += meta.Size
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to create destination directory")
	}
	out, err := os.Create(destPath)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindInternal, err, "failed to create destination file")
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return pipelineerr.Wrap(pipelineerr.KindInternal, werr, "write failed")
			}
			if err := progress(int64(n)); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return pipelineerr.Wrap(pipelineerr.KindTransient, readErr, "read failed")
		}
	}
}

// driveHTTPResponse is a minimal adapter so downloadFile doesn't care
// whether the body came from Files.Get or Files.Export.
type driveHTTPResponse struct {
	Body io.ReadCloser
}

func sanitizeName(name string) string {
	return strings.ReplaceAll(name, string(filepath.Separator), "_")
}

func classifyDriveError(err error, message string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "rateLimitExceeded") || strings.Contains(msg, "userRateLimitExceeded"):
		return pipelineerr.Wrap(pipelineerr.KindTransient, err, message)
	case strings.Contains(msg, "notFound") || strings.Contains(msg, "404"):
		return pipelineerr.Wrap(pipelineerr.KindSourceNotFound, err, message)
	case strings.Contains(msg, "insufficientPermissions") || strings.Contains(msg, "403"):
		return pipelineerr.Wrap(pipelineerr.KindPermissionDenied, err, message)
	default:
		return pipelineerr.Wrap(pipelineerr.KindTransient, err, message)
	}
}

func isInvalidGrant(err error) bool {
	return strings.Contains(err.Error(), "invalid_grant")
}
