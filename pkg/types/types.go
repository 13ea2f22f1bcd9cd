// Package types defines the core data model of the dataset ingestion and
// conversion pipeline: the Dataset record, its status state machine, the
// per-source-type descriptor variants, and the transient chunked-upload
// session state.
package types

import (
	"time"
)

// Sensor is the dataset's file-format / instrument classification. The
// Conversion Scheduler passes it to the converter as an argument; the
// same converter binary runs for every sensor.
type Sensor string

const (
	SensorIDX     Sensor = "IDX"
	SensorTIFF    Sensor = "TIFF"
	SensorTIFFRGB Sensor = "TIFF_RGB"
	SensorNetCDF  Sensor = "NETCDF"
	SensorHDF5    Sensor = "HDF5"
	SensorNexus4D Sensor = "NEXUS_4D"
	SensorRGB     Sensor = "RGB"
	SensorMAPIR   Sensor = "MAPIR"
	SensorOther   Sensor = "OTHER"
)

// SourceType selects which Transfer Executor runs for a dataset.
type SourceType string

const (
	SourceLocal       SourceType = "LOCAL"
	SourceGoogleDrive SourceType = "GOOGLE_DRIVE"
	SourceS3          SourceType = "S3"
	SourceURL         SourceType = "URL"
)

// Status is the dataset's position in the pipeline. The status field IS
// the job queue: schedulers discover work by polling for specific values
// and claim it with an atomic conditional transition. See statemachine.go
// in package store for the legal-transition graph.
type Status string

const (
	StatusSubmitted        Status = "submitted"
	StatusUploading        Status = "uploading"
	StatusUploadingFailed  Status = "uploading_failed"
	StatusConversionQueued Status = "conversion_queued"
	StatusConverting       Status = "converting"
	StatusConversionFailed Status = "conversion_failed"
	StatusDone             Status = "done"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether status is one of the pipeline's terminal
// states. uploading_failed and conversion_failed are terminal but
// re-enterable via the Retry operation.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusUploadingFailed, StatusConversionFailed:
		return true
	default:
		return false
	}
}

// SourceDescriptor is the opaque, source-specific bag carried on a
// Dataset. Exactly one group of fields is populated, selected by the
// owning Dataset's SourceType. It is a plain struct rather than an
// interface so that it round-trips through JSON untouched by the store.
type SourceDescriptor struct {
	// LOCAL
	LocalPath string `json:"local_path,omitempty"`

	// GOOGLE_DRIVE
	DriveFileID string `json:"drive_file_id,omitempty"`
	DriveIsFile bool   `json:"drive_is_file,omitempty"` // false => folder id

	// S3
	S3Bucket          string `json:"s3_bucket,omitempty"`
	S3Key             string `json:"s3_key,omitempty"`
	S3Region          string `json:"s3_region,omitempty"`
	S3AccessKeyID     string `json:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `json:"s3_secret_access_key,omitempty"`

	// URL
	URL string `json:"url,omitempty"`
}

// ClaimInfo is the claim stamp written atomically with a transition from
// a queued status into its in-flight counterpart. It exists so that a
// Reaper can tell a live claim from a stale one without a separate lock
// table: status is the lock, ClaimInfo is who's holding it and since when.
type ClaimInfo struct {
	WorkerID  string    `json:"worker_id,omitempty"`
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
}

// Dataset is the central entity of the pipeline: the durable record of a
// user-submitted dataset's identity, source, progress, and lifecycle
// status. The Dataset Store is the sole owner of writes to it.
type Dataset struct {
	UUID    string `json:"uuid"`
	Slug    string `json:"slug"`
	ShortID string `json:"short_id"`

	Name       string `json:"name"`
	OwnerEmail string `json:"owner_email"`

	Sensor           Sensor           `json:"sensor"`
	SourceType       SourceType       `json:"source_type"`
	SourceDescriptor SourceDescriptor `json:"source_descriptor"`
	DestinationPath  string           `json:"destination_path"`

	ConvertRequested bool   `json:"convert_requested"`
	Status           Status `json:"status"`

	BytesTotal    int64 `json:"bytes_total"`
	BytesUploaded int64 `json:"bytes_uploaded"`

	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`

	Claim ClaimInfo `json:"claim"`
	JobID string    `json:"job_id,omitempty"`

	Tags           []string `json:"tags,omitempty"`
	Folder         string   `json:"folder,omitempty"`
	Team           string   `json:"team,omitempty"`
	IsPublic       bool     `json:"is_public,omitempty"`
	IsDownloadable bool     `json:"is_downloadable,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress returns bytes-uploaded as a percentage of bytes-total, or 0
// when the total is not yet known.
func (d *Dataset) Progress() float64 {
	if d.BytesTotal <= 0 {
		return 0
	}
	pct := float64(d.BytesUploaded) / float64(d.BytesTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ChunkedSession is the transient, in-process state of a multi-chunk
// upload in progress. It is owned exclusively by the chunked package
// until handoff, and is never persisted to the Dataset Store: a process
// restart loses in-flight sessions, an accepted tradeoff since clients
// re-initiate.
type ChunkedSession struct {
	SessionID   string `json:"session_id"`
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"total_size"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`

	WholeHash string `json:"whole_hash"`

	ReceivedChunks map[int]string `json:"-"` // chunk index -> observed hash
	ScratchDir     string         `json:"-"`

	// Settings applied to the dataset record created on completion.
	DatasetName      string   `json:"dataset_name"`
	OwnerEmail       string   `json:"owner_email"`
	Sensor           Sensor   `json:"sensor"`
	ConvertRequested bool     `json:"convert_requested"`
	IsPublic         bool     `json:"is_public"`
	Folder           string   `json:"folder,omitempty"`
	Team             string   `json:"team,omitempty"`
	Tags             []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Credential is the decrypted, usable credential bundle the credential
// decoder hands back to a Transfer Executor. It is never persisted; it
// lives only for the duration of one executor run.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	// Scopes is nil when the original grant did not record scopes; in
	// that case the refresh must not set an explicit scope.
	Scopes []string
}

// Expired reports whether the access token's known expiry has passed.
func (c *Credential) Expired() bool {
	return !c.Expiry.IsZero() && time.Now().After(c.Expiry)
}
