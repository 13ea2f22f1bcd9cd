// Package store implements the Dataset Store: the sole durable,
// atomic source of truth for dataset records. It also carries the status
// state machine transition table, since the store's ConditionalUpdate
// is the one place transitions are actually enforced.
//
// There is no separate job-queue table. A dataset's Status field IS the
// queue: schedulers discover work with FindOneByStatus/ScanByStatus and
// claim it with ConditionalUpdate, the sole claim primitive.
package store

import (
	"errors"
	"iter"

	"github.com/scidatahub/ingestpipe/pkg/types"
)

// Sentinel errors returned by Store methods. Callers use errors.Is.
var (
	// ErrNotFound is returned when an identifier does not resolve to any
	// dataset record.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned by Create on a unique-key conflict
	// (uuid, slug, or short_id already taken).
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrStale is returned by ConditionalUpdate when the record's current
	// status no longer matches the expected status: another worker won
	// the claim race, or the record moved on (e.g. to cancelled).
	ErrStale = errors.New("store: stale — expected status no longer current")

	// ErrUnavailable is returned when the underlying store could not be
	// reached after internal retries. Callers (schedulers) treat this as
	// "try again next tick", never as a terminal failure for the dataset.
	ErrUnavailable = errors.New("store: unavailable")
)

// Mutation is a partial update applied by Update. Only non-nil fields are
// written; UpdatedAt is always stamped by the store regardless of what
// the caller supplies.
type Mutation struct {
	Status          *types.Status
	BytesTotal      *int64
	BytesUploaded   *int64
	ErrorMessage    *string
	RetryCount      *int
	Claim           *types.ClaimInfo
	JobID           *string
	DestinationPath *string
	CompletedAt     *bool // true => stamp now, false => clear
	SourceDescriptor *types.SourceDescriptor
}

// Store provides durable, atomic persistence of dataset records with
// query by status and by any of the three secondary keys (uuid, slug,
// short_id). Implementations MUST retry transient connectivity errors
// internally with bounded backoff before surfacing ErrUnavailable.
type Store interface {
	// Create inserts a brand new dataset record. Returns ErrAlreadyExists
	// if uuid, slug, or short_id collides with an existing record.
	Create(d *types.Dataset) error

	// Get resolves identifier against uuid, slug, then short_id, in that
	// order, returning the first match. Returns ErrNotFound if none hit.
	Get(identifier string) (*types.Dataset, error)

	// GetByJobID resolves a dataset by its current job_id correlation
	// token, used by the external status-lookup API.
	GetByJobID(jobID string) (*types.Dataset, error)

	// Update performs an unconditional partial write. It always stamps
	// UpdatedAt. Returns ErrNotFound if uuid does not exist.
	Update(uuid string, m Mutation) error

	// ConditionalUpdate is the sole claim/release primitive: it succeeds
	// only if the record's current status equals expected, atomically
	// writing newStatus plus the fields in extra. Returns ErrStale
	// otherwise. This is how a queued status (uploading,
	// conversion_queued) is claimed into its in-flight counterpart
	// (converting) — or released back on transient failure.
	ConditionalUpdate(uuid string, expected, newStatus types.Status, extra Mutation) error

	// FindOneByStatus returns one candidate dataset currently in status,
	// preferring the oldest UpdatedAt for liveness, or nil if none exist.
	// It applies no age filter; the Reaper uses ScanByStatus for that.
	FindOneByStatus(status types.Status) (*types.Dataset, error)

	// ScanByStatus iterates every dataset currently in status whose
	// UpdatedAt is older than olderThanSeconds ago. Used by the Reaper to
	// sweep stale claims.
	ScanByStatus(status types.Status, olderThanSeconds int64) iter.Seq[*types.Dataset]

	// CountByStatus returns the number of datasets in each status, for
	// metrics collection.
	CountByStatus() (map[types.Status]int, error)

	// Close releases underlying resources (file handles, connections).
	Close() error
}
