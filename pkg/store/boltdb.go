package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/scidatahub/ingestpipe/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDatasets   = []byte("datasets")
	bucketSlugIndex  = []byte("idx_slug")
	bucketShortIndex = []byte("idx_short_id")
	bucketJobIndex   = []byte("idx_job_id")
	bucketStatusIdx  = []byte("idx_status")
)

// BoltStore implements Store on top of a single BoltDB file. BoltDB's
// single-writer-transaction model is what makes ConditionalUpdate atomic:
// the expected-status check and the write happen inside one
// read-modify-write transaction, so two concurrent claimers can never
// both observe the pre-claim status and both win.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed dataset store
// under dataDir/datasets.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "datasets.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDatasets, bucketSlugIndex, bucketShortIndex, bucketJobIndex, bucketStatusIdx} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying BoltDB file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func statusIndexKey(status types.Status, updatedAt time.Time, uuid string) []byte {
	key := make([]byte, 0, len(status)+1+8+len(uuid))
	key = append(key, status...)
	key = append(key, 0)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(updatedAt.UnixNano()))
	key = append(key, ts[:]...)
	key = append(key, uuid...)
	return key
}

func statusIndexPrefix(status types.Status) []byte {
	prefix := make([]byte, 0, len(status)+1)
	prefix = append(prefix, status...)
	prefix = append(prefix, 0)
	return prefix
}

// Create inserts a brand new dataset record, rejecting on any unique-key
// collision.
func (s *BoltStore) Create(d *types.Dataset) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		if datasets.Get([]byte(d.UUID)) != nil {
			return ErrAlreadyExists
		}
		slugIdx := tx.Bucket(bucketSlugIndex)
		if d.Slug != "" && slugIdx.Get([]byte(d.Slug)) != nil {
			return ErrAlreadyExists
		}
		shortIdx := tx.Bucket(bucketShortIndex)
		if d.ShortID != "" && shortIdx.Get([]byte(d.ShortID)) != nil {
			return ErrAlreadyExists
		}

		now := time.Now().UTC()
		d.CreatedAt = now
		d.UpdatedAt = now

		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal dataset: %w", err)
		}
		if err := datasets.Put([]byte(d.UUID), data); err != nil {
			return err
		}
		if d.Slug != "" {
			if err := slugIdx.Put([]byte(d.Slug), []byte(d.UUID)); err != nil {
				return err
			}
		}
		if d.ShortID != "" {
			if err := shortIdx.Put([]byte(d.ShortID), []byte(d.UUID)); err != nil {
				return err
			}
		}
		if d.JobID != "" {
			if err := tx.Bucket(bucketJobIndex).Put([]byte(d.JobID), []byte(d.UUID)); err != nil {
				return err
			}
		}
		statusIdx := tx.Bucket(bucketStatusIdx)
		return statusIdx.Put(statusIndexKey(d.Status, now, d.UUID), []byte(d.UUID))
	})
}

func (s *BoltStore) getByUUID(tx *bolt.Tx, uuid string) (*types.Dataset, error) {
	data := tx.Bucket(bucketDatasets).Get([]byte(uuid))
	if data == nil {
		return nil, ErrNotFound
	}
	var d types.Dataset
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset %s: %w", uuid, err)
	}
	return &d, nil
}

// Get resolves identifier against uuid, slug, then short_id in turn.
func (s *BoltStore) Get(identifier string) (*types.Dataset, error) {
	var result *types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		if d, err := s.getByUUID(tx, identifier); err == nil {
			result = d
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if uuid := tx.Bucket(bucketSlugIndex).Get([]byte(identifier)); uuid != nil {
			d, err := s.getByUUID(tx, string(uuid))
			if err != nil {
				return err
			}
			result = d
			return nil
		}

		if uuid := tx.Bucket(bucketShortIndex).Get([]byte(identifier)); uuid != nil {
			d, err := s.getByUUID(tx, string(uuid))
			if err != nil {
				return err
			}
			result = d
			return nil
		}

		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetByJobID resolves a dataset by its current job_id.
func (s *BoltStore) GetByJobID(jobID string) (*types.Dataset, error) {
	var result *types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		uuid := tx.Bucket(bucketJobIndex).Get([]byte(jobID))
		if uuid == nil {
			return ErrNotFound
		}
		d, err := s.getByUUID(tx, string(uuid))
		if err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyMutation writes the non-nil fields of m onto d, always stamping
// UpdatedAt (and CompletedAt per request) regardless of what the caller
// supplied — see invariant that updated_at is set on every status write.
func applyMutation(d *types.Dataset, m Mutation, now time.Time) {
	if m.Status != nil {
		d.Status = *m.Status
	}
	if m.BytesTotal != nil {
		d.BytesTotal = *m.BytesTotal
	}
	if m.BytesUploaded != nil {
		d.BytesUploaded = *m.BytesUploaded
	}
	if m.ErrorMessage != nil {
		d.ErrorMessage = *m.ErrorMessage
	}
	if m.RetryCount != nil {
		d.RetryCount = *m.RetryCount
	}
	if m.Claim != nil {
		d.Claim = *m.Claim
	}
	if m.JobID != nil {
		d.JobID = *m.JobID
	}
	if m.DestinationPath != nil {
		d.DestinationPath = *m.DestinationPath
	}
	if m.SourceDescriptor != nil {
		d.SourceDescriptor = *m.SourceDescriptor
	}
	if m.CompletedAt != nil {
		if *m.CompletedAt {
			t := now
			d.CompletedAt = &t
		} else {
			d.CompletedAt = nil
		}
	}
	d.UpdatedAt = now
}

func (s *BoltStore) reindexAndWrite(tx *bolt.Tx, before, after *types.Dataset) error {
	datasets := tx.Bucket(bucketDatasets)
	data, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}
	if err := datasets.Put([]byte(after.UUID), data); err != nil {
		return err
	}

	statusIdx := tx.Bucket(bucketStatusIdx)
	if before.Status != after.Status || !before.UpdatedAt.Equal(after.UpdatedAt) {
		if err := statusIdx.Delete(statusIndexKey(before.Status, before.UpdatedAt, before.UUID)); err != nil {
			return err
		}
		if err := statusIdx.Put(statusIndexKey(after.Status, after.UpdatedAt, after.UUID), []byte(after.UUID)); err != nil {
			return err
		}
	}

	if before.JobID != after.JobID {
		jobIdx := tx.Bucket(bucketJobIndex)
		if before.JobID != "" {
			if err := jobIdx.Delete([]byte(before.JobID)); err != nil {
				return err
			}
		}
		if after.JobID != "" {
			if err := jobIdx.Put([]byte(after.JobID), []byte(after.UUID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Update performs an unconditional partial write, validating that any
// status change is a legal edge in the status graph.
func (s *BoltStore) Update(uuid string, m Mutation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		before, err := s.getByUUID(tx, uuid)
		if err != nil {
			return err
		}
		after := *before
		now := time.Now().UTC()
		applyMutation(&after, m, now)

		if m.Status != nil && *m.Status != before.Status {
			if err := ValidateTransition(before.Status, *m.Status); err != nil {
				return err
			}
		}
		return s.reindexAndWrite(tx, before, &after)
	})
}

// ConditionalUpdate is the sole claim/release primitive. It is the only
// place two concurrent workers racing for the same dataset are resolved:
// whichever transaction commits first observes expected and wins; the
// other re-reads the now-different status and gets ErrStale.
func (s *BoltStore) ConditionalUpdate(uuid string, expected, newStatus types.Status, extra Mutation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		before, err := s.getByUUID(tx, uuid)
		if err != nil {
			return err
		}
		if before.Status != expected {
			return ErrStale
		}
		if err := ValidateTransition(before.Status, newStatus); err != nil {
			return err
		}

		after := *before
		now := time.Now().UTC()
		status := newStatus
		extra.Status = &status
		applyMutation(&after, extra, now)

		return s.reindexAndWrite(tx, before, &after)
	})
}

// FindOneByStatus returns the oldest-updated dataset currently in status,
// or nil if none exist. The status index is ordered by (status,
// updated_at, uuid), so the first key under the status prefix is the
// oldest — this is what gives schedulers liveness (no record starves
// forever behind newer arrivals).
func (s *BoltStore) FindOneByStatus(status types.Status) (*types.Dataset, error) {
	var result *types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStatusIdx).Cursor()
		prefix := statusIndexPrefix(status)
		k, v := c.Seek(prefix)
		if k == nil || !hasPrefix(k, prefix) {
			return nil
		}
		d, err := s.getByUUID(tx, string(v))
		if err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ScanByStatus iterates every dataset in status whose UpdatedAt predates
// now - olderThanSeconds.
func (s *BoltStore) ScanByStatus(status types.Status, olderThanSeconds int64) iter.Seq[*types.Dataset] {
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	return func(yield func(*types.Dataset) bool) {
		_ = s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketStatusIdx).Cursor()
			prefix := statusIndexPrefix(status)
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				d, err := s.getByUUID(tx, string(v))
				if err != nil {
					continue
				}
				if d.UpdatedAt.After(cutoff) {
					continue
				}
				if !yield(d) {
					return nil
				}
			}
			return nil
		})
	}
}

// CountByStatus returns the number of datasets currently in each status.
func (s *BoltStore) CountByStatus() (map[types.Status]int, error) {
	counts := make(map[types.Status]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatasets).ForEach(func(k, v []byte) error {
			var d types.Dataset
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			counts[d.Status]++
			return nil
		})
	})
	return counts, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
