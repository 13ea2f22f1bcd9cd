// Package chunked implements the Chunked-Upload Session Manager:
// breaks terabyte-scale uploads into fixed-size chunks with per-chunk
// integrity checks, assembling the final file on completion and handing
// off a new dataset record to the Upload Scheduler.
package chunked

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/scidatahub/ingestpipe/pkg/log"
	"github.com/scidatahub/ingestpipe/pkg/metrics"
	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/store"
	"github.com/scidatahub/ingestpipe/pkg/types"
)

// ErrUnknownSession is returned by every operation given a session_id
// that does not exist (never created, already completed, or expired).
var ErrUnknownSession = fmt.Errorf("chunked: unknown session")

// ErrHashMismatch is returned by ReceiveChunk when the recomputed chunk
// hash doesn't match the caller-supplied one, and by Complete when the
// assembled file's hash doesn't match the declared whole_hash.
var ErrHashMismatch = fmt.Errorf("chunked: hash mismatch")

// ErrSizeMismatch is returned by ReceiveChunk when a chunk's byte length
// doesn't match the expected chunk size (or remainder, for the last chunk).
var ErrSizeMismatch = fmt.Errorf("chunked: size mismatch")

// MissingChunksError is returned by Complete when not every chunk index
// has been received.
type MissingChunksError struct {
	Indices []int
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("chunked: missing chunks %v", e.Indices)
}

// Settings are the dataset fields that will apply to the final dataset
// record created on Complete.
type Settings struct {
	DatasetName      string
	OwnerEmail       string
	Sensor           types.Sensor
	ConvertRequested bool
	IsPublic         bool
	Folder           string
	Team             string
	Tags             []string
}

// Manager owns every in-process chunked-upload session. Sessions are
// never persisted: a process restart loses in-flight sessions, an
// accepted tradeoff since clients re-initiate.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*types.ChunkedSession
	scratchDir  string
	maxFileSize int64
	sessionTTL  time.Duration
	store       store.Store
	logger      zerolog.Logger
}

// NewManager creates a Manager rooted at scratchDir (created if absent),
// rejecting initiations over maxFileSize and reaping sessions idle past
// sessionTTL (default 7 days).
func NewManager(scratchDir string, maxFileSize int64, sessionTTL time.Duration, s store.Store) (*Manager, error) {
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("chunked: failed to create scratch dir: %w", err)
	}
	return &Manager{
		sessions:    make(map[string]*types.ChunkedSession),
		scratchDir:  scratchDir,
		maxFileSize: maxFileSize,
		sessionTTL:  sessionTTL,
		store:       s,
		logger:      log.WithComponent("chunked"),
	}, nil
}

// Initiate allocates a new session and its scratch directory. Rejects
// totalSize > max_file_size.
func (m *Manager) Initiate(filename string, totalSize, chunkSize int64, wholeHash string, settings Settings) (*types.ChunkedSession, error) {
	if totalSize > m.maxFileSize {
		return nil, pipelineerr.New(pipelineerr.KindValidation, fmt.Sprintf("total size %d exceeds max file size %d", totalSize, m.maxFileSize))
	}
	if totalSize <= 0 {
		return nil, pipelineerr.New(pipelineerr.KindValidation, "total size must be positive")
	}
	if chunkSize <= 0 {
		return nil, pipelineerr.New(pipelineerr.KindValidation, "chunk size must be positive")
	}

	totalChunks := int((totalSize + chunkSize - 1) / chunkSize)
	sessionID := uuid.New().String()
	now := time.Now().UTC()

	scratch := filepath.Join(m.scratchDir, sessionID)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("chunked: failed to create session scratch dir: %w", err)
	}

	session := &types.ChunkedSession{
		SessionID:        sessionID,
		Filename:         filename,
		TotalSize:        totalSize,
		ChunkSize:        chunkSize,
		TotalChunks:      totalChunks,
		WholeHash:        wholeHash,
		ReceivedChunks:   make(map[int]string),
		ScratchDir:       scratch,
		DatasetName:      settings.DatasetName,
		OwnerEmail:       settings.OwnerEmail,
		Sensor:           settings.Sensor,
		ConvertRequested: settings.ConvertRequested,
		IsPublic:         settings.IsPublic,
		Folder:           settings.Folder,
		Team:             settings.Team,
		Tags:             settings.Tags,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.sessionTTL),
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	metrics.ChunkedSessionsActive.Inc()
	return session, nil
}

// expectedChunkSize returns the expected byte length of chunk index,
// accounting for the final, possibly-short chunk.
func expectedChunkSize(session *types.ChunkedSession, index int) int64 {
	if index == session.TotalChunks-1 {
		remainder := session.TotalSize % session.ChunkSize
		if remainder == 0 {
			return session.ChunkSize
		}
		return remainder
	}
	return session.ChunkSize
}

// ReceiveChunk validates and persists one chunk to the session's scratch
// directory.
func (m *Manager) ReceiveChunk(sessionID string, index int, data []byte, chunkHash string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	if index < 0 || index >= session.TotalChunks {
		return ErrUnknownSession
	}

	if int64(len(data)) != expectedChunkSize(session, index) {
		return ErrSizeMismatch
	}

	sum := sha256.Sum256(data)
	computed := hex.EncodeToString(sum[:])
	if computed != chunkHash {
		metrics.ChunkHashMismatchesTotal.Inc()
		return ErrHashMismatch
	}

	chunkPath := filepath.Join(session.ScratchDir, fmt.Sprintf("chunk-%06d", index))
	if err := os.WriteFile(chunkPath, data, 0644); err != nil {
		return fmt.Errorf("chunked: failed to write chunk: %w", err)
	}

	m.mu.Lock()
	session.ReceivedChunks[index] = computed
	m.mu.Unlock()

	metrics.ChunksReceivedTotal.Inc()
	return nil
}

// Status returns the set of received chunk indices, the total chunk
// count, and progress as a percentage.
func (m *Manager) Status(sessionID string) (received []int, totalChunks int, progress float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, 0, 0, ErrUnknownSession
	}

	for idx := range session.ReceivedChunks {
		received = append(received, idx)
	}
	totalChunks = session.TotalChunks
	if totalChunks > 0 {
		progress = float64(len(session.ReceivedChunks)) / float64(totalChunks) * 100
	}
	return received, totalChunks, progress, nil
}

// Complete verifies every chunk was received, concatenates them in
// order, checks the assembled file's hash against whole_hash, and
// creates the dataset record (status uploading) so the Upload Scheduler
// can take over.
func (m *Manager) Complete(sessionID string) (string, string, error) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", "", ErrUnknownSession
	}

	var missing []int
	for i := 0; i < session.TotalChunks; i++ {
		if _, ok := session.ReceivedChunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return "", "", &MissingChunksError{Indices: missing}
	}

	assembledPath := filepath.Join(session.ScratchDir, "assembled-"+sanitizeFilename(session.Filename))
	if err := assembleChunks(session, assembledPath); err != nil {
		return "", "", err
	}

	actualHash, err := fileHash(assembledPath)
	if err != nil {
		os.Remove(assembledPath)
		return "", "", err
	}
	if actualHash != session.WholeHash {
		os.Remove(assembledPath)
		return "", "", ErrHashMismatch
	}

	now := time.Now().UTC()
	jobID := uuid.New().String()
	ds := &types.Dataset{
		UUID:       uuid.New().String(),
		ShortID:    jobID[:8],
		Name:       session.DatasetName,
		OwnerEmail: session.OwnerEmail,
		Sensor:     session.Sensor,
		SourceType: types.SourceLocal,
		SourceDescriptor: types.SourceDescriptor{
			LocalPath: assembledPath,
		},
		ConvertRequested: session.ConvertRequested,
		Status:           types.StatusUploading,
		BytesTotal:       session.TotalSize,
		JobID:            jobID,
		Tags:             session.Tags,
		Folder:           session.Folder,
		Team:             session.Team,
		IsPublic:         session.IsPublic,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := m.store.Create(ds); err != nil {
		os.Remove(assembledPath)
		return "", "", fmt.Errorf("chunked: failed to create dataset record: %w", err)
	}

	m.cleanupChunks(session)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	metrics.ChunkedSessionsActive.Dec()

	return ds.UUID, jobID, nil
}

// Cancel deletes a session's scratch data without creating a dataset.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	metrics.ChunkedSessionsActive.Dec()
	return os.RemoveAll(session.ScratchDir)
}

// ReapExpired deletes scratch data for any session past its ExpiresAt,
// the session-level analogue of the Reaper for chunked uploads (default
// expiry 7 days).
func (m *Manager) ReapExpired() int {
	now := time.Now()
	var expired []*types.ChunkedSession

	m.mu.Lock()
	for id, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			expired = append(expired, session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, session := range expired {
		_ = os.RemoveAll(session.ScratchDir)
		metrics.ChunkedSessionsActive.Dec()
		m.logger.Info().Str("session_id", session.SessionID).Msg("reaped expired chunked session")
	}
	return len(expired)
}

func (m *Manager) cleanupChunks(session *types.ChunkedSession) {
	for i := 0; i < session.TotalChunks; i++ {
		chunkPath := filepath.Join(session.ScratchDir, fmt.Sprintf("chunk-%06d", i))
		_ = os.Remove(chunkPath)
	}
}

func assembleChunks(session *types.ChunkedSession, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("chunked: failed to create assembled file: %w", err)
	}
	defer out.Close()

	for i := 0; i < session.TotalChunks; i++ {
		chunkPath := filepath.Join(session.ScratchDir, fmt.Sprintf("chunk-%06d", i))
		in, err := os.Open(chunkPath)
		if err != nil {
			return fmt.Errorf("chunked: failed to open chunk %d: %w", i, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("chunked: failed to assemble chunk %d: %w", i, err)
		}
	}
	return nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("chunked: failed to open assembled file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("chunked: failed to hash assembled file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sanitizeFilename(name string) string {
	if name == "" {
		return "upload.bin"
	}
	return filepath.Base(name)
}
