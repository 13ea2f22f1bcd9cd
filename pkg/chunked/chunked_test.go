package chunked

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/scidatahub/ingestpipe/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, maxFileSize int64, ttl time.Duration) (*Manager, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mgr, err := NewManager(filepath.Join(t.TempDir(), "scratch"), maxFileSize, ttl, s)
	require.NoError(t, err)
	return mgr, s
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestInitiateRejectsOversizeUpload(t *testing.T) {
	mgr, _ := newTestManager(t, 100, time.Hour)
	_, err := mgr.Initiate("big.dat", 1000, 10, "whatever", Settings{})
	require.Error(t, err)
}

func TestFullSessionLifecycleCreatesDataset(t *testing.T) {
	mgr, s := newTestManager(t, 1<<20, time.Hour)

	chunk0 := []byte("hello ")
	chunk1 := []byte("world!")
	whole := append(append([]byte{}, chunk0...), chunk1...)

	session, err := mgr.Initiate("greeting.txt", int64(len(whole)), int64(len(chunk0)), hashOf(whole), Settings{
		DatasetName: "greeting",
		OwnerEmail:  "owner@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, session.TotalChunks)

	require.NoError(t, mgr.ReceiveChunk(session.SessionID, 0, chunk0, hashOf(chunk0)))
	require.NoError(t, mgr.ReceiveChunk(session.SessionID, 1, chunk1, hashOf(chunk1)))

	received, total, progress, err := mgr.Status(session.SessionID)
	require.NoError(t, err)
	assert.Len(t, received, 2)
	assert.Equal(t, 2, total)
	assert.Equal(t, float64(100), progress)

	datasetUUID, jobID, err := mgr.Complete(session.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, datasetUUID)
	assert.NotEmpty(t, jobID)

	ds, err := s.Get(datasetUUID)
	require.NoError(t, err)
	assert.Equal(t, "greeting", ds.Name)
	assert.Equal(t, jobID, ds.JobID)

	// Session is gone after completion.
	_, _, _, err = mgr.Status(session.SessionID)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestReceiveChunkRejectsHashMismatch(t *testing.T) {
	mgr, _ := newTestManager(t, 1<<20, time.Hour)
	session, err := mgr.Initiate("f.dat", 10, 10, hashOf(make([]byte, 10)), Settings{})
	require.NoError(t, err)

	err = mgr.ReceiveChunk(session.SessionID, 0, make([]byte, 10), "wrong-hash")
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestReceiveChunkRejectsSizeMismatch(t *testing.T) {
	mgr, _ := newTestManager(t, 1<<20, time.Hour)
	session, err := mgr.Initiate("f.dat", 10, 10, hashOf(make([]byte, 10)), Settings{})
	require.NoError(t, err)

	data := make([]byte, 5)
	err = mgr.ReceiveChunk(session.SessionID, 0, data, hashOf(data))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestReceiveChunkUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(t, 1<<20, time.Hour)
	err := mgr.ReceiveChunk("no-such-session", 0, []byte("x"), hashOf([]byte("x")))
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestCompleteReportsMissingChunks(t *testing.T) {
	mgr, _ := newTestManager(t, 1<<20, time.Hour)
	session, err := mgr.Initiate("f.dat", 20, 10, "irrelevant", Settings{})
	require.NoError(t, err)

	data := make([]byte, 10)
	require.NoError(t, mgr.ReceiveChunk(session.SessionID, 0, data, hashOf(data)))

	_, _, err = mgr.Complete(session.SessionID)
	var missing *MissingChunksError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []int{1}, missing.Indices)
}

func TestCompleteRejectsWholeHashMismatch(t *testing.T) {
	mgr, _ := newTestManager(t, 1<<20, time.Hour)
	chunk := []byte("0123456789")
	session, err := mgr.Initiate("f.dat", int64(len(chunk)), int64(len(chunk)), "not-the-real-hash", Settings{})
	require.NoError(t, err)

	require.NoError(t, mgr.ReceiveChunk(session.SessionID, 0, chunk, hashOf(chunk)))

	_, _, err = mgr.Complete(session.SessionID)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestCancelRemovesSession(t *testing.T) {
	mgr, _ := newTestManager(t, 1<<20, time.Hour)
	session, err := mgr.Initiate("f.dat", 10, 10, "x", Settings{})
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(session.SessionID))
	_, _, _, err = mgr.Status(session.SessionID)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestReapExpiredRemovesOnlyPastTTLSessions(t *testing.T) {
	mgr, _ := newTestManager(t, 1<<20, time.Hour)
	expired, err := mgr.Initiate("f.dat", 10, 10, "x", Settings{})
	require.NoError(t, err)
	live, err := mgr.Initiate("g.dat", 10, 10, "y", Settings{})
	require.NoError(t, err)
	expired.ExpiresAt = time.Now().Add(-time.Second)

	n := mgr.ReapExpired()
	assert.Equal(t, 1, n)

	_, _, _, err = mgr.Status(live.SessionID)
	assert.NoError(t, err)
	_, _, _, err = mgr.Status(expired.SessionID)
	assert.ErrorIs(t, err, ErrUnknownSession)
}
