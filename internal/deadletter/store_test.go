package deadletter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
	"github.com/coursecal/syllabus-ingest/internal/repository"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestStore(t *testing.T, cfg common.DLQConfig) (*Store, string) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(ctx, common.DatabaseConfig{
		Driver: repository.DialectSQLite,
		DSN:    filepath.Join(t.TempDir(), "dlq.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))

	spoolDir := t.TempDir()
	return NewStore(cfg, repository.NewDeadLetterStore(db), spoolDir, logger), spoolDir
}

func spoolJob(t *testing.T, spoolDir string, payload []byte) *entity.IngestJob {
	t.Helper()
	id := uuid.New()
	path := filepath.Join(spoolDir, id.String())
	require.NoError(t, os.WriteFile(path, payload, 0o600))
	return &entity.IngestJob{
		ID:           id,
		OwnerID:      uuid.New(),
		State:        constants.JobStateAIProcessing,
		Filename:     "syllabus.pdf",
		DeclaredMIME: "application/pdf",
		SpoolPath:    path,
		FileSize:     int64(len(payload)),
	}
}

func TestRecordEncryptsSmallPayloadInline(t *testing.T) {
	cfg := common.DLQConfig{
		EncryptionKey:    testKey,
		MaxInlinePayload: 1 << 20,
		Retention:        time.Hour,
		MaxRetries:       3,
	}
	store, spoolDir := newTestStore(t, cfg)
	payload := []byte("%PDF-1.4 tiny syllabus %%EOF")
	job := spoolJob(t, spoolDir, payload)

	cause := common.Fatal("AI_BROKEN", "something unexpected", errors.New("boom"))
	entry, err := store.Record(context.Background(), job, string(job.State), cause)
	require.NoError(t, err)
	assert.Equal(t, string(common.ClassFatal), entry.ErrorClass)
	assert.Equal(t, string(constants.JobStateAIProcessing), entry.FailureStage)
	assert.NotEmpty(t, entry.PayloadCipher)
	assert.Empty(t, entry.SpoolPointer)
	assert.NotEqual(t, payload, entry.PayloadCipher)

	got, plain, err := store.OpenPayload(context.Background(), job.OwnerID, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, plain)
	assert.Equal(t, entry.ID, got.ID)
}

func TestRecordLargePayloadKeepsPointerOnly(t *testing.T) {
	cfg := common.DLQConfig{
		EncryptionKey:    testKey,
		MaxInlinePayload: 4,
		Retention:        time.Hour,
		MaxRetries:       3,
	}
	store, spoolDir := newTestStore(t, cfg)
	job := spoolJob(t, spoolDir, []byte("larger than the inline ceiling"))

	entry, err := store.Record(context.Background(), job, "EXTRACTING", errors.New("disk on fire"))
	require.NoError(t, err)
	assert.Empty(t, entry.PayloadCipher)
	assert.Equal(t, job.SpoolPath, entry.SpoolPointer)

	// While the spool file exists the payload is still reachable.
	_, plain, err := store.OpenPayload(context.Background(), job.OwnerID, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("larger than the inline ceiling"), plain)

	// Once it is gone, retry requires re-upload.
	require.NoError(t, os.Remove(job.SpoolPath))
	_, _, err = store.OpenPayload(context.Background(), job.OwnerID, entry.ID)
	require.Error(t, err)
	assert.Equal(t, "DLQ_PAYLOAD_GONE", common.ErrorCode(err))
}

func TestMarkRetriedEnforcesCeiling(t *testing.T) {
	cfg := common.DLQConfig{
		EncryptionKey:    testKey,
		MaxInlinePayload: 1 << 20,
		Retention:        time.Hour,
		MaxRetries:       2,
	}
	store, spoolDir := newTestStore(t, cfg)
	job := spoolJob(t, spoolDir, []byte("payload"))

	entry, err := store.Record(context.Background(), job, "AI_PROCESSING", errors.New("x"))
	require.NoError(t, err)

	require.NoError(t, store.MarkRetried(context.Background(), entry.ID))
	require.NoError(t, store.MarkRetried(context.Background(), entry.ID))

	err = store.MarkRetried(context.Background(), entry.ID)
	require.Error(t, err)
	assert.Equal(t, "DLQ_RETRIES_EXHAUSTED", common.ErrorCode(err))
	assert.Equal(t, common.ClassRejection, common.Classify(err))
}

func TestSweepExpiredRemovesEntriesAndSpooledPayloads(t *testing.T) {
	cfg := common.DLQConfig{
		EncryptionKey:    testKey,
		MaxInlinePayload: 4, // force pointer retention
		Retention:        -time.Minute,
		MaxRetries:       3,
	}
	store, spoolDir := newTestStore(t, cfg)
	job := spoolJob(t, spoolDir, []byte("expired payload"))

	entry, err := store.Record(context.Background(), job, "EXTRACTING", errors.New("x"))
	require.NoError(t, err)

	n, err := store.SweepExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(job.SpoolPath)
	assert.True(t, os.IsNotExist(err))

	_, _, err = store.OpenPayload(context.Background(), job.OwnerID, entry.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestOpenPayloadIsOwnerScoped(t *testing.T) {
	cfg := common.DLQConfig{
		EncryptionKey:    testKey,
		MaxInlinePayload: 1 << 20,
		Retention:        time.Hour,
		MaxRetries:       3,
	}
	store, spoolDir := newTestStore(t, cfg)
	job := spoolJob(t, spoolDir, []byte("secret"))

	entry, err := store.Record(context.Background(), job, "VALIDATING", errors.New("x"))
	require.NoError(t, err)

	_, _, err = store.OpenPayload(context.Background(), uuid.New(), entry.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
