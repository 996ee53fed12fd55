package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josefeneto/fiscalia/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	db, dialect, err := Connect("", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.Equal(t, DialectSQLite, dialect)
	require.NoError(t, Migrate(context.Background(), db, dialect))

	return NewSQLStore(db, dialect)
}

func testDocument(accessKey string) *models.Document {
	return &models.Document{
		Timestamp:      time.Now().UTC(),
		FilePath:       "arquivos/entrados/nota.xml",
		FileHash:       "hash-" + accessKey,
		DocType:        models.DocTypeNFe,
		Model:          "55",
		AccessKey:      accessKey,
		Number:         "123",
		Series:         "1",
		IssueDate:      time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		OperationType:  "1",
		IssuerCNPJ:     "11222333000181",
		IssuerName:     "Comercial Alfa Ltda",
		IssuerUF:       "SP",
		RecipientCNPJ:  "11444777000161",
		RecipientName:  "Distribuidora Beta SA",
		TotalAmount:    50.0,
		ProductsAmount: 50.0,
		ICMSAmount:     9.0,
		CFOP:           "5102",
	}
}

const accessKeyA = "35240111222333000181550010000001231000001239"
const accessKeyB = "35240111222333000181550010000004561000004567"

func TestSQLStore_InsertAndGetDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := testDocument(accessKeyA)
	id, err := store.InsertDocument(ctx, doc)
	assert.NoError(t, err)
	assert.Greater(t, id, int64(0))

	got, err := store.GetDocument(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, doc.AccessKey, got.AccessKey)
	assert.Equal(t, doc.DocType, got.DocType)
	assert.Equal(t, doc.IssuerName, got.IssuerName)
	assert.Equal(t, doc.TotalAmount, got.TotalAmount)
	assert.Equal(t, doc.ICMSAmount, got.ICMSAmount)
	assert.Equal(t, doc.CFOP, got.CFOP)
	assert.False(t, got.ERPProcessed)
	assert.Nil(t, got.MovementDate)
	assert.Nil(t, got.ERPProcessedAt)
}

func TestSQLStore_DuplicateAccessKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertDocument(ctx, testDocument(accessKeyA))
	assert.NoError(t, err)

	dup := testDocument(accessKeyA)
	dup.FileHash = "different-hash"
	_, err = store.InsertDocument(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateDocument)

	exists, err := store.DocumentExists(ctx, accessKeyA)
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.DocumentExists(ctx, accessKeyB)
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLStore_GetDocumentNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetDocument(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_ListDocuments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	docA := testDocument(accessKeyA)
	_, err := store.InsertDocument(ctx, docA)
	require.NoError(t, err)

	docB := testDocument(accessKeyB)
	docB.FileHash = "hash-b"
	docB.DocType = models.DocTypeCTe
	docB.IssueDate = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err = store.InsertDocument(ctx, docB)
	require.NoError(t, err)

	t.Run("no filter returns all, newest first", func(t *testing.T) {
		docs, err := store.ListDocuments(ctx, models.DocumentFilter{})
		assert.NoError(t, err)
		assert.Len(t, docs, 2)
		assert.Equal(t, accessKeyB, docs[0].AccessKey)
	})

	t.Run("filter by doc type", func(t *testing.T) {
		docs, err := store.ListDocuments(ctx, models.DocumentFilter{DocType: models.DocTypeCTe})
		assert.NoError(t, err)
		assert.Len(t, docs, 1)
		assert.Equal(t, models.DocTypeCTe, docs[0].DocType)
	})

	t.Run("filter by issue date range", func(t *testing.T) {
		from := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
		docs, err := store.ListDocuments(ctx, models.DocumentFilter{IssueDateFrom: &from})
		assert.NoError(t, err)
		assert.Len(t, docs, 1)
		assert.Equal(t, accessKeyB, docs[0].AccessKey)
	})

	t.Run("limit caps the page", func(t *testing.T) {
		docs, err := store.ListDocuments(ctx, models.DocumentFilter{Limit: 1})
		assert.NoError(t, err)
		assert.Len(t, docs, 1)
	})
}

func TestSQLStore_MarkERPProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.InsertDocument(ctx, testDocument(accessKeyA))
	require.NoError(t, err)

	assert.NoError(t, store.MarkERPProcessed(ctx, id, "maria", "lançado no ERP"))

	got, err := store.GetDocument(ctx, id)
	assert.NoError(t, err)
	assert.True(t, got.ERPProcessed)
	assert.NotNil(t, got.ERPProcessedAt)
	assert.Equal(t, "maria", got.ERPUser)
	assert.Equal(t, "lançado no ERP", got.ERPNotes)

	pending := false
	docs, err := store.ListDocuments(ctx, models.DocumentFilter{ERPProcessed: &pending})
	assert.NoError(t, err)
	assert.Empty(t, docs)

	assert.ErrorIs(t, store.MarkERPProcessed(ctx, 9999, "maria", ""), ErrNotFound)
}

func TestSQLStore_Results(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertResult(ctx, &models.ProcessingResult{
		FilePath: "a.xml", Outcome: models.ResultSuccess, FileType: "XML",
		SizeBytes: 1024, FileHash: "hash-a",
	})
	require.NoError(t, err)

	// Same file path again: the audit table is append-only, one row per attempt.
	_, err = store.InsertResult(ctx, &models.ProcessingResult{
		FilePath: "a.xml", Outcome: models.ResultFailure, Cause: "documento duplicado",
		FileType: "XML", FileHash: "hash-a",
	})
	require.NoError(t, err)

	t.Run("both attempts recorded", func(t *testing.T) {
		results, err := store.ListResults(ctx, models.ResultFilter{})
		assert.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("filter by outcome", func(t *testing.T) {
		results, err := store.ListResults(ctx, models.ResultFilter{Outcome: models.ResultFailure})
		assert.NoError(t, err)
		assert.Len(t, results, 1)
		assert.Equal(t, "documento duplicado", results[0].Cause)
	})

	t.Run("file hash marks the file as processed", func(t *testing.T) {
		processed, err := store.IsFileAlreadyProcessed(ctx, "hash-a")
		assert.NoError(t, err)
		assert.True(t, processed)

		processed, err = store.IsFileAlreadyProcessed(ctx, "unknown")
		assert.NoError(t, err)
		assert.False(t, processed)
	})
}

func TestSQLStore_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	docA := testDocument(accessKeyA)
	_, err := store.InsertDocument(ctx, docA)
	require.NoError(t, err)

	docB := testDocument(accessKeyB)
	docB.FileHash = "hash-b"
	docB.DocType = models.DocTypeCTe
	docB.IssuerUF = "RJ"
	docB.TotalAmount = 100.0
	docB.ICMSAmount = 0
	id, err := store.InsertDocument(ctx, docB)
	require.NoError(t, err)
	require.NoError(t, store.MarkERPProcessed(ctx, id, "maria", ""))

	t.Run("document stats", func(t *testing.T) {
		stats, err := store.DocumentStats(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(2), stats.TotalDocuments)
		assert.Equal(t, 150.0, stats.TotalAmount)
		assert.Equal(t, 9.0, stats.TotalICMS)
		assert.Equal(t, int64(1), stats.ByType[models.DocTypeNFe])
		assert.Equal(t, int64(1), stats.ByType[models.DocTypeCTe])
		assert.Equal(t, int64(1), stats.ByIssuerUF["SP"])
		assert.Equal(t, int64(1), stats.ByIssuerUF["RJ"])
		assert.Equal(t, int64(1), stats.ERPProcessed)
		assert.Equal(t, int64(1), stats.ERPPending)
	})

	t.Run("processing stats", func(t *testing.T) {
		_, err := store.InsertResult(ctx, &models.ProcessingResult{FilePath: "a.xml", Outcome: models.ResultSuccess})
		require.NoError(t, err)
		_, err = store.InsertResult(ctx, &models.ProcessingResult{FilePath: "b.xml", Outcome: models.ResultSuccess})
		require.NoError(t, err)
		_, err = store.InsertResult(ctx, &models.ProcessingResult{FilePath: "c.xml", Outcome: models.ResultFailure, Cause: "XML inválido"})
		require.NoError(t, err)

		stats, err := store.ProcessingStats(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), stats.TotalAttempts)
		assert.Equal(t, int64(2), stats.Successes)
		assert.Equal(t, int64(1), stats.Failures)
		assert.InDelta(t, 66.6, stats.SuccessRate, 0.1)
	})
}
