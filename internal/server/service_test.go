package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josefeneto/fiscalia/internal/analyst"
	"github.com/josefeneto/fiscalia/internal/config"
	"github.com/josefeneto/fiscalia/internal/database"
	"github.com/josefeneto/fiscalia/internal/ingestion"
	"github.com/josefeneto/fiscalia/internal/logger"
	"github.com/josefeneto/fiscalia/internal/models"
)

type fakePipeline struct {
	summary *ingestion.ProcessSummary
	err     error

	started chan struct{}
	release chan struct{}
}

func (f *fakePipeline) Execute(ctx context.Context) (*ingestion.ProcessSummary, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	return f.summary, f.err
}

type testEnv struct {
	router   *gin.Engine
	store    database.Store
	db       *sql.DB
	pipeline *fakePipeline
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, dialect, err := database.Connect("", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, dialect))

	store := database.NewSQLStore(db, dialect)
	cfg := &config.Config{
		InboxDir:      t.TempDir(),
		MaxFileSizeMB: 1,
		LLMProvider:   config.ProviderNone,
	}
	log := logger.NewNop()

	pipeline := &fakePipeline{summary: &ingestion.ProcessSummary{Scanned: 3, Succeeded: 2, Failed: 1}}
	an := analyst.New(store, nil, log)
	svc := NewService(store, db, pipeline, an, cfg, log)

	return &testEnv{router: SetupRoutes(svc), store: store, db: db, pipeline: pipeline, cfg: cfg}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(raw)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seedDocument(t *testing.T, accessKey, docType string) int64 {
	t.Helper()
	id, err := e.store.InsertDocument(context.Background(), &models.Document{
		Timestamp:   time.Now().UTC(),
		FilePath:    "arquivos/entrados/nota.xml",
		FileHash:    "hash-" + accessKey,
		DocType:     docType,
		AccessKey:   accessKey,
		Number:      "123",
		IssueDate:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		IssuerCNPJ:  "11222333000181",
		IssuerName:  "Comercial Alfa Ltda",
		IssuerUF:    "SP",
		TotalAmount: 50.0,
	})
	require.NoError(t, err)
	return id
}

const testAccessKey = "35240111222333000181550010000001231000001239"

func TestHealth(t *testing.T) {
	t.Run("Success case - database reachable", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.request(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"ok"`)
	})

	t.Run("Error case - database down", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.db.Close())

		w := env.request(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "degraded")
	})
}

func TestUpload(t *testing.T) {
	multipartBody := func(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
		t.Helper()
		body := new(bytes.Buffer)
		writer := multipart.NewWriter(body)
		for name, content := range files {
			part, err := writer.CreateFormFile("files", name)
			require.NoError(t, err)
			_, err = part.Write([]byte(content))
			require.NoError(t, err)
		}
		require.NoError(t, writer.Close())
		return body, writer.FormDataContentType()
	}

	upload := func(t *testing.T, env *testEnv, files map[string]string) *httptest.ResponseRecorder {
		t.Helper()
		body, contentType := multipartBody(t, files)
		req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w
	}

	t.Run("Success case - xml lands in the inbox", func(t *testing.T) {
		env := newTestEnv(t)
		w := upload(t, env, map[string]string{"nota.xml": "<NFe/>"})

		assert.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Saved []string `json:"saved"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Saved, 1)
		assert.True(t, strings.HasSuffix(resp.Saved[0], "_nota.xml"))
		assert.FileExists(t, filepath.Join(env.cfg.InboxDir, resp.Saved[0]))
	})

	t.Run("Error case - non-xml file rejected", func(t *testing.T) {
		env := newTestEnv(t)
		w := upload(t, env, map[string]string{"nota.pdf": "%PDF"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "only .xml files are accepted")
	})

	t.Run("Error case - empty form", func(t *testing.T) {
		env := newTestEnv(t)
		w := upload(t, env, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestProcess(t *testing.T) {
	t.Run("Success case - returns the pass summary", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.request(t, http.MethodPost, "/api/process", nil)

		assert.Equal(t, http.StatusOK, w.Code)

		var summary ingestion.ProcessSummary
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
		assert.Equal(t, 3, summary.Scanned)
		assert.Equal(t, 2, summary.Succeeded)
		assert.Equal(t, 1, summary.Failed)
	})

	t.Run("Error case - concurrent pass refused", func(t *testing.T) {
		env := newTestEnv(t)
		env.pipeline.started = make(chan struct{})
		env.pipeline.release = make(chan struct{})

		firstDone := make(chan *httptest.ResponseRecorder)
		go func() {
			firstDone <- env.request(t, http.MethodPost, "/api/process", nil)
		}()
		<-env.pipeline.started

		second := env.request(t, http.MethodPost, "/api/process", nil)
		assert.Equal(t, http.StatusConflict, second.Code)

		close(env.pipeline.release)
		assert.Equal(t, http.StatusOK, (<-firstDone).Code)
	})

	t.Run("Error case - pipeline failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.pipeline.summary = nil
		env.pipeline.err = assert.AnError

		w := env.request(t, http.MethodPost, "/api/process", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestListDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.seedDocument(t, testAccessKey, models.DocTypeNFe)
	env.seedDocument(t, "35240111222333000181570010000004561000004567", models.DocTypeCTe)

	t.Run("Success case - all documents", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/documents", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":2`)
	})

	t.Run("Success case - filter by doc type", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/documents?doc_type=CTe", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)
	})

	t.Run("Error case - bad limit", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/documents?limit=abc", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Error case - bad date filter", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/documents?from=15-01-2024", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "YYYY-MM-DD")
	})

	t.Run("Error case - bad erp_processed flag", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/documents?erp_processed=talvez", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetDocument(t *testing.T) {
	env := newTestEnv(t)
	env.seedDocument(t, testAccessKey, models.DocTypeNFe)

	t.Run("Success case - document found", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/documents/1", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), testAccessKey)
	})

	t.Run("Error case - not found", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/documents/9999", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Error case - invalid id", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/documents/abc", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMarkERP(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedDocument(t, testAccessKey, models.DocTypeNFe)

	t.Run("Success case - document flagged", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/documents/1/erp",
			gin.H{"user": "maria", "notes": "lançado"})
		assert.Equal(t, http.StatusOK, w.Code)

		doc, err := env.store.GetDocument(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, doc.ERPProcessed)
		assert.Equal(t, "maria", doc.ERPUser)
	})

	t.Run("Error case - missing user", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/documents/1/erp", gin.H{"notes": "sem usuário"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Error case - not found", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/documents/9999/erp", gin.H{"user": "maria"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestListResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.InsertResult(ctx, &models.ProcessingResult{FilePath: "a.xml", Outcome: models.ResultSuccess})
	require.NoError(t, err)
	_, err = env.store.InsertResult(ctx, &models.ProcessingResult{FilePath: "b.xml", Outcome: models.ResultFailure, Cause: "XML inválido"})
	require.NoError(t, err)

	t.Run("Success case - all results", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/results", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":2`)
	})

	t.Run("Success case - filter by outcome", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/results?outcome=Insucesso", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)
		assert.Contains(t, w.Body.String(), "XML inválido")
	})
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.seedDocument(t, testAccessKey, models.DocTypeNFe)
	_, err := env.store.InsertResult(context.Background(),
		&models.ProcessingResult{FilePath: "a.xml", Outcome: models.ResultSuccess})
	require.NoError(t, err)

	t.Run("Success case - document stats", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/stats/documents", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"total_documents":1`)
	})

	t.Run("Success case - processing stats", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/stats/processing", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"success_rate":100`)
	})
}

func TestQuery(t *testing.T) {
	env := newTestEnv(t)
	env.seedDocument(t, testAccessKey, models.DocTypeNFe)

	t.Run("Success case - aggregate question answered without llm", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/query", gin.H{"question": "Quantos documentos existem?"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"source":"aggregate"`)
	})

	t.Run("Error case - free-text question with llm disabled", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/query", gin.H{"question": "Qual o maior emitente?"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("Error case - missing question", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/query", gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
