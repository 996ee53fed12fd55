package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/josefeneto/fiscalia/internal/analyst"
	"github.com/josefeneto/fiscalia/internal/config"
	"github.com/josefeneto/fiscalia/internal/database"
	"github.com/josefeneto/fiscalia/internal/ingestion"
	"github.com/josefeneto/fiscalia/internal/logger"
	"github.com/josefeneto/fiscalia/internal/models"
)

// Pipeline runs one ingestion pass over the inbox. Implemented by
// ingestion.IngestionService.
type Pipeline interface {
	Execute(ctx context.Context) (*ingestion.ProcessSummary, error)
}

// Service holds the HTTP handlers and their dependencies.
type Service struct {
	store    database.Store
	db       *sql.DB
	pipeline Pipeline
	analyst  *analyst.Analyst
	config   *config.Config
	log      *logger.Logger

	processing atomic.Bool
}

func NewService(store database.Store, db *sql.DB, pipeline Pipeline, an *analyst.Analyst, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		db:       db,
		pipeline: pipeline,
		analyst:  an,
		config:   cfg,
		log:      log,
	}
}

// Health reports liveness plus database reachability.
func (s *Service) Health(c *gin.Context) {
	if err := s.db.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Upload receives XML files via multipart form and drops them into the inbox.
// Files are stored under a unique name to avoid collisions between uploads.
func (s *Service) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form expected: " + err.Error()})
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files in 'files' field"})
		return
	}

	maxSize := s.config.MaxFileSizeBytes()
	saved := make([]string, 0, len(files))
	var rejected []gin.H

	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		if !strings.EqualFold(filepath.Ext(name), ".xml") {
			rejected = append(rejected, gin.H{"file": name, "error": "only .xml files are accepted"})
			continue
		}
		if fh.Size > maxSize {
			rejected = append(rejected, gin.H{"file": name, "error": "file exceeds size limit"})
			continue
		}

		// Unique prefix keeps repeated uploads of equally named files apart;
		// content-level dedup happens in the pipeline.
		dest := filepath.Join(s.config.InboxDir, uuid.NewString()[:8]+"_"+name)
		if err := c.SaveUploadedFile(fh, dest); err != nil {
			s.log.Error("failed to save upload", "file", name, "error", err)
			rejected = append(rejected, gin.H{"file": name, "error": "failed to store file"})
			continue
		}
		saved = append(saved, filepath.Base(dest))
	}

	status := http.StatusOK
	if len(saved) == 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"saved": saved, "rejected": rejected})
}

// Process triggers one synchronous pipeline pass. Concurrent passes are
// refused: the inbox scan is not safe to run twice over the same files.
func (s *Service) Process(c *gin.Context) {
	if !s.processing.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "a processing pass is already running"})
		return
	}
	defer s.processing.Store(false)

	summary, err := s.pipeline.Execute(c.Request.Context())
	if err != nil {
		s.log.Error("pipeline pass failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListDocuments returns stored documents, filterable by query parameters.
func (s *Service) ListDocuments(c *gin.Context) {
	filter := models.DocumentFilter{
		DocType:       c.Query("doc_type"),
		IssuerCNPJ:    c.Query("issuer_cnpj"),
		RecipientCNPJ: c.Query("recipient_cnpj"),
	}

	var err error
	if filter.Limit, err = intQuery(c, "limit", 0); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if filter.Offset, err = intQuery(c, "offset", 0); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if filter.IssueDateFrom, err = dateQuery(c, "from"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if filter.IssueDateTo, err = dateQuery(c, "to"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if v := c.Query("erp_processed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid erp_processed, use true or false"})
			return
		}
		filter.ERPProcessed = &b
	}

	docs, err := s.store.ListDocuments(c.Request.Context(), filter)
	if err != nil {
		s.log.Error("failed to list documents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

// GetDocument returns one document by its sequential id.
func (s *Service) GetDocument(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	doc, err := s.store.GetDocument(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		s.log.Error("failed to get document", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get document"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

type erpRequest struct {
	User  string `json:"user" binding:"required"`
	Notes string `json:"notes"`
}

// MarkERP flags a document as handed off to the ERP.
func (s *Service) MarkERP(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	var req erpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required: " + err.Error()})
		return
	}

	if err := s.store.MarkERPProcessed(c.Request.Context(), id, req.User, req.Notes); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		s.log.Error("failed to mark document", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark document"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "erp_processed": true})
}

// ListResults returns processing audit rows, newest first.
func (s *Service) ListResults(c *gin.Context) {
	filter := models.ResultFilter{Outcome: c.Query("outcome")}

	var err error
	if filter.Limit, err = intQuery(c, "limit", 0); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if filter.From, err = dateQuery(c, "from"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if filter.To, err = dateQuery(c, "to"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.store.ListResults(c.Request.Context(), filter)
	if err != nil {
		s.log.Error("failed to list results", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list results"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// DocumentStats returns the dashboard aggregates over docs_para_erp.
func (s *Service) DocumentStats(c *gin.Context) {
	stats, err := s.store.DocumentStats(c.Request.Context())
	if err != nil {
		s.log.Error("failed to compute document stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ProcessingStats returns the aggregates over registo_resultados.
func (s *Service) ProcessingStats(c *gin.Context) {
	stats, err := s.store.ProcessingStats(c.Request.Context())
	if err != nil {
		s.log.Error("failed to compute processing stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type queryRequest struct {
	Question string `json:"question" binding:"required"`
}

// Query answers a free-text question about the stored documents.
func (s *Service) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required: " + err.Error()})
		return
	}

	answer, err := s.analyst.Answer(c.Request.Context(), req.Question)
	if err != nil {
		if errors.Is(err, analyst.ErrLLMDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		s.log.Error("query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to answer question"})
		return
	}
	c.JSON(http.StatusOK, answer)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key + ": expected a non-negative integer")
	}
	return n, nil
}

func dateQuery(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, errors.New("invalid " + key + ": use YYYY-MM-DD")
	}
	return &t, nil
}
