package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/josefeneto/fiscalia/internal/database"
	"github.com/josefeneto/fiscalia/internal/fiscal"
	"github.com/josefeneto/fiscalia/internal/logger"
	"github.com/josefeneto/fiscalia/internal/models"
	"github.com/josefeneto/fiscalia/pkg/checksum"
)

type Runner[T any] struct {
	Run T
}

type AsyncWorkerConfig struct {
	MaxFileSizeBytes int64
}

// Worker defines the interface for the asynchronous pipeline stages.
type Worker interface {
	WithChannels(channels *models.PipelineChannels) Worker
	WithWaitGroups(waitGroups *models.PipelineWaitGroups) Worker
	SetupDispatcherWorker(ctx context.Context, candidates []FileCandidate, jobMap map[string]models.FileJob) (Runner[func()], *sync.WaitGroup, error)
	SetupParserWorkers(numberOfWorkers int) (Runner[func()], *sync.WaitGroup, error)
	SetupDBWorker(ctx context.Context) (Runner[func()], *sync.WaitGroup, error)
	SetupErrorWorker(fileErrors *models.FileErrorMap) (Runner[func()], *sync.WaitGroup, error)
}

// AsyncWorker runs the dispatcher, parser, db and error workers over the
// shared channels.
type AsyncWorker struct {
	config     AsyncWorkerConfig
	store      database.Store
	processor  Processor
	log        *logger.Logger
	channels   *models.PipelineChannels
	waitGroups *models.PipelineWaitGroups
}

func NewAsyncWorker(store database.Store, processor Processor, log *logger.Logger, cfg AsyncWorkerConfig) *AsyncWorker {
	return &AsyncWorker{
		config:    cfg,
		store:     store,
		processor: processor,
		log:       log,
	}
}

func (w *AsyncWorker) WithChannels(channels *models.PipelineChannels) Worker {
	w.channels = channels
	return w
}

func (w *AsyncWorker) WithWaitGroups(waitGroups *models.PipelineWaitGroups) Worker {
	w.waitGroups = waitGroups
	return w
}

// preprocessAndDispatch runs the cheap pre-checks (extension, size, file hash
// already seen) before a file reaches the parsers. Files failing a pre-check
// are rejected immediately with an audit row; everything else becomes a job.
func (w *AsyncWorker) preprocessAndDispatch(ctx context.Context, candidates []FileCandidate, jobMap map[string]models.FileJob) {
	defer close(w.channels.Jobs)
	defer w.waitGroups.MainWg.Done()

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			w.log.Warn("dispatcher stopping, context cancelled", "remaining", len(candidates))
			return
		}

		if !strings.EqualFold(filepath.Ext(candidate.Path), ".xml") {
			w.rejectBeforeDispatch(ctx, candidate, "extensão inválida", "")
			continue
		}

		if w.config.MaxFileSizeBytes > 0 && candidate.Size > w.config.MaxFileSizeBytes {
			w.rejectBeforeDispatch(ctx, candidate, "arquivo excede o tamanho máximo", "")
			continue
		}

		hash, err := checksum.File(candidate.Path)
		if err != nil {
			w.log.Error("failed to hash file, skipping", "path", candidate.Path, "error", err)
			continue
		}

		processed, err := w.store.IsFileAlreadyProcessed(ctx, hash)
		if err != nil {
			w.log.Error("failed to check file hash, skipping", "path", candidate.Path, "error", err)
			continue
		}
		if processed {
			w.rejectBeforeDispatch(ctx, candidate, "arquivo duplicado (hash já processado)", hash)
			continue
		}

		job := models.FileJob{FilePath: candidate.Path, FileHash: hash, SizeBytes: candidate.Size}
		jobMap[candidate.Path] = job
		w.log.Debug("dispatching job", "path", candidate.Path)
		w.channels.Jobs <- job
	}
}

func (w *AsyncWorker) rejectBeforeDispatch(ctx context.Context, candidate FileCandidate, cause, hash string) {
	w.log.Warn("rejecting file before dispatch", "path", candidate.Path, "cause", cause)

	_, err := w.store.InsertResult(ctx, &models.ProcessingResult{
		Timestamp: time.Now().UTC(),
		FilePath:  candidate.Path,
		Outcome:   models.ResultFailure,
		Cause:     cause,
		FileType:  strings.TrimPrefix(strings.ToUpper(filepath.Ext(candidate.Path)), "."),
		SizeBytes: candidate.Size,
		FileHash:  hash,
	})
	if err != nil {
		w.log.Error("failed to record rejection", "path", candidate.Path, "error", err)
	}

	if err := w.processor.MoveToRejected(candidate.Path); err != nil {
		w.log.Error("failed to move rejected file", "path", candidate.Path, "error", err)
	}
}

func (w *AsyncWorker) SetupDispatcherWorker(ctx context.Context, candidates []FileCandidate, jobMap map[string]models.FileJob) (Runner[func()], *sync.WaitGroup, error) {
	return Runner[func()]{
		Run: func() {
			w.waitGroups.MainWg.Add(1)
			go w.preprocessAndDispatch(ctx, candidates, jobMap)
		},
	}, w.waitGroups.MainWg, nil
}

// parserWorker extracts and validates one XML per job, forwarding either a
// Document or an AppError.
func (w *AsyncWorker) parserWorker() {
	defer w.waitGroups.ParserWg.Done()

	for job := range w.channels.Jobs {
		content, err := os.ReadFile(job.FilePath)
		if err != nil {
			w.channels.Errors <- models.AppError{FilePath: job.FilePath, Message: "falha ao ler arquivo", Err: err}
			continue
		}

		ext, err := fiscal.Parse(content)
		if err != nil {
			w.channels.Errors <- models.AppError{FilePath: job.FilePath, Message: "XML inválido", Err: err}
			continue
		}

		report := fiscal.Validate(ext)
		for _, warning := range report.Warnings {
			w.log.Warn("validation warning", "path", job.FilePath, "warning", warning)
		}
		if !report.IsValid() {
			w.channels.Errors <- models.AppError{
				FilePath: job.FilePath,
				Message:  "validação falhou: " + strings.Join(report.Errors, "; "),
			}
			continue
		}

		doc := ext.Document
		doc.FilePath = job.FilePath
		doc.FileHash = job.FileHash
		doc.Timestamp = time.Now().UTC()
		w.channels.Results <- &doc
	}
}

func (w *AsyncWorker) SetupParserWorkers(numberOfWorkers int) (Runner[func()], *sync.WaitGroup, error) {
	return Runner[func()]{
		Run: func() {
			for i := 0; i < numberOfWorkers; i++ {
				w.waitGroups.ParserWg.Add(1)
				go w.parserWorker()
			}
		},
	}, w.waitGroups.ParserWg, nil
}

// dbWorker persists extracted documents. The unique index on chave_acesso is
// the authority on duplicates; the pre-check only avoids pointless inserts.
func (w *AsyncWorker) dbWorker(ctx context.Context) {
	defer w.waitGroups.DbWg.Done()

	for doc := range w.channels.Results {
		exists, err := w.store.DocumentExists(ctx, doc.AccessKey)
		if err != nil {
			w.channels.Errors <- models.AppError{FilePath: doc.FilePath, Message: "falha ao verificar duplicado", Err: err}
			continue
		}
		if exists {
			w.channels.Errors <- models.AppError{FilePath: doc.FilePath, Message: "documento duplicado: " + doc.AccessKey}
			continue
		}

		id, err := w.store.InsertDocument(ctx, doc)
		if err != nil {
			if errors.Is(err, database.ErrDuplicateDocument) {
				w.channels.Errors <- models.AppError{FilePath: doc.FilePath, Message: "documento duplicado: " + doc.AccessKey}
			} else {
				w.channels.Errors <- models.AppError{FilePath: doc.FilePath, Message: "falha ao gravar documento", Err: err}
			}
			continue
		}
		w.log.Info("document stored", "id", id, "type", doc.DocType, "access_key", doc.AccessKey)
	}
}

func (w *AsyncWorker) SetupDBWorker(ctx context.Context) (Runner[func()], *sync.WaitGroup, error) {
	return Runner[func()]{
		Run: func() {
			w.waitGroups.DbWg.Add(1)
			go w.dbWorker(ctx)
		},
	}, w.waitGroups.DbWg, nil
}

func (w *AsyncWorker) errorWorker(fileErrors *models.FileErrorMap) {
	defer w.waitGroups.MainWg.Done()

	for appErr := range w.channels.Errors {
		w.log.Warn("pipeline error", "path", appErr.FilePath, "error", appErr.Error())
		fileErrors.Add(appErr)
	}
}

func (w *AsyncWorker) SetupErrorWorker(fileErrors *models.FileErrorMap) (Runner[func()], *sync.WaitGroup, error) {
	return Runner[func()]{
		Run: func() {
			w.waitGroups.MainWg.Add(1)
			go w.errorWorker(fileErrors)
		},
	}, w.waitGroups.MainWg, nil
}
