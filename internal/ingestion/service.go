package ingestion

import (
	"context"
	"strings"
	"time"

	"github.com/josefeneto/fiscalia/internal/config"
	"github.com/josefeneto/fiscalia/internal/database"
	"github.com/josefeneto/fiscalia/internal/logger"
	"github.com/josefeneto/fiscalia/internal/models"
)

// ProcessSummary reports one pipeline pass.
type ProcessSummary struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type IngestionService struct {
	store         database.Store
	setupService  ISetup
	asyncWorker   Worker
	fileProcessor Processor
	config        *config.Config
	log           *logger.Logger
}

func NewIngestionService(store database.Store, setupService ISetup, worker Worker, processor Processor, cfg *config.Config, log *logger.Logger) *IngestionService {
	return &IngestionService{
		store:         store,
		setupService:  setupService,
		asyncWorker:   worker,
		fileProcessor: processor,
		config:        cfg,
		log:           log,
	}
}

// Execute runs one full pipeline pass over the inbox directory.
func (s *IngestionService) Execute(ctx context.Context) (*ProcessSummary, error) {
	// Step 0: build the channels and bookkeeping for this pass.
	env, err := s.setupService.build()
	if err != nil {
		return nil, err
	}

	// Step 0.1: discover candidate files before starting any worker.
	candidates, err := s.fileProcessor.ScanInbox(s.config.MaxFilesPerBatch)
	if err != nil {
		s.log.Error("failed to scan inbox", "error", err)
		return nil, err
	}
	if len(candidates) == 0 {
		s.log.Info("inbox empty, nothing to process")
		return &ProcessSummary{}, nil
	}

	// Step 0.2: wire channels and wait groups into the worker. Must happen
	// before any Setup* call or the goroutines panic on nil channels.
	s.asyncWorker.WithChannels(env.Channels).WithWaitGroups(env.WaitGroups)

	// Step 1: dispatcher. Runs the pre-checks (extension, size, known hash),
	// rejects failures inline and feeds surviving files into the jobs channel.
	dispatcherRunner, _, err := s.asyncWorker.SetupDispatcherWorker(ctx, candidates, env.JobMap)
	if err != nil {
		return nil, err
	}
	dispatcherRunner.Run()

	// Step 2: error worker, draining async errors into the per-file map.
	// Shares MainWg with the dispatcher.
	errorRunner, mainWg, err := s.asyncWorker.SetupErrorWorker(env.FileErrors)
	if err != nil {
		return nil, err
	}
	errorRunner.Run()

	// Step 3: parser workers. Extract and validate the fiscal XMLs.
	parserRunner, parserWg, err := s.asyncWorker.SetupParserWorkers(s.config.NumParserWorkers)
	if err != nil {
		return nil, err
	}
	parserRunner.Run()

	// Step 4: single DB worker. SQLite allows one writer, and Postgres does
	// not need more for these volumes.
	dbRunner, dbWg, err := s.asyncWorker.SetupDBWorker(ctx)
	if err != nil {
		return nil, err
	}
	dbRunner.Run()

	// Step 5: ordered shutdown. The dispatcher closes Jobs when done; parsers
	// drain Jobs, the DB worker drains Results, the error worker drains Errors.
	s.log.Debug("waiting for parser workers")
	parserWg.Wait()
	close(env.Channels.Results)

	s.log.Debug("waiting for db worker")
	dbWg.Wait()
	close(env.Channels.Errors)

	s.log.Debug("waiting for dispatcher and error worker")
	mainWg.Wait()

	// Step 6: reconcile. Every dispatched file gets exactly one audit row and
	// is moved to its lifecycle directory.
	summary := s.reconcile(ctx, env.JobMap, env.FileErrors)
	summary.Scanned = len(candidates)
	// Files rejected before dispatch were audited by the dispatcher itself.
	summary.Failed += len(candidates) - len(env.JobMap)

	s.log.Info("pipeline pass finished",
		"scanned", summary.Scanned, "succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}

// reconcile records the outcome of each dispatched job and moves the source
// file. Files rejected before dispatch already have their audit row.
func (s *IngestionService) reconcile(ctx context.Context, jobMap map[string]models.FileJob, fileErrors *models.FileErrorMap) *ProcessSummary {
	summary := &ProcessSummary{}

	for path, job := range jobMap {
		errs := fileErrors.Get(path)

		result := &models.ProcessingResult{
			Timestamp: time.Now().UTC(),
			FilePath:  path,
			FileType:  "XML",
			SizeBytes: job.SizeBytes,
			FileHash:  job.FileHash,
		}

		if len(errs) == 0 {
			result.Outcome = models.ResultSuccess
			summary.Succeeded++
		} else {
			result.Outcome = models.ResultFailure
			result.Cause = joinCauses(errs)
			summary.Failed++
		}

		if _, err := s.store.InsertResult(ctx, result); err != nil {
			s.log.Error("failed to record processing result", "path", path, "error", err)
		}

		var moveErr error
		if len(errs) == 0 {
			moveErr = s.fileProcessor.MoveToProcessed(path)
		} else {
			moveErr = s.fileProcessor.MoveToRejected(path)
		}
		if moveErr != nil {
			s.log.Error("failed to move file", "path", path, "error", moveErr)
		}
	}

	return summary
}

func joinCauses(errs []models.AppError) string {
	causes := make([]string, 0, len(errs))
	for i := range errs {
		causes = append(causes, errs[i].Message)
	}
	return strings.Join(causes, "; ")
}
