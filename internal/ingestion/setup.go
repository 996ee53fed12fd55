package ingestion

import (
	"sync"

	"github.com/josefeneto/fiscalia/internal/models"
)

type ISetup interface {
	build() (SetupReturn, error)
}

// SetupReturn bundles the channels and bookkeeping structures shared by the
// pipeline workers of one pass.
type SetupReturn struct {
	Channels   *models.PipelineChannels
	WaitGroups *models.PipelineWaitGroups
	FileErrors *models.FileErrorMap
	JobMap     map[string]models.FileJob
}

// Setup instantiates everything the concurrent pipeline needs. Kept behind an
// interface so tests can inject their own wiring.
type Setup struct {
	JobsChannelSize    int
	ResultsChannelSize int
}

func (s Setup) build() (SetupReturn, error) {
	jobsSize := s.JobsChannelSize
	if jobsSize <= 0 {
		jobsSize = 100
	}
	resultsSize := s.ResultsChannelSize
	if resultsSize <= 0 {
		resultsSize = 200
	}

	channels := &models.PipelineChannels{
		Jobs:    make(chan models.FileJob, jobsSize),
		Results: make(chan *models.Document, resultsSize),
		Errors:  make(chan models.AppError, resultsSize),
	}

	var parserWg, dbWg, mainWg sync.WaitGroup

	return SetupReturn{
		Channels:   channels,
		WaitGroups: &models.PipelineWaitGroups{ParserWg: &parserWg, DbWg: &dbWg, MainWg: &mainWg},
		FileErrors: &models.FileErrorMap{Errors: make(map[string][]models.AppError)},
		JobMap:     make(map[string]models.FileJob),
	}, nil
}
