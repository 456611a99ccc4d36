package workflow

import (
	"github.com/ppdbx/chunkpromoter/app/promoter/activity"
	"github.com/ppdbx/chunkpromoter/pkg/temporal"
)

// Config holds the workflow configuration.
type Config struct {
	// MaxResumes bounds how often one run resumes after replacing some production tables.
	MaxResumes int
}

func DefaultConfig() Config {
	return Config{MaxResumes: 3}
}

// Context holds the workflow context.
type Context struct {
	TemporalClient  *temporal.Client
	ActivityContext *activity.Context
	Config          Config
}
