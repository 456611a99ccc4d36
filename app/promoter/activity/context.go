package activity

import (
	"github.com/ppdbx/chunkpromoter/pkg/cycle"
	"go.uber.org/zap"
)

// Context holds what the promotion activities need. Runner carries the metadata store,
// the warehouse and the optional notifier and archiver.
type Context struct {
	Logger *zap.Logger
	Runner *cycle.Runner
}
