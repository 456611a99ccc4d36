// Package cycle drives one promotion cycle end to end: read the promotable window from the
// metadata store, promote it in the warehouse, mark it promoted, then announce and archive it.
//
// Promotion and marking are not atomic. A cycle that fails after the warehouse work but before
// marking leaves the window unchanged, so running the next cycle promotes the same ids again.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ppdbx/chunkpromoter/pkg/db/chunks"
	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
	"github.com/ppdbx/chunkpromoter/pkg/metrics"
	"github.com/ppdbx/chunkpromoter/pkg/promoter"
	"github.com/ppdbx/chunkpromoter/pkg/retry"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
	"go.uber.org/zap"
)

// Notifier announces a finished promotion.
type Notifier interface {
	Publish(ctx context.Context, message any) (string, error)
}

// Archiver records a finished promotion outside the warehouse.
type Archiver interface {
	Archive(ctx context.Context, event Event) error
}

type Runner struct {
	Logger         *zap.Logger
	Store          chunks.Store
	Executor       warehouse.Executor
	Tables         []entities.Table
	ChunkColumn    string
	CleanupTimeout time.Duration
	// Retry governs promote and mark attempts within Run. The zero value tries once.
	Retry    retry.Config
	Notifier Notifier
	Archiver Archiver
}

// Result is the outcome of Run.
type Result struct {
	ChunkIDs []int64
	Report   *promoter.Report
	Marked   int64
	EventID  string
	// NotifyErr holds publish or archive failures. They never fail the cycle.
	NotifyErr error
}

// Promoted reports whether the cycle promoted anything.
func (r *Result) Promoted() bool {
	return r != nil && len(r.ChunkIDs) > 0 && r.Report != nil
}

// Window returns the ids that may be promoted now.
func (r *Runner) Window(ctx context.Context) ([]int64, error) {
	ids, err := r.Store.GetPromotableChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("get promotable chunks: %w", err)
	}
	metrics.ObserveWindow(len(ids))
	return ids, nil
}

// Promote runs the warehouse phases for ids. replaced names production tables an earlier
// attempt already swapped; they are not rebuilt.
func (r *Runner) Promote(ctx context.Context, ids []int64, replaced ...entities.Table) (*promoter.Report, error) {
	p, err := promoter.New(r.Executor, ids, r.options(replaced)...)
	if err != nil {
		return nil, err
	}
	return p.Promote(ctx)
}

// RunPhase runs a single phase for ids.
func (r *Runner) RunPhase(ctx context.Context, phase promoter.Phase, ids []int64) (*promoter.Report, error) {
	p, err := promoter.New(r.Executor, ids, r.options(nil)...)
	if err != nil {
		return nil, err
	}
	return p.RunPhase(ctx, phase)
}

// Mark records ids as promoted and returns the number of rows changed.
func (r *Runner) Mark(ctx context.Context, ids []int64) (int64, error) {
	n, err := r.Store.MarkChunksPromoted(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("mark chunks promoted: %w", err)
	}
	metrics.ObserveChunksPromoted(n)
	r.logger().Info("Marked chunks promoted", zap.Int64s("chunks", ids), zap.Int64("rows", n))
	return n, nil
}

// Notify publishes the event and archives it. Both are attempted; failures are joined.
func (r *Runner) Notify(ctx context.Context, res *Result) error {
	if !res.Promoted() {
		return nil
	}
	event := NewEvent(res)
	var errs []error
	if r.Notifier != nil {
		id, err := r.Notifier.Publish(ctx, event)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish promotion: %w", err))
		}
		res.EventID = id
	}
	if r.Archiver != nil {
		if err := r.Archiver.Archive(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("archive promotion: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run executes one full cycle. An empty window is not an error: the result has no ids.
// Promote attempts after a phase failure resume from the tables already replaced, so a
// retried cycle never inserts the same chunk twice into one production table.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	logger := r.logger()
	ids, err := r.Window(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{ChunkIDs: ids}
	if len(ids) == 0 {
		logger.Info("No promotable chunks")
		return res, nil
	}

	var replaced []entities.Table
	err = retry.WithBackoff(ctx, r.Retry, logger, "promote chunks", func() error {
		report, perr := r.Promote(ctx, ids, replaced...)
		if report != nil {
			res.Report = report
		}
		if perr == nil {
			return nil
		}
		if errors.Is(perr, promoter.ErrConfiguration) {
			return retry.Permanent(perr)
		}
		if pe, ok := promoter.AsPhaseError(perr); ok {
			replaced = pe.Replaced
		}
		return perr
	})
	if err != nil {
		return res, err
	}

	err = retry.WithBackoff(ctx, r.Retry, logger, "mark chunks promoted", func() error {
		n, merr := r.Mark(ctx, ids)
		res.Marked = n
		return merr
	})
	if err != nil {
		logger.Error("Chunks promoted but not marked; the next cycle will promote them again",
			zap.Int64s("chunks", ids),
			zap.Error(err))
		return res, err
	}

	if err := r.Notify(ctx, res); err != nil {
		res.NotifyErr = err
		logger.Warn("Promotion notification failed", zap.Int64s("chunks", ids), zap.Error(err))
	}
	return res, nil
}

func (r *Runner) options(replaced []entities.Table) []promoter.Option {
	opts := []promoter.Option{promoter.WithLogger(r.logger())}
	if len(r.Tables) > 0 {
		opts = append(opts, promoter.WithTables(r.Tables...))
	}
	if r.ChunkColumn != "" {
		opts = append(opts, promoter.WithChunkColumn(r.ChunkColumn))
	}
	if r.CleanupTimeout > 0 {
		opts = append(opts, promoter.WithCleanupTimeout(r.CleanupTimeout))
	}
	if len(replaced) > 0 {
		opts = append(opts, promoter.WithReplacedTables(replaced...))
	}
	return opts
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
