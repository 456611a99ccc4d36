package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ppdbx/chunkpromoter/app/promoter/types"
	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
	"github.com/ppdbx/chunkpromoter/pkg/promoter"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
)

// PromoteChunks runs the warehouse phases for one chunk set.
//
// A failure before any production table changed is returned as is, so Temporal retries the
// activity with the same input. Once a table has been replaced during this attempt, a retry
// with the same input would insert the chunks into it again, so the error becomes
// non-retryable and carries the replaced tables for the workflow to resume from.
func (ac *Context) PromoteChunks(ctx context.Context, in types.ActivityPromoteChunksInput) (types.ActivityPromoteChunksOutput, error) {
	start := time.Now()

	replaced := make([]entities.Table, 0, len(in.Replaced))
	for _, name := range in.Replaced {
		t, err := entities.FromString(name)
		if err != nil {
			return types.ActivityPromoteChunksOutput{}, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("invalid replaced table: %v", err), types.ErrTypeConfiguration, err)
		}
		replaced = append(replaced, t)
	}

	report, err := ac.Runner.Promote(ctx, in.ChunkIDs, replaced...)
	if err != nil {
		return types.ActivityPromoteChunksOutput{}, ac.classify(err, len(replaced))
	}

	if report.CleanupErr != nil {
		ac.Logger.Warn("Promotion succeeded but tmp tables were not dropped",
			zap.Int64s("chunks", report.ChunkIDs),
			zap.Error(report.CleanupErr))
	}

	return types.ActivityPromoteChunksOutput{
		ChunkIDs:       report.ChunkIDs,
		Tables:         entities.Strings(report.Tables),
		Jobs:           len(report.Jobs),
		Replaced:       entities.Strings(report.Replaced),
		Resumed:        entities.Strings(report.Resumed),
		SkippedStaging: entities.Strings(report.SkippedStaging),
		CleanupError:   report.CleanupError,
		DurationMs:     float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func (ac *Context) classify(err error, alreadyReplaced int) error {
	if errors.Is(err, promoter.ErrConfiguration) {
		return temporal.NewNonRetryableApplicationError(err.Error(), types.ErrTypeConfiguration, err)
	}
	pe, ok := promoter.AsPhaseError(err)
	if !ok || len(pe.Replaced) <= alreadyReplaced {
		return err
	}

	ac.Logger.Error("Promotion failed after replacing production tables",
		zap.String("phase", pe.Phase.String()),
		zap.String("table", pe.Table.String()),
		zap.Strings("replaced", entities.Strings(pe.Replaced)),
		zap.Bool("partial", pe.Partial()),
		zap.Error(pe.Err))
	return temporal.NewNonRetryableApplicationError(err.Error(), types.ErrTypePhaseFailure, err,
		types.PhaseFailureDetails{
			Phase:    pe.Phase.String(),
			Table:    pe.Table.String(),
			Replaced: entities.Strings(pe.Replaced),
		})
}
