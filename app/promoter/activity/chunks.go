package activity

import (
	"context"
	"time"

	"github.com/ppdbx/chunkpromoter/app/promoter/types"
	"go.uber.org/zap"
)

// GetPromotableChunks reads the promotable window from the metadata store.
func (ac *Context) GetPromotableChunks(ctx context.Context) (types.ActivityGetPromotableChunksOutput, error) {
	ids, err := ac.Runner.Window(ctx)
	if err != nil {
		return types.ActivityGetPromotableChunksOutput{}, err
	}
	ac.Logger.Debug("Promotable window", zap.Int64s("chunks", ids))
	return types.ActivityGetPromotableChunksOutput{ChunkIDs: ids}, nil
}

// MarkChunksPromoted records a promoted chunk set. It is idempotent and safe to retry.
func (ac *Context) MarkChunksPromoted(ctx context.Context, in types.ActivityMarkChunksPromotedInput) (types.ActivityMarkChunksPromotedOutput, error) {
	start := time.Now()
	n, err := ac.Runner.Mark(ctx, in.ChunkIDs)
	if err != nil {
		return types.ActivityMarkChunksPromotedOutput{}, err
	}
	return types.ActivityMarkChunksPromotedOutput{
		Marked:     n,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}
