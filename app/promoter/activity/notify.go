package activity

import (
	"context"
	"time"

	"github.com/ppdbx/chunkpromoter/app/promoter/types"
	"go.uber.org/zap"
)

// PublishPromotion appends the promotion event to the stream. A worker without a notifier
// succeeds without publishing.
func (ac *Context) PublishPromotion(ctx context.Context, in types.ActivityPromotionEventInput) (types.ActivityPublishPromotionOutput, error) {
	if ac.Runner.Notifier == nil {
		return types.ActivityPublishPromotionOutput{}, nil
	}
	id, err := ac.Runner.Notifier.Publish(ctx, in.Event)
	if err != nil {
		return types.ActivityPublishPromotionOutput{}, err
	}
	ac.Logger.Info("Published promotion event",
		zap.String("id", id),
		zap.Int64("first", in.Event.FirstChunk),
		zap.Int64("last", in.Event.LastChunk))
	return types.ActivityPublishPromotionOutput{EventID: id}, nil
}

// ArchivePromotion writes the manifest and removes uploaded chunk files.
func (ac *Context) ArchivePromotion(ctx context.Context, in types.ActivityPromotionEventInput) (types.ActivityArchivePromotionOutput, error) {
	start := time.Now()
	if ac.Runner.Archiver == nil {
		return types.ActivityArchivePromotionOutput{}, nil
	}
	if err := ac.Runner.Archiver.Archive(ctx, in.Event); err != nil {
		return types.ActivityArchivePromotionOutput{}, err
	}
	return types.ActivityArchivePromotionOutput{
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}
