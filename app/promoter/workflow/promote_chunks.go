package workflow

import (
	"errors"
	"time"

	"github.com/ppdbx/chunkpromoter/app/promoter/types"
	"github.com/ppdbx/chunkpromoter/pkg/cycle"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

const PromoteChunksWorkflowName = "PromoteChunksWorkflow"

// PromoteChunksWorkflow runs one promotion cycle:
// 1. read the promotable window
// 2. promote it, resuming from already replaced tables when a phase fails midway
// 3. mark the chunks promoted
// 4. publish and archive the promotion (best effort)
func (wc *Context) PromoteChunksWorkflow(ctx workflow.Context, input types.WorkflowPromoteChunksInput) (types.WorkflowPromoteChunksOutput, error) {
	start := workflow.Now(ctx)
	logger := workflow.GetLogger(ctx)

	readCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})

	var window types.ActivityGetPromotableChunksOutput
	if err := workflow.ExecuteActivity(readCtx, wc.ActivityContext.GetPromotableChunks).Get(ctx, &window); err != nil {
		logger.Error("Failed to read promotable chunks", zap.Error(err))
		return types.WorkflowPromoteChunksOutput{}, err
	}

	out := types.WorkflowPromoteChunksOutput{ChunkIDs: window.ChunkIDs}
	if len(window.ChunkIDs) == 0 || input.DryRun {
		logger.Info("Promotion cycle finished without promoting",
			zap.String("trigger", input.Trigger),
			zap.Int("window", len(window.ChunkIDs)),
			zap.Bool("dryRun", input.DryRun))
		out.DurationMs = msSince(ctx, start)
		return out, nil
	}

	// Warehouse jobs can run for a long time; a retry is only safe until a table is replaced,
	// which the activity signals with a non-retryable error.
	promoteCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Minute,
			MaximumAttempts:    3,
		},
	})

	var promoted types.ActivityPromoteChunksOutput
	var replaced []string
	for {
		err := workflow.ExecuteActivity(promoteCtx, wc.ActivityContext.PromoteChunks, types.ActivityPromoteChunksInput{
			ChunkIDs: window.ChunkIDs,
			Replaced: replaced,
		}).Get(ctx, &promoted)
		if err == nil {
			break
		}

		details, ok := phaseFailure(err)
		if !ok {
			logger.Error("Promotion failed", zap.Int64s("chunks", window.ChunkIDs), zap.Error(err))
			return out, err
		}
		if out.Resumes >= wc.Config.MaxResumes {
			logger.Error("Promotion failed after replacing production tables, giving up",
				zap.Int64s("chunks", window.ChunkIDs),
				zap.Strings("replaced", details.Replaced),
				zap.Int("resumes", out.Resumes))
			out.Replaced = details.Replaced
			return out, err
		}
		out.Resumes++
		replaced = details.Replaced
		logger.Warn("Resuming promotion",
			zap.String("phase", details.Phase),
			zap.String("table", details.Table),
			zap.Strings("replaced", replaced),
			zap.Int("resume", out.Resumes))
		if err := workflow.Sleep(ctx, time.Duration(out.Resumes)*30*time.Second); err != nil {
			return out, err
		}
	}
	out.Replaced = append(append([]string{}, promoted.Resumed...), promoted.Replaced...)

	markCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    20,
		},
	})
	var marked types.ActivityMarkChunksPromotedOutput
	if err := workflow.ExecuteActivity(markCtx, wc.ActivityContext.MarkChunksPromoted, types.ActivityMarkChunksPromotedInput{
		ChunkIDs: window.ChunkIDs,
	}).Get(ctx, &marked); err != nil {
		logger.Error("Chunks promoted but not marked",
			zap.Int64s("chunks", window.ChunkIDs),
			zap.Error(err))
		return out, err
	}
	out.Marked = marked.Marked

	event := cycle.Event{
		ChunkIDs:   window.ChunkIDs,
		FirstChunk: window.ChunkIDs[0],
		LastChunk:  window.ChunkIDs[len(window.ChunkIDs)-1],
		Tables:     promoted.Tables,
		Marked:     marked.Marked,
		Jobs:       promoted.Jobs,
		DurationMs: promoted.DurationMs,
		PromotedAt: workflow.Now(ctx).UTC(),
	}

	notifyCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
	publishF := workflow.ExecuteActivity(notifyCtx, wc.ActivityContext.PublishPromotion, types.ActivityPromotionEventInput{Event: event})
	archiveF := workflow.ExecuteActivity(notifyCtx, wc.ActivityContext.ArchivePromotion, types.ActivityPromotionEventInput{Event: event})

	var published types.ActivityPublishPromotionOutput
	if err := publishF.Get(ctx, &published); err != nil {
		logger.Warn("Failed to publish promotion event (non-critical)", zap.Error(err))
	}
	out.EventID = published.EventID
	if err := archiveF.Get(ctx, nil); err != nil {
		logger.Warn("Failed to archive promotion (non-critical)", zap.Error(err))
	}

	out.DurationMs = msSince(ctx, start)
	logger.Info("Promotion cycle completed",
		zap.String("trigger", input.Trigger),
		zap.Int64s("chunks", window.ChunkIDs),
		zap.Int64("marked", out.Marked),
		zap.Int("resumes", out.Resumes),
		zap.Float64("durationMs", out.DurationMs))
	return out, nil
}

func phaseFailure(err error) (types.PhaseFailureDetails, bool) {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) || appErr.Type() != types.ErrTypePhaseFailure {
		return types.PhaseFailureDetails{}, false
	}
	var details types.PhaseFailureDetails
	if !appErr.HasDetails() {
		return details, false
	}
	if derr := appErr.Details(&details); derr != nil {
		return types.PhaseFailureDetails{}, false
	}
	return details, len(details.Replaced) > 0
}

func msSince(ctx workflow.Context, start time.Time) float64 {
	return float64(workflow.Now(ctx).Sub(start).Microseconds()) / 1000.0
}
