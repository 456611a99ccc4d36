package types

import "github.com/ppdbx/chunkpromoter/pkg/cycle"

// Application error types raised by PromoteChunks. Both are non-retryable: the workflow
// decides what happens next.
const (
	// ErrTypePhaseFailure means production tables were replaced before a phase failed.
	// Details carry PhaseFailureDetails.
	ErrTypePhaseFailure = "PromotionPhaseFailure"
	// ErrTypeConfiguration means the promoter rejected its configuration.
	ErrTypeConfiguration = "PromoterConfiguration"
)

// PhaseFailureDetails is attached to ErrTypePhaseFailure errors.
type PhaseFailureDetails struct {
	Phase    string   `json:"phase"`
	Table    string   `json:"table"`
	Replaced []string `json:"replaced"`
}

// --- Workflow types

// WorkflowPromoteChunksInput contains the parameters for the promotion workflow.
type WorkflowPromoteChunksInput struct {
	// Trigger tags the run in logs ("schedule", "manual").
	Trigger string `json:"trigger"`
	// DryRun stops after reading the promotable window.
	DryRun bool `json:"dryRun"`
}

// WorkflowPromoteChunksOutput summarizes one promotion cycle.
type WorkflowPromoteChunksOutput struct {
	ChunkIDs   []int64  `json:"chunkIds"`
	Marked     int64    `json:"marked"`
	Resumes    int      `json:"resumes"`
	Replaced   []string `json:"replaced,omitempty"`
	EventID    string   `json:"eventId,omitempty"`
	DurationMs float64  `json:"durationMs"`
}

// --- Activity types

// ActivityGetPromotableChunksOutput contains the promotable window.
type ActivityGetPromotableChunksOutput struct {
	ChunkIDs []int64 `json:"chunkIds"`
}

// ActivityPromoteChunksInput contains the chunk set and the production tables a previous
// attempt already replaced.
type ActivityPromoteChunksInput struct {
	ChunkIDs []int64  `json:"chunkIds"`
	Replaced []string `json:"replaced,omitempty"`
}

// ActivityPromoteChunksOutput contains the result of one promotion.
type ActivityPromoteChunksOutput struct {
	ChunkIDs       []int64  `json:"chunkIds"`
	Tables         []string `json:"tables"`
	Jobs           int      `json:"jobs"`
	Replaced       []string `json:"replaced,omitempty"`
	Resumed        []string `json:"resumed,omitempty"`
	SkippedStaging []string `json:"skippedStaging,omitempty"`
	CleanupError   string   `json:"cleanupError,omitempty"`
	DurationMs     float64  `json:"durationMs"`
}

// ActivityMarkChunksPromotedInput contains the ids to mark.
type ActivityMarkChunksPromotedInput struct {
	ChunkIDs []int64 `json:"chunkIds"`
}

// ActivityMarkChunksPromotedOutput contains the number of rows changed.
type ActivityMarkChunksPromotedOutput struct {
	Marked     int64   `json:"marked"`
	DurationMs float64 `json:"durationMs"`
}

// ActivityPromotionEventInput carries the event for PublishPromotion and ArchivePromotion.
type ActivityPromotionEventInput struct {
	Event cycle.Event `json:"event"`
}

// ActivityPublishPromotionOutput contains the stream entry id.
type ActivityPublishPromotionOutput struct {
	EventID string `json:"eventId"`
}

// ActivityArchivePromotionOutput contains the timing of the archive step.
type ActivityArchivePromotionOutput struct {
	DurationMs float64 `json:"durationMs"`
}
