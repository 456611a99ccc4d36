package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
)

const DefaultNamespace = "ppdb"

// Queue names
const (
	QueuePromoter = "promoter"
)

// Schedule IDs
const (
	SchedulePromoteChunks = "promote-chunks"
)

// Workflow ID patterns
const (
	WorkflowIDPromoteChunks = "promote-chunks:%s"
)

// PromoteChunksWorkflowID names a manual or scheduled run. Temporal rejects a second
// running workflow with the same id, so concurrent cycles for one trigger are impossible.
func PromoteChunksWorkflowID(trigger string) string {
	return fmt.Sprintf(WorkflowIDPromoteChunks, trigger)
}

// GetScheduleSpec returns a schedule spec for the given interval.
func GetScheduleSpec(interval time.Duration) client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: interval}}}
}
