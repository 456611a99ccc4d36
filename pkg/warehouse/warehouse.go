// Package warehouse defines the contract the chunk promoter uses to run statements
// against the analytical store, independent of the engine behind it.
package warehouse

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrTableNotFound is returned (wrapped) by executors when a statement references a missing table.
var ErrTableNotFound = errors.New("table not found")

// Executor runs one statement at a time and blocks until the job completes.
// Implementations log every job with its statistics.
type Executor interface {
	RunJob(ctx context.Context, label, statement string) (*Job, error)
	TableExists(ctx context.Context, table string) (bool, error)
	Dialect() Dialect
}

// Dialect renders the statements of the promotion protocol for one engine.
// Table arguments are unqualified names; implementations qualify them.
type Dialect interface {
	Name() string
	DropTableIfExists(table string) string
	// CloneTable returns the statements creating dst with the schema and rows of src.
	CloneTable(dst, src string) []string
	// InsertStaged copies the rows of src whose chunk column is in ids into dst, without the chunk column.
	InsertStaged(dst, src, chunkColumn string, ids []int64) string
	// ReplaceTable atomically replaces the contents of dst with those of src.
	ReplaceTable(dst, src string) string
	DeleteStaged(table, chunkColumn string, ids []int64) string
}

// Job describes a completed (or failed) warehouse statement.
type Job struct {
	ID           string        `json:"id"`
	Label        string        `json:"label"`
	Location     string        `json:"location"`
	Statement    string        `json:"statement"`
	ReadRows     uint64        `json:"readRows"`
	ReadBytes    uint64        `json:"readBytes"`
	WrittenRows  uint64        `json:"writtenRows"`
	WrittenBytes uint64        `json:"writtenBytes"`
	AffectedRows int64         `json:"affectedRows"`
	Elapsed      time.Duration `json:"elapsed"`
	Err          string        `json:"error,omitempty"`
}

// Fields returns the zap fields describing the job.
func (j *Job) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("job_id", j.ID),
		zap.String("label", j.Label),
		zap.String("location", j.Location),
		zap.Uint64("read_rows", j.ReadRows),
		zap.Uint64("read_bytes", j.ReadBytes),
		zap.Uint64("written_rows", j.WrittenRows),
		zap.Uint64("written_bytes", j.WrittenBytes),
		zap.Int64("affected_rows", j.AffectedRows),
		zap.Duration("elapsed", j.Elapsed),
	}
	if j.Err != "" {
		fields = append(fields, zap.String("job_error", j.Err))
	}
	return fields
}

// LogJob writes a completed job to the logger: debug on success, warn on failure.
func LogJob(logger *zap.Logger, j *Job) {
	if logger == nil || j == nil {
		return
	}
	if j.Err != "" {
		logger.Warn("Warehouse job failed", append(j.Fields(), zap.String("statement", j.Statement))...)
		return
	}
	logger.Debug("Warehouse job completed", append(j.Fields(), zap.String("statement", j.Statement))...)
}

// FormatIDs renders chunk ids as a comma separated list of integer literals.
func FormatIDs(ids []int64) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}
