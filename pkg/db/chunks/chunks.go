// Package chunks defines the replica chunk metadata store: the table that records, per chunk,
// whether its rows are staged or promoted, and the query that decides which chunks may be
// promoted next.
//
// Chunk ids are assigned upstream and are strictly increasing. Promotion must follow id order,
// so the set of promoted chunks is always a prefix of all chunks. The promotable window is the
// run of staged chunks that directly follows that prefix:
//
//	id:      1  2  3  4  5  6
//	status:  P  P  S  S  F  S     window = [3, 4]
//
// A chunk in any status other than staged or promoted (F above) closes the window.
package chunks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Status is the lifecycle state of a chunk. Values other than the constants below are
// legal and block promotion of every later chunk.
type Status string

const (
	StatusStaged   Status = "staged"
	StatusPromoted Status = "promoted"
)

// Column names of the metadata table.
const (
	IDColumn     = "chunk_id"
	StatusColumn = "status"
)

// DefaultTable is the metadata table name.
const DefaultTable = "replica_chunks"

var (
	// ErrIntegrity is returned when a write would break the table's invariants.
	ErrIntegrity = errors.New("replica chunk integrity error")
	// ErrUnknownColumn is returned for values naming a column the table does not have.
	ErrUnknownColumn = errors.New("unknown replica chunk column")
	// ErrChunkNotFound is returned by Get.
	ErrChunkNotFound = errors.New("replica chunk not found")
)

// Values maps column names to values for Insert and Update.
type Values map[string]any

// ReplicaChunk is one row of the metadata table.
type ReplicaChunk struct {
	ID     int64          `json:"id"`
	Status Status         `json:"status"`
	Values map[string]any `json:"values,omitempty"`
}

// Store is the chunk metadata store.
type Store interface {
	// GetPromotableChunks returns the promotable window in ascending order.
	GetPromotableChunks(ctx context.Context) ([]int64, error)
	// MarkChunksPromoted sets status promoted on the ids not already promoted and returns
	// the number of rows changed. Calling it again with the same ids returns 0.
	MarkChunksPromoted(ctx context.Context, ids []int64) (int64, error)
	// Insert creates the row for id. Exactly one row must be inserted, otherwise ErrIntegrity.
	Insert(ctx context.Context, id int64, values Values) (int64, error)
	// Update changes columns of a row that is not yet promoted and returns the rows affected.
	Update(ctx context.Context, id int64, values Values) (int64, error)
	Get(ctx context.Context, id int64) (*ReplicaChunk, error)
	ColumnNames(ctx context.Context) ([]string, error)
	Close() error
}

// PromotableWindow applies the window rule to an in-memory status table.
func PromotableWindow(statuses map[int64]Status) []int64 {
	ids := make([]int64, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	window := make([]int64, 0)
	started := false
	for _, id := range ids {
		st := statuses[id]
		if !started {
			if st == StatusPromoted {
				continue
			}
			started = true
		}
		if st != StatusStaged {
			break
		}
		window = append(window, id)
	}
	return window
}

// InsertColumns validates values for Insert and returns their columns in sorted order.
// Promotion only happens through MarkChunksPromoted, so status promoted is rejected.
func InsertColumns(values Values, known []string) ([]string, error) {
	if err := rejectPromoted(values); err != nil {
		return nil, err
	}
	return validate(values, known)
}

// UpdateColumns validates values for Update and returns their columns in sorted order.
// Status promoted is rejected as for InsertColumns.
func UpdateColumns(values Values, known []string) ([]string, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no columns to update", ErrIntegrity)
	}
	if err := rejectPromoted(values); err != nil {
		return nil, err
	}
	return validate(values, known)
}

func rejectPromoted(values Values) error {
	if st, ok := values[StatusColumn]; ok && fmt.Sprint(st) == string(StatusPromoted) {
		return fmt.Errorf("%w: status %q is set by MarkChunksPromoted only", ErrIntegrity, StatusPromoted)
	}
	return nil
}

func validate(values Values, known []string) ([]string, error) {
	if _, ok := values[IDColumn]; ok {
		return nil, fmt.Errorf("%w: %s is passed separately", ErrIntegrity, IDColumn)
	}
	cols := make([]string, 0, len(values))
	for col := range values {
		if !slices.Contains(known, col) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols, nil
}

// Args returns values ordered like cols. Status values are converted to plain strings.
func Args(values Values, cols []string) []any {
	args := make([]any, len(cols))
	for i, c := range cols {
		v := values[c]
		if st, ok := v.(Status); ok {
			v = string(st)
		}
		args[i] = v
	}
	return args
}
