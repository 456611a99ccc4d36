package chunks

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store. It follows the same rules as the SQL stores and backs
// dry runs and tests of code that drives a Store.
type MemoryStore struct {
	mu      sync.Mutex
	columns []string
	rows    map[int64]Values
}

// NewMemoryStore creates an empty store with the id and status columns plus extra.
func NewMemoryStore(extra ...string) *MemoryStore {
	cols := append([]string{IDColumn, StatusColumn}, extra...)
	return &MemoryStore{columns: cols, rows: make(map[int64]Values)}
}

func (m *MemoryStore) GetPromotableChunks(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make(map[int64]Status, len(m.rows))
	for id, row := range m.rows {
		statuses[id] = statusOf(row)
	}
	return PromotableWindow(statuses), nil
}

func (m *MemoryStore) MarkChunksPromoted(ctx context.Context, ids []int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, id := range slices.Compact(slices.Sorted(slices.Values(ids))) {
		row, ok := m.rows[id]
		if !ok || statusOf(row) == StatusPromoted {
			continue
		}
		row[StatusColumn] = string(StatusPromoted)
		n++
	}
	return n, nil
}

func (m *MemoryStore) Insert(ctx context.Context, id int64, values Values) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cols, err := InsertColumns(values, m.columns)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[id]; ok {
		return 0, fmt.Errorf("%w: chunk %d already exists", ErrIntegrity, id)
	}
	row := Values{IDColumn: id}
	for i, v := range Args(values, cols) {
		row[cols[i]] = v
	}
	m.rows[id] = row
	return 1, nil
}

func (m *MemoryStore) Update(ctx context.Context, id int64, values Values) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cols, err := UpdateColumns(values, m.columns)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok || statusOf(row) == StatusPromoted {
		return 0, nil
	}
	for i, v := range Args(values, cols) {
		row[cols[i]] = v
	}
	return 1, nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*ReplicaChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChunkNotFound, id)
	}
	return &ReplicaChunk{ID: id, Status: statusOf(row), Values: maps.Clone(row)}, nil
}

func (m *MemoryStore) ColumnNames(context.Context) ([]string, error) {
	return slices.Clone(m.columns), nil
}

func (m *MemoryStore) Close() error { return nil }

func statusOf(row Values) Status {
	switch v := row[StatusColumn].(type) {
	case string:
		return Status(v)
	case Status:
		return v
	default:
		return ""
	}
}
