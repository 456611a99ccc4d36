package promoter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
	"github.com/ppdbx/chunkpromoter/pkg/metrics"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// textDialect renders statements as short, readable strings.
type textDialect struct{}

func (textDialect) Name() string { return "text" }
func (textDialect) DropTableIfExists(t string) string { return "drop " + t }
func (textDialect) CloneTable(dst, src string) []string { return []string{"clone " + src + " " + dst} }
func (textDialect) InsertStaged(dst, src, col string, ids []int64) string {
	return fmt.Sprintf("insert %s %s %s [%s]", src, dst, col, warehouse.FormatIDs(ids))
}
func (textDialect) ReplaceTable(dst, src string) string { return "replace " + dst + " " + src }
func (textDialect) DeleteStaged(t, col string, ids []int64) string {
	return fmt.Sprintf("delete %s %s [%s]", t, col, warehouse.FormatIDs(ids))
}

type fakeExecutor struct {
	statements []string
	tables     map[string]bool
	// fail returns a non-nil error to fail the statement.
	fail       func(label, stmt string) error
	existsFail error
}

func newFakeExecutor() *fakeExecutor {
	tables := map[string]bool{}
	for _, t := range entities.Defaults() {
		tables[t.TableName()] = true
		tables[t.StagingTableName()] = true
	}
	return &fakeExecutor{tables: tables}
}

func (f *fakeExecutor) Dialect() warehouse.Dialect { return textDialect{} }

func (f *fakeExecutor) TableExists(_ context.Context, table string) (bool, error) {
	if f.existsFail != nil {
		return false, f.existsFail
	}
	return f.tables[table], nil
}

func (f *fakeExecutor) RunJob(_ context.Context, label, stmt string) (*warehouse.Job, error) {
	f.statements = append(f.statements, stmt)
	job := &warehouse.Job{ID: fmt.Sprint(len(f.statements)), Label: label, Statement: stmt}
	if f.fail != nil {
		if err := f.fail(label, stmt); err != nil {
			job.Err = err.Error()
			return job, err
		}
	}
	fields := strings.Fields(stmt)
	switch fields[0] {
	case "drop":
		delete(f.tables, fields[1])
	case "clone":
		f.tables[fields[2]] = true
	case "replace":
		// production keeps its name, tmp now holds the old rows
	}
	return job, nil
}

func (f *fakeExecutor) tmpTables() []string {
	out := []string{}
	for t := range f.tables {
		if strings.HasSuffix(t, "_promoted_tmp") {
			out = append(out, t)
		}
	}
	return out
}

func failOn(substr string, err error) func(string, string) error {
	return func(_, stmt string) error {
		if strings.Contains(stmt, substr) {
			return err
		}
		return nil
	}
}

func TestNewRejectsEmptyChunkSet(t *testing.T) {
	_, err := New(newFakeExecutor(), nil)
	require.ErrorIs(t, err, ErrNoPromotableChunks)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNewValidatesOptions(t *testing.T) {
	exec := newFakeExecutor()

	_, err := New(exec, []int64{1}, WithTables())
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(exec, []int64{1}, WithTables(entities.Table("bad name")))
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(exec, []int64{1}, WithChunkColumn("chunk; drop"))
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(exec, []int64{1}, WithTables(entities.DiaObject), WithReplacedTables(entities.DiaSource))
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(nil, []int64{1})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNewCopiesChunkSet(t *testing.T) {
	ids := []int64{5, 3, 4, 3}
	p, err := New(newFakeExecutor(), ids)
	require.NoError(t, err)

	ids[0] = 99
	assert.Equal(t, []int64{3, 4, 5}, p.ChunkIDs())

	got := p.ChunkIDs()
	got[0] = 42
	assert.Equal(t, []int64{3, 4, 5}, p.ChunkIDs())
}

func TestPromoteRunsPhasesInOrder(t *testing.T) {
	exec := newFakeExecutor()
	p, err := New(exec, []int64{3, 4}, WithTables(entities.DiaObject, entities.DiaSource), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	report, err := p.Promote(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"drop _DiaObject_promoted_tmp",
		"clone DiaObject _DiaObject_promoted_tmp",
		"insert _DiaObject_staging _DiaObject_promoted_tmp replica_chunk [3, 4]",
		"drop _DiaSource_promoted_tmp",
		"clone DiaSource _DiaSource_promoted_tmp",
		"insert _DiaSource_staging _DiaSource_promoted_tmp replica_chunk [3, 4]",
		"replace DiaObject _DiaObject_promoted_tmp",
		"replace DiaSource _DiaSource_promoted_tmp",
		"delete _DiaObject_staging replica_chunk [3, 4]",
		"delete _DiaSource_staging replica_chunk [3, 4]",
		"drop _DiaObject_promoted_tmp",
		"drop _DiaSource_promoted_tmp",
	}, exec.statements)

	assert.Equal(t, []entities.Table{entities.DiaObject, entities.DiaSource}, report.Replaced)
	assert.Len(t, report.Jobs, len(exec.statements))
	assert.Len(t, report.JobsFor(PhaseCleanup), 2)
	assert.NoError(t, report.CleanupErr)
	assert.Empty(t, exec.tmpTables(), "no tmp table may linger after a successful cycle")
}

func TestPromoteUsesChunkColumn(t *testing.T) {
	exec := newFakeExecutor()
	p, err := New(exec, []int64{1}, WithTables(entities.DiaObject), WithChunkColumn("apdb_replica_chunk"))
	require.NoError(t, err)

	_, err = p.Promote(context.Background())
	require.NoError(t, err)
	assert.Contains(t, exec.statements, "insert _DiaObject_staging _DiaObject_promoted_tmp apdb_replica_chunk [1]")
	assert.Contains(t, exec.statements, "delete _DiaObject_staging apdb_replica_chunk [1]")
}

func TestPromoteBuildFailureStopsBeforeProduction(t *testing.T) {
	boom := errors.New("quota exceeded")
	exec := newFakeExecutor()
	exec.fail = failOn("insert _DiaSource_staging", boom)

	p, err := New(exec, []int64{7}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	report, err := p.Promote(context.Background())
	require.ErrorIs(t, err, boom)

	pe, ok := AsPhaseError(err)
	require.True(t, ok)
	assert.Equal(t, PhaseBuildTmp, pe.Phase)
	assert.Equal(t, entities.DiaSource, pe.Table)
	assert.Equal(t, []entities.Table{entities.DiaObject}, pe.Completed)
	assert.False(t, pe.Partial())
	assert.Empty(t, report.Replaced)

	for _, stmt := range exec.statements {
		assert.False(t, strings.HasPrefix(stmt, "replace"), "production must not be touched: %s", stmt)
	}
	assert.Empty(t, exec.tmpTables(), "cleanup runs after a failure")
}

func TestPromotePartialFailureIsSurfaced(t *testing.T) {
	boom := errors.New("exchange failed")
	exec := newFakeExecutor()
	exec.fail = failOn("replace DiaSource", boom)

	p, err := New(exec, []int64{1, 2})
	require.NoError(t, err)

	report, err := p.Promote(context.Background())
	require.ErrorIs(t, err, boom)

	pe, ok := AsPhaseError(err)
	require.True(t, ok)
	assert.Equal(t, PhasePromoteProd, pe.Phase)
	assert.True(t, pe.Partial())
	assert.Equal(t, []entities.Table{entities.DiaObject}, pe.Replaced)
	assert.Contains(t, err.Error(), "production tables already replaced: DiaObject")
	assert.Equal(t, []entities.Table{entities.DiaObject}, report.Replaced)
	assert.Empty(t, report.JobsFor(PhaseDeleteStagedChunks))
	assert.Len(t, report.JobsFor(PhaseCleanup), 3)
}

func TestPromoteMissingTmpTable(t *testing.T) {
	exec := newFakeExecutor()
	// the clone silently produces nothing
	exec.fail = func(_, stmt string) error {
		if strings.HasPrefix(stmt, "insert _DiaObject_staging") {
			delete(exec.tables, "_DiaObject_promoted_tmp")
		}
		return nil
	}

	p, err := New(exec, []int64{1}, WithTables(entities.DiaObject))
	require.NoError(t, err)

	_, err = p.Promote(context.Background())
	require.ErrorIs(t, err, ErrMissingTmpTable)
	pe, ok := AsPhaseError(err)
	require.True(t, ok)
	assert.Equal(t, PhasePromoteProd, pe.Phase)
	assert.False(t, pe.Partial())
}

func TestPromoteSkipsMissingStagingTable(t *testing.T) {
	exec := newFakeExecutor()
	delete(exec.tables, entities.DiaForcedSource.StagingTableName())

	p, err := New(exec, []int64{1}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	report, err := p.Promote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []entities.Table{entities.DiaForcedSource}, report.SkippedStaging)
	assert.Len(t, report.JobsFor(PhaseDeleteStagedChunks), 2)
}

func TestPromoteSkipsStagingDroppedDuringDelete(t *testing.T) {
	exec := newFakeExecutor()
	exec.fail = failOn("delete _DiaSource_staging", fmt.Errorf("delete: %w", warehouse.ErrTableNotFound))

	p, err := New(exec, []int64{1})
	require.NoError(t, err)

	report, err := p.Promote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []entities.Table{entities.DiaSource}, report.SkippedStaging)
}

func TestPromoteDeleteFailure(t *testing.T) {
	boom := errors.New("mutation timeout")
	exec := newFakeExecutor()
	exec.fail = failOn("delete _DiaObject_staging", boom)

	p, err := New(exec, []int64{1})
	require.NoError(t, err)

	_, err = p.Promote(context.Background())
	pe, ok := AsPhaseError(err)
	require.True(t, ok)
	assert.Equal(t, PhaseDeleteStagedChunks, pe.Phase)
	assert.Len(t, pe.Replaced, 3)
	assert.False(t, pe.Partial(), "production tables are all at the same boundary")
}

func TestCleanupFailureDoesNotFailSuccessfulCycle(t *testing.T) {
	dropErr := errors.New("permission denied")
	exec := newFakeExecutor()
	exec.fail = func(label, stmt string) error {
		if label == PhaseCleanup.String() {
			return dropErr
		}
		return nil
	}

	p, err := New(exec, []int64{1}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	report, err := p.Promote(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, report.CleanupErr, dropErr)
	assert.Contains(t, report.CleanupError, "permission denied")
	assert.Len(t, report.JobsFor(PhaseCleanup), 3, "every table is attempted")
}

func TestCleanupFailureDoesNotMaskPrimaryError(t *testing.T) {
	primary := errors.New("primary")
	exec := newFakeExecutor()
	exec.fail = func(label, stmt string) error {
		if label == PhaseCleanup.String() {
			return errors.New("secondary")
		}
		if strings.HasPrefix(stmt, "clone DiaObject") {
			return primary
		}
		return nil
	}

	p, err := New(exec, []int64{1})
	require.NoError(t, err)

	report, err := p.Promote(context.Background())
	require.ErrorIs(t, err, primary)
	assert.NotContains(t, err.Error(), "secondary")
	assert.Contains(t, report.CleanupErr.Error(), "secondary")
}

func TestCleanupRunsAfterCancellation(t *testing.T) {
	exec := newFakeExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	exec.fail = func(label, stmt string) error {
		if strings.HasPrefix(stmt, "insert") {
			cancel()
			return context.Canceled
		}
		return nil
	}

	p, err := New(exec, []int64{1})
	require.NoError(t, err)

	report, err := p.Promote(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, report.JobsFor(PhaseCleanup), 3)
}

func TestResumeAfterPartialPromotion(t *testing.T) {
	exec := newFakeExecutor()
	p, err := New(exec, []int64{1}, WithReplacedTables(entities.DiaObject))
	require.NoError(t, err)

	report, err := p.Promote(context.Background())
	require.NoError(t, err)

	for _, stmt := range exec.statements {
		assert.False(t, strings.HasPrefix(stmt, "clone DiaObject"), stmt)
		assert.False(t, strings.HasPrefix(stmt, "replace DiaObject"), stmt)
	}
	assert.Contains(t, exec.statements, "delete _DiaObject_staging replica_chunk [1]")
	assert.Equal(t, []entities.Table{entities.DiaObject}, report.Resumed)
	assert.Equal(t, []entities.Table{entities.DiaSource, entities.DiaForcedSource}, report.Replaced)
}

func TestResumedBuildFailureIsPartial(t *testing.T) {
	boom := errors.New("boom")
	exec := newFakeExecutor()
	exec.fail = failOn("clone DiaSource", boom)

	p, err := New(exec, []int64{1}, WithReplacedTables(entities.DiaObject))
	require.NoError(t, err)

	_, err = p.Promote(context.Background())
	require.ErrorIs(t, err, boom)

	pe, ok := AsPhaseError(err)
	require.True(t, ok)
	assert.Equal(t, PhaseBuildTmp, pe.Phase)
	assert.Equal(t, entities.DiaSource, pe.Table)
	assert.Equal(t, []entities.Table{entities.DiaObject}, pe.Replaced)
	assert.Equal(t, 3, pe.Managed)
	assert.True(t, pe.Partial(), "DiaObject is ahead of DiaSource and DiaForcedSource")
	assert.Contains(t, err.Error(), "production tables already replaced: DiaObject")
	assert.Equal(t, metrics.OutcomePartial, outcome(err))
}

func TestRunPhase(t *testing.T) {
	exec := newFakeExecutor()
	exec.tables["_DiaObject_promoted_tmp"] = true

	p, err := New(exec, []int64{1})
	require.NoError(t, err)

	report, err := p.RunPhase(context.Background(), PhaseCleanup)
	require.NoError(t, err)
	assert.Len(t, report.Jobs, 3)
	assert.Empty(t, exec.tmpTables())

	_, err = p.RunPhase(context.Background(), Phase(42))
	require.ErrorIs(t, err, ErrUnknownPhase)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestParsePhase(t *testing.T) {
	for _, p := range Phases() {
		got, err := ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	got, err := ParsePhase(" Cleanup ")
	require.NoError(t, err)
	assert.Equal(t, PhaseCleanup, got)

	_, err = ParsePhase("rollback")
	require.ErrorIs(t, err, ErrUnknownPhase)
	assert.Contains(t, err.Error(), "build_tmp, promote_prod, delete_staged_chunks, cleanup")

	assert.Equal(t, "phase(9)", Phase(9).String())
	_, err = Phase(9).MarshalText()
	require.ErrorIs(t, err, ErrUnknownPhase)
}
