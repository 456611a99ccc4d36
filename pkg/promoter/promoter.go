// Package promoter moves replica chunks from staging tables into production tables.
//
// A Promoter is bound to one immutable set of chunk ids. Promote runs the phases
// build_tmp, promote_prod and delete_staged_chunks in that order, each across every
// managed table, and always finishes with cleanup:
//
//	p, err := promoter.New(exec, ids, promoter.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	report, err := p.Promote(ctx)
//
// The promoter never touches the metadata store; marking chunks promoted is the caller's job
// once Promote has returned without error.
package promoter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
	"github.com/ppdbx/chunkpromoter/pkg/metrics"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
	"go.uber.org/zap"
)

// DefaultCleanupTimeout bounds the deferred cleanup phase.
const DefaultCleanupTimeout = 5 * time.Minute

type Promoter struct {
	logger         *zap.Logger
	exec           warehouse.Executor
	dialect        warehouse.Dialect
	chunkIDs       []int64
	tables         []entities.Table
	chunkColumn    string
	cleanupTimeout time.Duration
	resumed        map[entities.Table]bool
}

type Option func(*Promoter)

// WithTables sets the managed tables, in promotion order.
func WithTables(tables ...entities.Table) Option {
	return func(p *Promoter) { p.tables = slices.Clone(tables) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Promoter) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithChunkColumn names the staging column holding the chunk id.
func WithChunkColumn(column string) Option {
	return func(p *Promoter) { p.chunkColumn = column }
}

func WithCleanupTimeout(d time.Duration) Option {
	return func(p *Promoter) {
		if d > 0 {
			p.cleanupTimeout = d
		}
	}
}

// WithReplacedTables resumes after a partial promote_prod: the listed production tables already
// contain the chunk set, so build_tmp and promote_prod skip them. Their staging rows are still deleted.
func WithReplacedTables(tables ...entities.Table) Option {
	return func(p *Promoter) {
		for _, t := range tables {
			p.resumed[t] = true
		}
	}
}

// New binds a promoter to exec and the chunk set. The ids are copied, sorted and de-duplicated.
func New(exec warehouse.Executor, chunkIDs []int64, opts ...Option) (*Promoter, error) {
	if len(chunkIDs) == 0 {
		return nil, ErrNoPromotableChunks
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: nil warehouse executor", ErrConfiguration)
	}

	ids := slices.Clone(chunkIDs)
	slices.Sort(ids)

	p := &Promoter{
		logger:         zap.NewNop(),
		exec:           exec,
		dialect:        exec.Dialect(),
		chunkIDs:       slices.Compact(ids),
		tables:         entities.Defaults(),
		chunkColumn:    entities.DefaultChunkColumn,
		cleanupTimeout: DefaultCleanupTimeout,
		resumed:        make(map[entities.Table]bool),
	}
	for _, opt := range opts {
		opt(p)
	}

	if len(p.tables) == 0 {
		return nil, fmt.Errorf("%w: no tables to promote", ErrConfiguration)
	}
	for _, t := range p.tables {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	for t := range p.resumed {
		if !slices.Contains(p.tables, t) {
			return nil, fmt.Errorf("%w: replaced table %s is not managed", ErrConfiguration, t)
		}
	}
	if !entities.IsIdentifier(p.chunkColumn) {
		return nil, fmt.Errorf("%w: invalid chunk column %q", ErrConfiguration, p.chunkColumn)
	}
	return p, nil
}

// ChunkIDs returns a copy of the chunk set.
func (p *Promoter) ChunkIDs() []int64 {
	return slices.Clone(p.chunkIDs)
}

func (p *Promoter) Tables() []entities.Table {
	return slices.Clone(p.tables)
}

// Promote runs the full protocol. Cleanup runs on every exit path, on a context that survives
// cancellation of ctx; its failure is recorded in Report.CleanupErr and never replaces err.
func (p *Promoter) Promote(ctx context.Context) (report *Report, err error) {
	start := time.Now()
	report = p.newReport()

	p.logger.Info("Promoting replica chunks",
		zap.Int("count", len(p.chunkIDs)),
		zap.Int64("first", p.chunkIDs[0]),
		zap.Int64("last", p.chunkIDs[len(p.chunkIDs)-1]),
		zap.Strings("tables", entities.Strings(p.tables)),
		zap.String("warehouse", p.dialect.Name()))

	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cleanupTimeout)
		defer cancel()
		if cerr := p.runPhase(cctx, PhaseCleanup, report); cerr != nil {
			report.setCleanupErr(cerr)
			metrics.ObserveCleanupFailure()
			p.logger.Error("Cleanup of temporary tables failed", zap.Error(cerr))
		}
		report.Duration = time.Since(start)
		metrics.ObservePromotion(outcome(err))

		durationMs := float64(report.Duration.Microseconds()) / 1000.0
		if err != nil {
			p.logger.Error("Promotion of replica chunks failed",
				zap.Int64s("chunks", p.chunkIDs),
				zap.Strings("replaced", entities.Strings(report.Replaced)),
				zap.Float64("durationMs", durationMs),
				zap.Error(err))
			return
		}
		p.logger.Info("Promoted replica chunks",
			zap.Int("count", len(p.chunkIDs)),
			zap.Int("jobs", len(report.Jobs)),
			zap.Strings("skippedStaging", entities.Strings(report.SkippedStaging)),
			zap.Float64("durationMs", durationMs))
	}()

	for _, phase := range mainPhases {
		if err = p.runPhase(ctx, phase, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// RunPhase runs a single phase across all tables. Operators use it to finish or undo a
// cycle by hand, most often "cleanup" after a crash left tmp tables behind.
func (p *Promoter) RunPhase(ctx context.Context, phase Phase) (*Report, error) {
	start := time.Now()
	report := p.newReport()
	err := p.runPhase(ctx, phase, report)
	if err != nil && phase == PhaseCleanup {
		report.setCleanupErr(err)
	}
	report.Duration = time.Since(start)
	return report, err
}

func (p *Promoter) runPhase(ctx context.Context, phase Phase, report *Report) error {
	start := time.Now()
	var err error
	switch phase {
	case PhaseBuildTmp:
		err = p.buildTmp(ctx, report)
	case PhasePromoteProd:
		err = p.promoteProd(ctx, report)
	case PhaseDeleteStagedChunks:
		err = p.deleteStagedChunks(ctx, report)
	case PhaseCleanup:
		err = p.cleanup(ctx, report)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
	}
	metrics.ObservePhase(phase.String(), time.Since(start))
	p.logger.Debug("Promotion phase finished",
		zap.String("phase", phase.String()),
		zap.Float64("durationMs", float64(time.Since(start).Microseconds())/1000.0),
		zap.Bool("ok", err == nil))
	return err
}

func (p *Promoter) buildTmp(ctx context.Context, report *Report) error {
	done := make([]entities.Table, 0, len(p.tables))
	for _, t := range p.tables {
		if p.resumed[t] {
			continue
		}
		tmp := t.PromotedTmpTableName()
		statements := []string{p.dialect.DropTableIfExists(tmp)}
		statements = append(statements, p.dialect.CloneTable(tmp, t.TableName())...)
		statements = append(statements, p.dialect.InsertStaged(tmp, t.StagingTableName(), p.chunkColumn, p.chunkIDs))

		for _, stmt := range statements {
			if err := p.runJob(ctx, PhaseBuildTmp, stmt, report); err != nil {
				return p.phaseError(PhaseBuildTmp, t, done, report, err)
			}
		}
		done = append(done, t)
	}
	return nil
}

func (p *Promoter) promoteProd(ctx context.Context, report *Report) error {
	done := make([]entities.Table, 0, len(p.tables))
	for _, t := range p.tables {
		if p.resumed[t] {
			continue
		}
		tmp := t.PromotedTmpTableName()
		exists, err := p.exec.TableExists(ctx, tmp)
		if err != nil {
			return p.phaseError(PhasePromoteProd, t, done, report, err)
		}
		if !exists {
			return p.phaseError(PhasePromoteProd, t, done, report, fmt.Errorf("%w: %s", ErrMissingTmpTable, tmp))
		}

		if err = p.runJob(ctx, PhasePromoteProd, p.dialect.ReplaceTable(t.TableName(), tmp), report); err != nil {
			return p.phaseError(PhasePromoteProd, t, done, report, err)
		}
		report.Replaced = append(report.Replaced, t)
		done = append(done, t)
		p.logger.Info("Production table replaced", zap.String("table", t.TableName()))
	}
	return nil
}

func (p *Promoter) deleteStagedChunks(ctx context.Context, report *Report) error {
	done := make([]entities.Table, 0, len(p.tables))
	for _, t := range p.tables {
		staging := t.StagingTableName()
		exists, err := p.exec.TableExists(ctx, staging)
		if err != nil {
			return p.phaseError(PhaseDeleteStagedChunks, t, done, report, err)
		}
		if !exists {
			p.skipStaging(t, report)
			continue
		}

		err = p.runJob(ctx, PhaseDeleteStagedChunks, p.dialect.DeleteStaged(staging, p.chunkColumn, p.chunkIDs), report)
		if errors.Is(err, warehouse.ErrTableNotFound) {
			p.skipStaging(t, report)
			continue
		}
		if err != nil {
			return p.phaseError(PhaseDeleteStagedChunks, t, done, report, err)
		}
		done = append(done, t)
	}
	return nil
}

func (p *Promoter) skipStaging(t entities.Table, report *Report) {
	report.SkippedStaging = append(report.SkippedStaging, t)
	p.logger.Warn("Staging table not found, skipping delete",
		zap.String("table", t.StagingTableName()),
		zap.Int64s("chunks", p.chunkIDs))
}

// cleanup attempts every table and joins the failures.
func (p *Promoter) cleanup(ctx context.Context, report *Report) error {
	var errs []error
	for _, t := range p.tables {
		if err := p.runJob(ctx, PhaseCleanup, p.dialect.DropTableIfExists(t.PromotedTmpTableName()), report); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", t.PromotedTmpTableName(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Promoter) runJob(ctx context.Context, phase Phase, statement string, report *Report) error {
	job, err := p.exec.RunJob(ctx, phase.String(), statement)
	var written uint64
	if job != nil {
		report.Jobs = append(report.Jobs, job)
		written = job.WrittenRows
	}
	metrics.ObserveJob(phase.String(), written, err)
	return err
}

func (p *Promoter) phaseError(phase Phase, t entities.Table, done []entities.Table, report *Report, err error) error {
	return &PhaseError{
		Phase:     phase,
		Table:     t,
		Completed: slices.Clone(done),
		Replaced:  append(slices.Clone(report.Resumed), report.Replaced...),
		Managed:   len(p.tables),
		Err:       err,
	}
}

func (p *Promoter) newReport() *Report {
	resumed := make([]entities.Table, 0, len(p.resumed))
	for _, t := range p.tables {
		if p.resumed[t] {
			resumed = append(resumed, t)
		}
	}
	return &Report{
		ChunkIDs: slices.Clone(p.chunkIDs),
		Tables:   slices.Clone(p.tables),
		Resumed:  resumed,
	}
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	if pe, ok := AsPhaseError(err); ok && pe.Partial() {
		return metrics.OutcomePartial
	}
	return metrics.OutcomeFailed
}
