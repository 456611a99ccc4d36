// Package clickhouse runs promotion jobs against ClickHouse.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	chdb "github.com/ppdbx/chunkpromoter/pkg/db/clickhouse"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
	"go.uber.org/zap"
)

// Conn is the subset of the ClickHouse client the executor needs.
type Conn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	TableExists(ctx context.Context, table string) (bool, error)
}

type Executor struct {
	Logger   *zap.Logger
	Conn     Conn
	Location string
	dialect  Dialect
}

// New wraps a connected client. Statements target the client's database and cluster.
func New(logger *zap.Logger, client *chdb.Client) *Executor {
	return &Executor{
		Logger:   logger,
		Conn:     client,
		Location: strings.Join(client.Replicas, ",") + "/" + client.Database,
		dialect:  Dialect{Database: client.Database, Cluster: client.Cluster},
	}
}

// NewWithConn builds an executor over any Conn, used when the client is wrapped or faked.
func NewWithConn(logger *zap.Logger, conn Conn, dialect Dialect, location string) *Executor {
	return &Executor{Logger: logger, Conn: conn, Location: location, dialect: dialect}
}

func (e *Executor) Dialect() warehouse.Dialect { return e.dialect }

// RunJob executes statement under a fresh query id and collects the server's progress packets.
func (e *Executor) RunJob(ctx context.Context, label, statement string) (*warehouse.Job, error) {
	job := &warehouse.Job{
		ID:        uuid.NewString(),
		Label:     label,
		Location:  e.Location,
		Statement: statement,
	}

	var mu sync.Mutex
	qctx := ch.Context(ctx,
		ch.WithQueryID(job.ID),
		ch.WithProgress(func(p *ch.Progress) {
			mu.Lock()
			defer mu.Unlock()
			job.ReadRows += p.Rows
			job.ReadBytes += p.Bytes
			job.WrittenRows += p.WroteRows
			job.WrittenBytes += p.WroteBytes
		}),
	)

	start := time.Now()
	err := e.Conn.Exec(qctx, statement)

	mu.Lock()
	job.Elapsed = time.Since(start)
	job.AffectedRows = int64(job.WrittenRows)
	mu.Unlock()

	if err != nil {
		job.Err = err.Error()
		warehouse.LogJob(e.Logger, job)
		if chdb.IsUnknownTable(err) {
			return job, fmt.Errorf("%s: %w: %w", label, warehouse.ErrTableNotFound, err)
		}
		return job, fmt.Errorf("%s: %w", label, err)
	}

	warehouse.LogJob(e.Logger, job)
	return job, nil
}

func (e *Executor) TableExists(ctx context.Context, table string) (bool, error) {
	return e.Conn.TableExists(ctx, table)
}
