package clickhouse

import (
	"context"
	"errors"
	"testing"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	chdb "github.com/ppdbx/chunkpromoter/pkg/db/clickhouse"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Exec(ctx context.Context, query string, args ...interface{}) error {
	return m.Called(query).Error(0)
}

func (m *mockConn) TableExists(ctx context.Context, table string) (bool, error) {
	ret := m.Called(table)
	return ret.Bool(0), ret.Error(1)
}

func TestDialectStatements(t *testing.T) {
	d := Dialect{Database: "ppdb"}
	ids := []int64{3, 4, 5}

	assert.Equal(t, `DROP TABLE IF EXISTS "ppdb"."_DiaObject_promoted_tmp" SYNC`,
		d.DropTableIfExists("_DiaObject_promoted_tmp"))
	assert.Equal(t, []string{
		`CREATE TABLE "ppdb"."_DiaObject_promoted_tmp" AS "ppdb"."DiaObject"`,
		`INSERT INTO "ppdb"."_DiaObject_promoted_tmp" SELECT * FROM "ppdb"."DiaObject"`,
	}, d.CloneTable("_DiaObject_promoted_tmp", "DiaObject"))
	assert.Equal(t,
		`INSERT INTO "ppdb"."_DiaObject_promoted_tmp" SELECT * EXCEPT ("replica_chunk") FROM "ppdb"."_DiaObject_staging" WHERE "replica_chunk" IN (3, 4, 5)`,
		d.InsertStaged("_DiaObject_promoted_tmp", "_DiaObject_staging", "replica_chunk", ids))
	assert.Equal(t, `EXCHANGE TABLES "ppdb"."DiaObject" AND "ppdb"."_DiaObject_promoted_tmp"`,
		d.ReplaceTable("DiaObject", "_DiaObject_promoted_tmp"))
	assert.Equal(t, `DELETE FROM "ppdb"."_DiaObject_staging" WHERE "replica_chunk" IN (3, 4, 5)`,
		d.DeleteStaged("_DiaObject_staging", "replica_chunk", ids))
}

func TestDialectOnCluster(t *testing.T) {
	d := Dialect{Database: "ppdb", Cluster: "ppdb_cluster"}

	assert.Equal(t, `DROP TABLE IF EXISTS "ppdb"."t" ON CLUSTER "ppdb_cluster" SYNC`, d.DropTableIfExists("t"))
	assert.Equal(t, `EXCHANGE TABLES "ppdb"."a" AND "ppdb"."b" ON CLUSTER "ppdb_cluster"`, d.ReplaceTable("a", "b"))
	assert.Equal(t, `DELETE FROM "ppdb"."s" ON CLUSTER "ppdb_cluster" WHERE "c" IN (1)`, d.DeleteStaged("s", "c", []int64{1}))
}

func TestNewUsesClientDatabaseAndCluster(t *testing.T) {
	client := &chdb.Client{Database: "ppdb", Cluster: "ppdb_cluster", Replicas: []string{"ch-0:9000", "ch-1:9000"}}
	exec := New(zaptest.NewLogger(t), client)

	assert.Equal(t, "ch-0:9000,ch-1:9000/ppdb", exec.Location)
	assert.Equal(t, `DROP TABLE IF EXISTS "ppdb"."t" ON CLUSTER "ppdb_cluster" SYNC`, exec.Dialect().DropTableIfExists("t"))
}

func TestRunJob(t *testing.T) {
	conn := &mockConn{}
	conn.On("Exec", "DELETE FROM x").Return(nil).Once()

	exec := NewWithConn(zaptest.NewLogger(t), conn, Dialect{Database: "ppdb"}, "localhost:9000/ppdb")
	job, err := exec.RunJob(context.Background(), "delete_staged_chunks", "DELETE FROM x")

	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "delete_staged_chunks", job.Label)
	assert.Equal(t, "localhost:9000/ppdb", job.Location)
	assert.Empty(t, job.Err)
	assert.Equal(t, "clickhouse", exec.Dialect().Name())
	conn.AssertExpectations(t)
}

func TestRunJobMapsUnknownTable(t *testing.T) {
	conn := &mockConn{}
	conn.On("Exec", "EXCHANGE TABLES a AND b").
		Return(&ch.Exception{Code: chdb.UnknownTableCode, Message: "Table ppdb.b does not exist"}).Once()
	conn.On("Exec", "INSERT").Return(errors.New("memory limit exceeded")).Once()

	exec := NewWithConn(zaptest.NewLogger(t), conn, Dialect{}, "local")

	job, err := exec.RunJob(context.Background(), "promote_prod", "EXCHANGE TABLES a AND b")
	require.ErrorIs(t, err, warehouse.ErrTableNotFound)
	assert.Contains(t, job.Err, "does not exist")

	_, err = exec.RunJob(context.Background(), "build_tmp", "INSERT")
	require.Error(t, err)
	assert.NotErrorIs(t, err, warehouse.ErrTableNotFound)
	assert.Contains(t, err.Error(), "build_tmp: memory limit exceeded")
}

func TestTableExistsDelegates(t *testing.T) {
	conn := &mockConn{}
	conn.On("TableExists", "_DiaSource_staging").Return(true, nil).Once()

	exec := NewWithConn(zaptest.NewLogger(t), conn, Dialect{}, "local")
	ok, err := exec.TableExists(context.Background(), "_DiaSource_staging")
	require.NoError(t, err)
	assert.True(t, ok)
}
