package clickhouse

import (
	"fmt"
	"strings"

	chdb "github.com/ppdbx/chunkpromoter/pkg/db/clickhouse"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
)

// Dialect renders promotion statements for a ClickHouse database using the Atomic engine.
type Dialect struct {
	Database string
	Cluster  string
}

func (d Dialect) Name() string { return "clickhouse" }

func (d Dialect) ref(table string) string {
	if d.Database == "" {
		return quote(table)
	}
	return quote(d.Database) + "." + quote(table)
}

func (d Dialect) onCluster() string {
	if clause := chdb.OnClusterClause(d.Cluster); clause != "" {
		return " " + clause
	}
	return ""
}

func (d Dialect) DropTableIfExists(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s%s SYNC", d.ref(table), d.onCluster())
}

// CloneTable copies the schema (engine, ordering key, settings) first, then the rows.
func (d Dialect) CloneTable(dst, src string) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE %s%s AS %s", d.ref(dst), d.onCluster(), d.ref(src)),
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", d.ref(dst), d.ref(src)),
	}
}

func (d Dialect) InsertStaged(dst, src, chunkColumn string, ids []int64) string {
	return fmt.Sprintf("INSERT INTO %s SELECT * EXCEPT (%s) FROM %s WHERE %s IN (%s)",
		d.ref(dst), quote(chunkColumn), d.ref(src), quote(chunkColumn), warehouse.FormatIDs(ids))
}

// ReplaceTable swaps the two tables atomically; the previous production rows end up in src
// and are dropped with it during cleanup.
func (d Dialect) ReplaceTable(dst, src string) string {
	return fmt.Sprintf("EXCHANGE TABLES %s AND %s%s", d.ref(dst), d.ref(src), d.onCluster())
}

func (d Dialect) DeleteStaged(table, chunkColumn string, ids []int64) string {
	return fmt.Sprintf("DELETE FROM %s%s WHERE %s IN (%s)",
		d.ref(table), d.onCluster(), quote(chunkColumn), warehouse.FormatIDs(ids))
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `\"`) + `"`
}
