// Package chunkctl is the operator command line for the replica chunk metadata store and
// the promotion phases. Every flag can also be set through the environment variable the
// promoter worker reads.
package chunkctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ppdbx/chunkpromoter/pkg/cycle"
	"github.com/ppdbx/chunkpromoter/pkg/db"
	"github.com/ppdbx/chunkpromoter/pkg/db/chunks"
	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
	"github.com/ppdbx/chunkpromoter/pkg/logging"
	"github.com/ppdbx/chunkpromoter/pkg/redis"
	"github.com/ppdbx/chunkpromoter/pkg/retry"
	"github.com/ppdbx/chunkpromoter/pkg/storage/gcs"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Viper keys. AutomaticEnv maps each to the upper-cased environment variable.
const (
	keyMetadata    = "metadata_backend"
	keyWarehouse   = "warehouse_backend"
	keyPostgresURL = "postgres_url"
	keySchema      = "postgres_schema"
	keySQLitePath  = "sqlite_path"
	keyChunkTable  = "chunk_table"
	keyDatabase    = "clickhouse_database"
	keyDuckDBPath  = "duckdb_path"
	keyTables      = "promote_tables"
	keyChunkColumn = "chunk_column"
	keyLogLevel    = "log_level"
	keyRetries     = "promote_retries"
)

// Warehouse is an executor that owns its connection.
type Warehouse interface {
	warehouse.Executor
	Close() error
}

// Uploader is the object store surface used by stage.
type Uploader interface {
	UploadDir(ctx context.Context, dir, prefix string) error
	cycle.ObjectStorage
	Close() error
}

// Publisher is the stream surface used by stage and events.
type Publisher interface {
	cycle.Notifier
	Latest(ctx context.Context, n int64) ([]redis.Message, error)
	Close() error
}

// CLI holds configuration and the backend openers. Tests replace the openers.
type CLI struct {
	v      *viper.Viper
	out    io.Writer
	logger *zap.Logger

	OpenStore     func(ctx context.Context, logger *zap.Logger, cfg db.Config) (chunks.Store, error)
	OpenWarehouse func(ctx context.Context, logger *zap.Logger, cfg db.Config) (Warehouse, error)
	OpenUploader  func(ctx context.Context, logger *zap.Logger) (Uploader, error)
	OpenPublisher func(ctx context.Context, logger *zap.Logger) (Publisher, error)
	// OpenConsumer is used by events --follow.
	OpenConsumer func(ctx context.Context, logger *zap.Logger, cfg redis.StreamConsumerConfig) (*redis.StreamConsumer, func() error, error)

	// RetryDelay is the first backoff delay between promotion attempts.
	RetryDelay time.Duration
}

// New returns a CLI wired to the real backends.
func New() *CLI {
	return &CLI{
		v:          viper.New(),
		RetryDelay: 5 * time.Second,
		OpenStore: func(ctx context.Context, logger *zap.Logger, cfg db.Config) (chunks.Store, error) {
			return db.OpenStore(ctx, logger, cfg)
		},
		OpenWarehouse: func(ctx context.Context, logger *zap.Logger, cfg db.Config) (Warehouse, error) {
			w, err := db.OpenWarehouse(ctx, logger, cfg)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
		OpenUploader: func(ctx context.Context, logger *zap.Logger) (Uploader, error) {
			c, err := gcs.NewClient(ctx, logger, "", "")
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		OpenPublisher: func(ctx context.Context, logger *zap.Logger) (Publisher, error) {
			c, err := redis.NewClient(ctx, logger, redis.ConfigFromEnv())
			if err != nil {
				return nil, err
			}
			return &closingPublisher{Publisher: redis.NewPublisher(c, ""), client: c}, nil
		},
		OpenConsumer: func(ctx context.Context, logger *zap.Logger, cfg redis.StreamConsumerConfig) (*redis.StreamConsumer, func() error, error) {
			c, err := redis.NewClient(ctx, logger, redis.ConfigFromEnv())
			if err != nil {
				return nil, nil, err
			}
			if cfg.Stream == "" {
				cfg.Stream = redis.NewPublisher(c, "").Stream
			}
			sc, err := redis.NewStreamConsumer(c, cfg)
			if err != nil {
				_ = c.Close()
				return nil, nil, err
			}
			return sc, c.Close, nil
		},
	}
}

type closingPublisher struct {
	*redis.Publisher
	client *redis.Client
}

func (p *closingPublisher) Close() error { return p.client.Close() }

// Command builds the command tree.
func (c *CLI) Command() *cobra.Command {
	root := &cobra.Command{
		Use:           "chunkctl",
		Short:         "Inspect replica chunks and promote them from staging to production",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.out = cmd.OutOrStdout()
			if c.logger != nil {
				return nil
			}
			logger, err := logging.NewWith(c.v.GetString(keyLogLevel), "console")
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("metadata", db.MetadataPostgres, "metadata backend: postgres|sqlite (METADATA_BACKEND)")
	pf.String("warehouse", db.WarehouseClickHouse, "warehouse backend: clickhouse|duckdb (WAREHOUSE_BACKEND)")
	pf.String("postgres-url", "", "postgres connection URL (POSTGRES_URL)")
	pf.String("postgres-schema", "public", "postgres schema (POSTGRES_SCHEMA)")
	pf.String("sqlite-path", "replica_chunks.db", "sqlite database file (SQLITE_PATH)")
	pf.String("chunk-table", chunks.DefaultTable, "metadata table (CHUNK_TABLE)")
	pf.String("clickhouse-database", "", "clickhouse database (CLICKHOUSE_DATABASE)")
	pf.String("duckdb-path", "", "duckdb database file, empty for in-memory (DUCKDB_PATH)")
	pf.String("tables", "", "comma separated tables to promote, empty for all (PROMOTE_TABLES)")
	pf.String("chunk-column", entities.DefaultChunkColumn, "staging column holding the chunk id (CHUNK_COLUMN)")
	pf.String("log-level", "info", "log level (LOG_LEVEL)")

	for flag, key := range map[string]string{
		"metadata":            keyMetadata,
		"warehouse":           keyWarehouse,
		"postgres-url":        keyPostgresURL,
		"postgres-schema":     keySchema,
		"sqlite-path":         keySQLitePath,
		"chunk-table":         keyChunkTable,
		"clickhouse-database": keyDatabase,
		"duckdb-path":         keyDuckDBPath,
		"tables":              keyTables,
		"chunk-column":        keyChunkColumn,
		"log-level":           keyLogLevel,
	} {
		_ = c.v.BindPFlag(key, pf.Lookup(flag))
	}
	c.v.AutomaticEnv()

	root.AddCommand(
		c.windowCmd(),
		c.promoteCmd(),
		c.markCmd(),
		c.insertCmd(),
		c.updateCmd(),
		c.getCmd(),
		c.phaseCmd(),
		c.stageCmd(),
		c.runCmd(),
		c.eventsCmd(),
	)
	return root
}

func (c *CLI) backends() db.Config {
	return db.Config{
		Component:          "chunkctl",
		Metadata:           c.v.GetString(keyMetadata),
		PostgresURL:        c.v.GetString(keyPostgresURL),
		PostgresSchema:     c.v.GetString(keySchema),
		SQLitePath:         c.v.GetString(keySQLitePath),
		ChunkTable:         c.v.GetString(keyChunkTable),
		Warehouse:          c.v.GetString(keyWarehouse),
		ClickHouseDatabase: c.v.GetString(keyDatabase),
		DuckDBPath:         c.v.GetString(keyDuckDBPath),
	}
}

func (c *CLI) store(ctx context.Context) (chunks.Store, error) {
	cfg := c.backends()
	store, err := c.OpenStore(ctx, c.logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s metadata store: %w", cfg.Metadata, err)
	}
	return store, nil
}

func (c *CLI) warehouse(ctx context.Context) (Warehouse, error) {
	cfg := c.backends()
	w, err := c.OpenWarehouse(ctx, c.logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s warehouse: %w", cfg.Warehouse, err)
	}
	return w, nil
}

func (c *CLI) tables() ([]entities.Table, error) {
	return entities.ParseList(splitList(c.v.GetString(keyTables)))
}

// runner opens both stores. The returned func closes them.
func (c *CLI) runner(ctx context.Context, retries int) (*cycle.Runner, func(), error) {
	tables, err := c.tables()
	if err != nil {
		return nil, nil, err
	}
	store, err := c.store(ctx)
	if err != nil {
		return nil, nil, err
	}
	wh, err := c.warehouse(ctx)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	r := &cycle.Runner{
		Logger:      c.logger,
		Store:       store,
		Executor:    wh,
		Tables:      tables,
		ChunkColumn: c.v.GetString(keyChunkColumn),
	}
	if retries > 0 {
		// MaxRetries counts attempts, the first one included.
		r.Retry = retry.Config{
			MaxRetries:   retries + 1,
			InitialDelay: c.RetryDelay,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		}
	}
	closeAll := func() {
		if err := wh.Close(); err != nil {
			c.logger.Warn("Failed to close warehouse", zap.Error(err))
		}
		if err := store.Close(); err != nil {
			c.logger.Warn("Failed to close metadata store", zap.Error(err))
		}
	}
	return r, closeAll, nil
}

// retryFlag registers --retries on cmd. It is bound to keyRetries when cmd runs, so
// PROMOTE_RETRIES applies to every command that promotes.
func retryFlag(cmd *cobra.Command) {
	cmd.Flags().Int("retries", 0, "retry a failed promotion this many times, resuming from replaced tables")
}

func (c *CLI) retries(cmd *cobra.Command) (int, error) {
	if err := c.v.BindPFlag(keyRetries, cmd.Flags().Lookup("retries")); err != nil {
		return 0, err
	}
	n := c.v.GetInt(keyRetries)
	if n < 0 {
		return 0, fmt.Errorf("--retries must not be negative, got %d", n)
	}
	return n, nil
}

func (c *CLI) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
