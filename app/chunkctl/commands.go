package chunkctl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ppdbx/chunkpromoter/pkg/cycle"
	"github.com/ppdbx/chunkpromoter/pkg/db/chunks"
	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
	"github.com/ppdbx/chunkpromoter/pkg/promoter"
	"github.com/ppdbx/chunkpromoter/pkg/redis"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Summary is what promote, run and phase print.
type Summary struct {
	ChunkIDs       []int64  `json:"chunkIds"`
	DryRun         bool     `json:"dryRun,omitempty"`
	Tables         []string `json:"tables,omitempty"`
	Replaced       []string `json:"replaced,omitempty"`
	Resumed        []string `json:"resumed,omitempty"`
	SkippedStaging []string `json:"skippedStaging,omitempty"`
	Jobs           int      `json:"jobs"`
	Marked         int64    `json:"marked"`
	EventID        string   `json:"eventId,omitempty"`
	CleanupError   string   `json:"cleanupError,omitempty"`
	NotifyError    string   `json:"notifyError,omitempty"`
}

func summarize(ids []int64, report *promoter.Report) Summary {
	s := Summary{ChunkIDs: ids}
	if report != nil {
		s.Tables = entities.Strings(report.Tables)
		s.Replaced = entities.Strings(report.Replaced)
		s.Resumed = entities.Strings(report.Resumed)
		s.SkippedStaging = entities.Strings(report.SkippedStaging)
		s.Jobs = len(report.Jobs)
		s.CleanupError = report.CleanupError
	}
	return s
}

func resultSummary(res *cycle.Result) Summary {
	s := summarize(res.ChunkIDs, res.Report)
	s.Marked = res.Marked
	s.EventID = res.EventID
	if res.NotifyErr != nil {
		s.NotifyError = res.NotifyErr.Error()
	}
	return s
}

// StageEvent is published after a chunk directory was uploaded and registered.
type StageEvent struct {
	ChunkID  int64     `json:"chunkId"`
	Prefix   string    `json:"prefix"`
	Status   string    `json:"status"`
	StagedAt time.Time `json:"stagedAt"`
}

func (c *CLI) windowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "window",
		Short: "Print the promotable window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := c.store(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := store.GetPromotableChunks(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(Summary{ChunkIDs: ids, DryRun: true})
		},
	}
}

func (c *CLI) promoteCmd() *cobra.Command {
	var dryRun, publish, archive bool
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote the promotable window and mark it promoted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if dryRun {
				store, err := c.store(ctx)
				if err != nil {
					return err
				}
				defer store.Close()
				ids, err := store.GetPromotableChunks(ctx)
				if err != nil {
					return err
				}
				return c.print(Summary{ChunkIDs: ids, DryRun: true})
			}

			retries, err := c.retries(cmd)
			if err != nil {
				return err
			}
			r, closeAll, err := c.runner(ctx, retries)
			if err != nil {
				return err
			}
			defer closeAll()
			closeNotify, err := c.attachNotify(ctx, r, publish, archive)
			if err != nil {
				return err
			}
			defer closeNotify()

			res, err := r.Run(ctx)
			if res != nil {
				if perr := c.print(resultSummary(res)); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print the window")
	retryFlag(cmd)
	cmd.Flags().BoolVar(&publish, "publish", false, "publish the promotion event to Redis")
	cmd.Flags().BoolVar(&archive, "archive", false, "write the manifest and delete chunk files in GCS")
	return cmd
}

func (c *CLI) attachNotify(ctx context.Context, r *cycle.Runner, publish, archive bool) (func(), error) {
	var closers []func() error
	closeAll := func() {
		for _, f := range closers {
			_ = f()
		}
	}
	if publish {
		p, err := c.OpenPublisher(ctx, c.logger)
		if err != nil {
			return nil, fmt.Errorf("open publisher: %w", err)
		}
		r.Notifier = p
		closers = append(closers, p.Close)
	}
	if archive {
		u, err := c.OpenUploader(ctx, c.logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open object store: %w", err)
		}
		r.Archiver = &cycle.ObjectArchiver{Logger: c.logger, Storage: u}
		closers = append(closers, u.Close)
	}
	return closeAll, nil
}

func (c *CLI) markCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark ID...",
		Short: "Mark chunks promoted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			store, err := c.store(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.MarkChunksPromoted(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return c.print(map[string]int64{"marked": n})
		},
	}
}

func (c *CLI) insertCmd() *cobra.Command {
	var status string
	var sets []string
	cmd := &cobra.Command{
		Use:   "insert ID",
		Short: "Register a chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			values, err := parseValues(sets)
			if err != nil {
				return err
			}
			if _, ok := values[chunks.StatusColumn]; !ok {
				values[chunks.StatusColumn] = status
			}
			store, err := c.store(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Insert(cmd.Context(), id, values)
			if err != nil {
				return err
			}
			return c.print(map[string]int64{"inserted": n})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(chunks.StatusStaged), "initial status")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "column=value, repeatable")
	return cmd
}

func (c *CLI) updateCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change columns of a chunk that is not promoted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			values, err := parseValues(sets)
			if err != nil {
				return err
			}
			if len(values) == 0 {
				return errors.New("nothing to update: pass --set column=value")
			}
			store, err := c.store(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Update(cmd.Context(), id, values)
			if err != nil {
				return err
			}
			return c.print(map[string]int64{"updated": n})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "column=value, repeatable")
	return cmd
}

func (c *CLI) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Print one chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			store, err := c.store(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			chunk, err := store.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.print(chunk)
		},
	}
}

func (c *CLI) phaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phase NAME ID...",
		Short: "Run a single promotion phase for the given chunks",
		Long: "Run a single promotion phase (build_tmp, promote_prod, delete_staged_chunks, cleanup).\n" +
			"The metadata store is not touched.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := promoter.ParsePhase(args[0])
			if err != nil {
				return err
			}
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			r, closeAll, err := c.runner(cmd.Context(), 0)
			if err != nil {
				return err
			}
			defer closeAll()

			report, err := r.RunPhase(cmd.Context(), phase, ids)
			if report != nil {
				if perr := c.print(summarize(ids, report)); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func (c *CLI) stageCmd() *cobra.Command {
	var status, prefix string
	var publish bool
	cmd := &cobra.Command{
		Use:   "stage ID DIR",
		Short: "Upload a chunk directory to GCS and register the chunk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			store, err := c.store(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			uploader, err := c.OpenUploader(ctx, c.logger)
			if err != nil {
				return fmt.Errorf("open object store: %w", err)
			}
			defer uploader.Close()

			archiver := &cycle.ObjectArchiver{ChunkPrefix: prefix}
			objectPrefix := archiver.ChunkPrefixFor(id)
			if err := uploader.UploadDir(ctx, args[1], objectPrefix); err != nil {
				return err
			}
			if _, err := store.Insert(ctx, id, chunks.Values{chunks.StatusColumn: status}); err != nil {
				return err
			}
			c.logger.Info("Chunk staged", zap.Int64("chunk", id), zap.String("prefix", objectPrefix))

			event := StageEvent{ChunkID: id, Prefix: objectPrefix, Status: status, StagedAt: time.Now().UTC()}
			if publish {
				p, err := c.OpenPublisher(ctx, c.logger)
				if err != nil {
					return fmt.Errorf("open publisher: %w", err)
				}
				defer p.Close()
				if _, err := p.Publish(ctx, event); err != nil {
					return err
				}
			}
			return c.print(event)
		},
	}
	cmd.Flags().StringVar(&status, "status", "uploaded", "status recorded for the chunk")
	cmd.Flags().StringVar(&prefix, "prefix", cycle.DefaultChunkPrefix, "object prefix for chunk files")
	cmd.Flags().BoolVar(&publish, "publish", false, "publish a stage event to Redis")
	return cmd
}

func (c *CLI) runCmd() *cobra.Command {
	var schedule string
	var publish, archive bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run promotion cycles on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			retries, err := c.retries(cmd)
			if err != nil {
				return err
			}
			r, closeAll, err := c.runner(ctx, retries)
			if err != nil {
				return err
			}
			defer closeAll()
			closeNotify, err := c.attachNotify(ctx, r, publish, archive)
			if err != nil {
				return err
			}
			defer closeNotify()

			cronLogger := NewCronLogger(c.logger)
			sched := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger)))
			if _, err := sched.AddFunc(schedule, func() { c.runOnce(ctx, r) }); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", schedule, err)
			}

			sched.Start()
			c.logger.Info("Promotion scheduler started", zap.String("schedule", schedule))
			<-ctx.Done()
			<-sched.Stop().Done()
			c.logger.Info("Promotion scheduler stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "0 */5 * * * *", "cron spec with seconds")
	retryFlag(cmd)
	cmd.Flags().BoolVar(&publish, "publish", false, "publish promotion events to Redis")
	cmd.Flags().BoolVar(&archive, "archive", false, "write manifests and delete chunk files in GCS")
	return cmd
}

func (c *CLI) runOnce(ctx context.Context, r *cycle.Runner) {
	res, err := r.Run(ctx)
	if err != nil {
		c.logger.Error("Promotion cycle failed", zap.Error(err))
		return
	}
	if res.Promoted() {
		_ = c.print(resultSummary(res))
	}
}

func (c *CLI) eventsCmd() *cobra.Command {
	var count int64
	var follow bool
	var group, consumer, from string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print promotion events from the Redis stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !follow {
				p, err := c.OpenPublisher(ctx, c.logger)
				if err != nil {
					return fmt.Errorf("open publisher: %w", err)
				}
				defer p.Close()
				msgs, err := p.Latest(ctx, count)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					if err := c.printMessage(m); err != nil {
						return err
					}
				}
				return nil
			}

			sc, closeFn, err := c.OpenConsumer(ctx, c.logger, redis.StreamConsumerConfig{
				Group:    group,
				Consumer: consumer,
				LastID:   from,
				Logger:   c.logger,
			})
			if err != nil {
				return fmt.Errorf("open consumer: %w", err)
			}
			defer func() { _ = closeFn() }()

			err = sc.Run(ctx, func(_ context.Context, m redis.Message) error {
				return c.printMessage(m)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&count, "count", 10, "number of recent events")
	cmd.Flags().BoolVar(&follow, "follow", false, "wait for new events")
	cmd.Flags().StringVar(&group, "group", "", "consumer group, acknowledges printed events")
	cmd.Flags().StringVar(&consumer, "consumer", "chunkctl", "consumer name within the group")
	cmd.Flags().StringVar(&from, "from", "$", "start id for --follow without a group")
	return cmd
}

func (c *CLI) printMessage(m redis.Message) error {
	_, err := fmt.Fprintf(c.out, "%s %s\n", m.ID, m.GetData())
	return err
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk id %q: %w", s, err)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range splitArgs(args) {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// splitArgs accepts both "1 2 3" and "1,2,3".
func splitArgs(args []string) []string {
	var out []string
	for _, a := range args {
		out = append(out, splitList(a)...)
	}
	return out
}
