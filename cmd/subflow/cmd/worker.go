package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/subflowhq/subflow/internal/projectstore"
	"github.com/subflowhq/subflow/internal/queue"
	"github.com/subflowhq/subflow/internal/server"
)

// blobGCSchedule runs the blob garbage collector nightly.
const (
	blobGCSchedule = "0 3 * * *"
	blobGCBatch    = 1000
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the pipeline worker",
	Long: `Run the pipeline worker process.

The worker consumes tasks from the Redis queue, executes pipeline stages,
serves the /healthz endpoint, and garbage-collects unreferenced blobs on a
nightly schedule. It recovers projects left in a stale processing state by
a previous crash before consuming new work.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	if a.rdb == nil {
		return errors.New("worker requires redis: set redis.url or SUBFLOW_REDIS_URL")
	}
	defer a.rdb.Close()
	logger := a.logger

	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return failRuntime(fmt.Errorf("connecting to redis: %w", err))
	}

	q := queue.NewQueue(a.rdb, a.cfg.Redis.QueueKey, a.cfg.Redis.PopTimeout)
	projects := projectstore.New(a.rdb, a.repos.Projects, a.cfg.Redis.ProjectCacheTTL, logger)
	consumer := queue.NewConsumer(q, a.orch, a.repos, projects, a.rdb, a.cfg.Redis.StaleProcessingAge, logger)

	httpSrv := &http.Server{
		Addr:    net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port)),
		Handler: server.New(a.health, a.tracker, q, logger).Router(),
	}

	sched := cron.New()
	if _, err := sched.AddFunc(blobGCSchedule, func() {
		removed, bytes, gcErr := a.blobs.GCUnreferenced(context.Background(), blobGCBatch, false)
		if gcErr != nil {
			logger.Error("blob GC failed", slog.String("error", gcErr.Error()))
			return
		}
		logger.Info("blob GC completed",
			slog.Int("removed", removed),
			slog.Int64("bytes_freed", bytes),
		)
	}); err != nil {
		return failRuntime(fmt.Errorf("scheduling blob GC: %w", err))
	}
	sched.Start()
	defer sched.Stop()

	logger.Info("worker starting",
		slog.String("addr", httpSrv.Addr),
		slog.String("queue", a.cfg.Redis.QueueKey),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return failRuntime(err)
	}
	logger.Info("worker stopped")
	return nil
}
