package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/internal/config"
	"github.com/discochess/tiercache/internal/httpexec"
	"github.com/discochess/tiercache/internal/journal/diskjournal"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage operations queued for replay",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in replay order",
	RunE:  runQueueList,
}

var queueAddCmd = &cobra.Command{
	Use:   "add METHOD TARGET",
	Short: "Queue an operation for later replay",
	Long: `Queue an operation for later replay. TARGET may be relative to the
replay base URL.

Examples:
  tiercache queue add PUT /users/42 --data '{"name":"ada"}' --header Content-Type=application/json`,
	Args: cobra.ExactArgs(2),
	RunE: runQueueAdd,
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay queued operations against the origin",
	Long: `Replay queued operations against the origin in order. Each invocation
makes one pass over the queue: failed operations stay queued with one more
retry recorded, and operations that exhaust their retries or are rejected
outright are dropped and reported.

Use --watch to keep replaying on an interval until interrupted.`,
	RunE: runQueueReplay,
}

var (
	addData     string
	addHeaders  []string
	replayBase  string
	replayWatch bool
)

func init() {
	queueListCmd.Flags().BoolVar(&outputJSON, "json", false, "output items as JSON")
	queueAddCmd.Flags().StringVar(&addData, "data", "", "request body")
	queueAddCmd.Flags().StringArrayVar(&addHeaders, "header", nil, "request header as NAME=VALUE (repeatable)")
	queueReplayCmd.Flags().StringVar(&replayBase, "base-url", "", "origin base URL (overrides config)")
	queueReplayCmd.Flags().BoolVar(&replayWatch, "watch", false, "keep replaying until interrupted")

	queueCmd.AddCommand(queueListCmd, queueAddCmd, queueReplayCmd)
	rootCmd.AddCommand(queueCmd)
}

// openQueue opens the on-disk journal and the queue over it.
func openQueue(cfg config.Config, exec tiercache.Executor, logger *zap.Logger) (*tiercache.SyncQueue, error) {
	j, err := diskjournal.Open(cfg.JournalDir())
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	opts := []tiercache.QueueOption{
		tiercache.WithJournal(j),
		tiercache.WithMaxRetries(cfg.Queue.MaxRetries),
		tiercache.WithQueueLogger(logger.Named("queue")),
	}
	if cfg.Queue.Rate > 0 {
		opts = append(opts, tiercache.WithReplayRate(rate.Limit(cfg.Queue.Rate), max(cfg.Queue.Burst, 1)))
	}

	q, err := tiercache.NewSyncQueue(exec, opts...)
	if err != nil {
		j.Close()
		return nil, err
	}
	return q, nil
}

// offline is the executor for commands that never contact the origin.
var offline = tiercache.ExecutorFunc(func(context.Context, tiercache.Operation) error {
	return errors.New("origin not configured")
})

func runQueueList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	q, err := openQueue(cfg, offline, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	items := q.Pending()
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Println("No queued operations.")
		return nil
	}
	for _, it := range items {
		fmt.Printf("%s  %-6s %-40s retries %d/%d  queued %s\n",
			it.ID, it.Operation.Method, it.Operation.Target,
			it.RetryCount, it.MaxRetries, it.EnqueuedAt.Format(time.RFC3339))
	}
	return nil
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	headers := make(map[string]string, len(addHeaders))
	for _, h := range addHeaders {
		name, value, ok := strings.Cut(h, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid header %q, want NAME=VALUE", h)
		}
		headers[name] = value
	}

	q, err := openQueue(cfg, offline, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	op := tiercache.Operation{
		Method:  strings.ToUpper(args[0]),
		Target:  args[1],
		Headers: headers,
	}
	if addData != "" {
		op.Payload = []byte(addData)
	}
	id, err := q.Enqueue(context.Background(), op)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runQueueReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if replayBase != "" {
		cfg.Queue.BaseURL = replayBase
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	exec, err := httpexec.New(cfg.Queue.BaseURL,
		httpexec.WithClient(&http.Client{Timeout: cfg.Queue.Timeout}),
		httpexec.WithLogger(logger.Named("http")),
	)
	if err != nil {
		return err
	}

	q, err := openQueue(cfg, exec, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if replayWatch {
		q.ConnectivityRestored()
		err := q.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	res, err := q.Drain(ctx)
	for _, dl := range res.Failed {
		fmt.Printf("  DROPPED: %s %s %s: %v\n", dl.Item.ID, dl.Item.Operation.Method, dl.Item.Operation.Target, dl.Err)
	}
	fmt.Printf("Replayed: %d succeeded, %d retried, %d dropped, %d pending\n",
		res.Succeeded, res.Retried, res.DeadLettered, q.Len())
	if err != nil {
		return fmt.Errorf("replay stopped early: %w", err)
	}
	return nil
}
