// Package downloader is the download orchestration engine: it builds
// the task queue for one run, fans the tasks out to a pool of workers,
// retries transient failures with backoff, and records every terminal
// outcome in the ledgers exactly once.
package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/handsomefox/gallerydl/catalog"
	"github.com/handsomefox/gallerydl/files"
	"github.com/handsomefox/gallerydl/filter"
	"github.com/handsomefox/gallerydl/ledger"
)

// Fetcher retrieves the bytes of a single remote image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Config is the configuration data for the Downloader. It is immutable
// for the lifetime of one run.
type Config struct {
	Directory    string
	WorkerCount  int
	MaxRetries   int
	MinSize      int
	RetryFailed  bool
	ShowProgress bool

	// InitialBackoff is the delay before the first retry; it doubles on
	// every subsequent one. Zero means the built-in default.
	InitialBackoff time.Duration
}

type Downloader struct {
	cfg     *Config
	source  catalog.Source
	fetcher Fetcher
	store   *ledger.Store

	stats Stats
}

func New(cfg *Config, source catalog.Source, fetcher Fetcher, store *ledger.Store) *Downloader {
	return &Downloader{
		cfg:     cfg,
		source:  source,
		fetcher: fetcher,
		store:   store,
	}
}

// Stats returns the run counters. Safe to read while the run is going.
func (dl *Downloader) Stats() *Stats { return &dl.stats }

// Run executes one download run to completion. Per-item failures are
// absorbed into the ledgers; only an unusable destination, a failed
// catalog listing or cancellation make Run return an error.
func (dl *Downloader) Run(ctx context.Context) error {
	if err := files.CheckWritable(dl.cfg.Directory); err != nil {
		return fmt.Errorf("destination directory is not usable: %w", err)
	}

	tasks, err := dl.buildQueue(ctx)
	if err != nil {
		return err
	}
	dl.stats.queued.Store(int64(len(tasks)))

	if len(tasks) == 0 {
		log.Info().Msg("nothing to download")
		return nil
	}
	log.Info().Int("task_count", len(tasks)).Bool("retry_failed", dl.cfg.RetryFailed).Msg("starting download run")

	workerCount := dl.cfg.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	queue := make(chan *Task)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, t := range tasks {
			select {
			case queue <- t:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for t := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := dl.process(gctx, t); err != nil {
					return err
				}
			}
			return nil
		})
	}

	progressDone := make(chan struct{})
	if dl.cfg.ShowProgress {
		go dl.progressLoop(progressDone)
	}

	err = g.Wait()
	close(progressDone)

	log.Info().
		Int64("downloaded", dl.stats.Downloaded()).
		Int64("failed", dl.stats.Failed()).
		Int64("skipped", dl.stats.Skipped()).
		Msg("run finished")

	return err
}

// buildQueue produces the tasks for this run. Normal mode diffs the
// catalog against a completed-ledger snapshot taken once, before any
// work is dispatched; retry mode takes exactly the outstanding
// failures. Either way an identity appears at most once in the queue.
func (dl *Downloader) buildQueue(ctx context.Context) ([]*Task, error) {
	if dl.cfg.RetryFailed {
		records := dl.store.FailedSnapshot()
		tasks := make([]*Task, 0, len(records))
		for _, r := range records {
			tasks = append(tasks, dl.newTask(catalog.Item{URL: r.URL}))
		}
		return tasks, nil
	}

	items, err := dl.source.ListItems(ctx)
	if err != nil {
		return nil, err
	}

	completed := dl.store.CompletedSnapshot()
	seen := make(map[string]struct{}, len(items))
	tasks := make([]*Task, 0, len(items))
	for _, item := range items {
		if _, ok := completed[item.URL]; ok {
			continue
		}
		if _, ok := seen[item.URL]; ok {
			continue
		}
		seen[item.URL] = struct{}{}
		tasks = append(tasks, dl.newTask(item))
	}

	log.Debug().
		Int("catalog_size", len(items)).
		Int("already_completed", len(items)-len(tasks)).
		Msg("built task queue")

	return tasks, nil
}

func (dl *Downloader) newTask(item catalog.Item) *Task {
	return &Task{
		Item:    item,
		Path:    filepath.Join(dl.cfg.Directory, files.UniqueFilename(item.URL)),
		State:   StatePending,
		Backoff: dl.cfg.InitialBackoff,
	}
}

// process drives one task through its attempts until a terminal
// outcome, which it hands to the ledger store exactly once.
func (dl *Downloader) process(ctx context.Context, t *Task) error {
	for {
		t.State = StateAttempting
		t.Attempts++

		skipped, err := dl.attempt(ctx, t)
		if err == nil {
			t.State = StateSucceeded
			if skipped {
				dl.stats.skipped.Add(1)
				log.Debug().Str("url", t.Item.URL).Msg("already on disk, recorded as done")
			} else {
				dl.stats.downloaded.Add(1)
				log.Debug().Str("url", t.Item.URL).Str("path", t.Path).Msg("downloaded")
			}
			return dl.store.RecordSuccess(t.Item.URL)
		}

		// A cancelled task has no outcome; it stays absent from both
		// ledgers and gets picked up again on the next run.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch classify(err) {
		case outcomeFatal:
			t.State = StateFailed
			return err
		case outcomePermanent:
			t.State = StateFailed
			dl.stats.failed.Add(1)
			log.Warn().Err(err).Str("url", t.Item.URL).Int("attempts", t.Attempts).Msg("giving up on item")
			return dl.store.RecordFailure(t.Item.URL, errorClass(err), t.Attempts)
		default:
			if t.Attempts > dl.cfg.MaxRetries {
				t.State = StateFailed
				dl.stats.failed.Add(1)
				log.Warn().Err(err).Str("url", t.Item.URL).Int("attempts", t.Attempts).Msg("retries exhausted")
				return dl.store.RecordFailure(t.Item.URL, errorClass(err), t.Attempts)
			}

			t.State = StateRetryPending
			delay := t.NextBackoff()
			log.Debug().Err(err).Str("url", t.Item.URL).Dur("backoff", delay).Int("attempt", t.Attempts).Msg("retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// attempt performs one fetch-validate-write cycle. It reports
// skipped=true when the target file already exists and validates, in
// which case nothing was fetched.
func (dl *Downloader) attempt(ctx context.Context, t *Task) (skipped bool, err error) {
	if files.Exists(t.Path) {
		if data, readErr := os.ReadFile(t.Path); readErr == nil {
			if filter.Validate(data, dl.cfg.MinSize) == nil {
				return true, nil
			}
		}
	}

	data, err := dl.fetcher.Fetch(ctx, t.Item.URL)
	if err != nil {
		return false, err
	}

	if err := filter.Validate(data, dl.cfg.MinSize); err != nil {
		return false, err
	}

	if err := files.Write(t.Path, data); err != nil {
		return false, err
	}

	return false, nil
}

// progressLoop prints the current progress of the download every second.
func (dl *Downloader) progressLoop(done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			log.Info().
				Int64("done", dl.stats.done()).
				Int64("queued", dl.stats.Queued()).
				Int64("downloaded", dl.stats.Downloaded()).
				Int64("failed", dl.stats.Failed()).
				Int64("skipped", dl.stats.Skipped()).
				Msg("download status")
		}
	}
}
