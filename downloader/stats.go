package downloader

import "sync/atomic"

// Stats tracks run progress. All fields are updated by concurrent
// workers, so everything is atomic.
type Stats struct {
	queued     atomic.Int64
	downloaded atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
}

// Queued is how many tasks this run started with.
func (s *Stats) Queued() int64 { return s.queued.Load() }

// Downloaded is how many tasks were fetched, validated and recorded.
func (s *Stats) Downloaded() int64 { return s.downloaded.Load() }

// Failed is how many tasks were recorded as permanent failures.
func (s *Stats) Failed() int64 { return s.failed.Load() }

// Skipped is how many tasks were already on disk and valid, recorded
// as successes without a fetch.
func (s *Stats) Skipped() int64 { return s.skipped.Load() }

func (s *Stats) done() int64 {
	return s.downloaded.Load() + s.failed.Load() + s.skipped.Load()
}
