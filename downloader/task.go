package downloader

import (
	"math/rand"
	"time"

	"github.com/handsomefox/gallerydl/catalog"
)

type TaskState byte

const (
	_ TaskState = iota
	StatePending
	StateAttempting
	StateRetryPending
	StateSucceeded
	StateFailed
)

// Task is one in-run attempt unit wrapping an item. A task is owned
// exclusively by the worker processing it and is gone once its outcome
// is recorded.
type Task struct {
	Item  catalog.Item
	Path  string
	State TaskState

	// Attempts counts every attempt made so far, including the first.
	Attempts int
	// Backoff is the delay before the next attempt, grown exponentially.
	Backoff time.Duration
}

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// NextBackoff returns the delay to wait before re-attempting and grows
// the stored backoff for the attempt after that. The result is jittered
// by up to half in either direction so retrying workers don't stampede
// the remote in lockstep.
func (t *Task) NextBackoff() time.Duration {
	if t.Backoff == 0 {
		t.Backoff = initialBackoff
	}
	delay := t.Backoff

	t.Backoff *= 2
	if t.Backoff > maxBackoff {
		t.Backoff = maxBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(delay)))
	return delay/2 + jitter
}
