// Package ledger persists which images have been downloaded and which
// are still failing, so a multi-hour run can be stopped and restarted
// without refetching finished work or losing track of failures.
//
// Two files live in the download directory. The completed ledger is
// append-only, one URL per line. The failed ledger holds the currently
// outstanding failures, one URL per line, and is rewritten as failures
// clear. All mutations go through the Store, which serializes them so
// concurrent workers can never interleave writes into a torn record.
package ledger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// CompletedFilename holds one URL per line for every image that was
	// downloaded and validated.
	CompletedFilename = "downloaded_images.txt"
	// FailedFilename holds one URL per line for every image that
	// exhausted its retries and has not succeeded since.
	FailedFilename = "failed_downloads.txt"
)

// FailureRecord describes one currently outstanding failure.
type FailureRecord struct {
	URL        string
	ErrorClass string
	Attempts   int
}

// Store owns both ledger files. All methods are safe for concurrent
// use; every write is flushed to disk before the method returns.
type Store struct {
	mu  sync.Mutex
	dir string

	completed     map[string]struct{}
	completedFile *os.File

	failed      map[string]FailureRecord
	failedOrder []string
}

// Open loads both ledgers from dir, creating empty files if they do not
// exist yet.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:       dir,
		completed: make(map[string]struct{}),
		failed:    make(map[string]FailureRecord),
	}

	completedPath := filepath.Join(dir, CompletedFilename)
	urls, err := readLines(completedPath)
	if err != nil {
		return nil, err
	}
	for _, u := range urls {
		s.completed[u] = struct{}{}
	}

	s.completedFile, err = os.OpenFile(completedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening completed ledger: %w", err)
	}

	urls, err = readLines(filepath.Join(dir, FailedFilename))
	if err != nil {
		s.completedFile.Close()
		return nil, err
	}
	for _, u := range urls {
		if _, ok := s.failed[u]; ok {
			continue
		}
		s.failed[u] = FailureRecord{URL: u, ErrorClass: "unknown"}
		s.failedOrder = append(s.failedOrder, u)
	}
	if err := s.flushFailedLocked(); err != nil {
		s.completedFile.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying file handles. It does not flush;
// every record operation already has.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedFile.Close()
}

// RecordSuccess appends the url to the completed ledger and clears any
// outstanding failure for it. Recording the same url twice is a no-op,
// so the completed ledger never holds duplicates.
func (s *Store) RecordSuccess(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.completed[url]; !ok {
		if _, err := s.completedFile.WriteString(url + "\n"); err != nil {
			return fmt.Errorf("appending to completed ledger: %w", err)
		}
		if err := s.completedFile.Sync(); err != nil {
			return fmt.Errorf("syncing completed ledger: %w", err)
		}
		s.completed[url] = struct{}{}
	}

	if _, ok := s.failed[url]; ok {
		delete(s.failed, url)
		s.removeFromOrderLocked(url)
		return s.flushFailedLocked()
	}

	return nil
}

// RecordFailure upserts the url into the failed ledger, replacing the
// error class and attempt count if it is already present.
func (s *Store) RecordFailure(url, errorClass string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.failed[url]; !ok {
		s.failedOrder = append(s.failedOrder, url)
	}
	s.failed[url] = FailureRecord{URL: url, ErrorClass: errorClass, Attempts: attempts}

	return s.flushFailedLocked()
}

// CompletedSnapshot returns a copy of the completed URL set, taken
// atomically. The task queue is built against exactly one snapshot.
func (s *Store) CompletedSnapshot() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]struct{}, len(s.completed))
	for u := range s.completed {
		snapshot[u] = struct{}{}
	}
	return snapshot
}

// FailedSnapshot returns the outstanding failures in ledger order.
func (s *Store) FailedSnapshot() []FailureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]FailureRecord, 0, len(s.failedOrder))
	for _, u := range s.failedOrder {
		records = append(records, s.failed[u])
	}
	return records
}

// CompletedCount reports how many URLs are recorded as downloaded.
func (s *Store) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// FailedCount reports how many URLs are currently outstanding failures.
func (s *Store) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

// flushFailedLocked rewrites the failed ledger file from the in-memory
// state. The write goes to a temp file which is then renamed over the
// old one, so a crash mid-rewrite never leaves a torn ledger behind.
func (s *Store) flushFailedLocked() error {
	tmp, err := os.CreateTemp(s.dir, FailedFilename+".tmp")
	if err != nil {
		return fmt.Errorf("rewriting failed ledger: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, u := range s.failedOrder {
		if _, err := w.WriteString(u + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("rewriting failed ledger: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("rewriting failed ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("syncing failed ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing failed ledger: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, FailedFilename)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing failed ledger: %w", err)
	}

	return nil
}

func (s *Store) removeFromOrderLocked(url string) {
	for i, u := range s.failedOrder {
		if u == url {
			s.failedOrder = append(s.failedOrder[:i], s.failedOrder[i+1:]...)
			return
		}
	}
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading ledger %s: %w", path, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ledger %s: %w", path, err)
	}

	return lines, nil
}
