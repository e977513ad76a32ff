package downloader_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handsomefox/gallerydl/catalog"
	"github.com/handsomefox/gallerydl/downloader"
	"github.com/handsomefox/gallerydl/files"
	"github.com/handsomefox/gallerydl/ledger"
)

func TestMain(m *testing.M) {
	log.Logger = log.Level(zerolog.Disabled)
	os.Exit(m.Run())
}

var (
	pngOnce  sync.Once
	validPNG []byte
	smallPNG []byte
)

// encodedPNGs returns one image above and one below the 100px minimum.
func encodedPNGs(t *testing.T) (valid, small []byte) {
	t.Helper()
	pngOnce.Do(func() {
		var buf bytes.Buffer
		if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 120, 120))); err != nil {
			panic(err)
		}
		validPNG = append([]byte(nil), buf.Bytes()...)

		buf.Reset()
		if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10))); err != nil {
			panic(err)
		}
		smallPNG = append([]byte(nil), buf.Bytes()...)
	})
	return validPNG, smallPNG
}

type fakeSource struct {
	items []catalog.Item
	err   error
}

func (s *fakeSource) ListItems(ctx context.Context) ([]catalog.Item, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.items, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(url string, attempt int) ([]byte, error)
}

func newFakeFetcher(respond func(url string, attempt int) ([]byte, error)) *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), respond: respond}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls[url]++
	attempt := f.calls[url]
	f.mu.Unlock()
	return f.respond(url, attempt)
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func galleryItems(n int) []catalog.Item {
	items := make([]catalog.Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, catalog.Item{
			URL:   fmt.Sprintf("https://example.com/gallery/img-%04d.jpg", i),
			Title: fmt.Sprintf("image %d", i),
		})
	}
	return items
}

func testConfig(dir string) *downloader.Config {
	return &downloader.Config{
		Directory:      dir,
		WorkerCount:    4,
		MaxRetries:     3,
		MinSize:        100,
		InitialBackoff: time.Millisecond,
	}
}

func openStore(t *testing.T, dir string) *ledger.Store {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	store, err := ledger.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0
	}
	return len(strings.Split(trimmed, "\n"))
}

// Final ledger contents must not depend on worker count or scheduling:
// 1000 items with a deterministic 10% validation failure rate always
// end as 900 completions and 100 outstanding failures.
func TestLedgerCountsIndependentOfWorkerCount(t *testing.T) {
	t.Parallel()
	valid, small := encodedPNGs(t)

	for _, workers := range []int{1, 4, 8} {
		workers := workers
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			store := openStore(t, dir)

			fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
				if strings.HasSuffix(url, "0.jpg") { // every tenth item
					return small, nil
				}
				return valid, nil
			})

			cfg := testConfig(dir)
			cfg.WorkerCount = workers
			dl := downloader.New(cfg, &fakeSource{items: galleryItems(1000)}, fetcher, store)
			require.NoError(t, dl.Run(context.Background()))

			assert.Equal(t, 900, store.CompletedCount())
			assert.Equal(t, 100, store.FailedCount())
			assert.Equal(t, 900, countLines(t, filepath.Join(dir, ledger.CompletedFilename)))
			assert.Equal(t, 100, countLines(t, filepath.Join(dir, ledger.FailedFilename)))

			// Validation failures are permanent: one fetch per item.
			assert.Equal(t, 1000, fetcher.totalCalls())
			assert.EqualValues(t, 900, dl.Stats().Downloaded())
			assert.EqualValues(t, 100, dl.Stats().Failed())
		})
	}
}

// A second run over an unchanged catalog performs zero fetches.
func TestSecondRunFetchesNothing(t *testing.T) {
	t.Parallel()
	valid, _ := encodedPNGs(t)
	dir := t.TempDir()
	store := openStore(t, dir)
	source := &fakeSource{items: galleryItems(50)}

	fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
		return valid, nil
	})

	dl := downloader.New(testConfig(dir), source, fetcher, store)
	require.NoError(t, dl.Run(context.Background()))
	require.Equal(t, 50, fetcher.totalCalls())

	dl2 := downloader.New(testConfig(dir), source, fetcher, store)
	require.NoError(t, dl2.Run(context.Background()))

	assert.Equal(t, 50, fetcher.totalCalls(), "second run should not fetch anything")
	assert.EqualValues(t, 0, dl2.Stats().Queued())
	assert.Equal(t, 50, store.CompletedCount())
}

// A task failing with transport errors is attempted at most
// max_retries+1 times before it becomes a failure record.
func TestRetryBound(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := openStore(t, dir)

	item := catalog.Item{URL: "https://example.com/flaky.jpg"}
	fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
		return nil, errors.New("connection reset")
	})

	cfg := testConfig(dir)
	cfg.MaxRetries = 3
	dl := downloader.New(cfg, &fakeSource{items: []catalog.Item{item}}, fetcher, store)
	require.NoError(t, dl.Run(context.Background()))

	assert.Equal(t, 4, fetcher.callsFor(item.URL))

	records := store.FailedSnapshot()
	require.Len(t, records, 1)
	assert.Equal(t, item.URL, records[0].URL)
	assert.Equal(t, 4, records[0].Attempts)
}

// A retryable failure that later succeeds produces only the success
// record, never a failure entry.
func TestTransientFailureThenSuccess(t *testing.T) {
	t.Parallel()
	valid, _ := encodedPNGs(t)
	dir := t.TempDir()
	store := openStore(t, dir)

	item := catalog.Item{URL: "https://example.com/eventually.jpg"}
	fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
		if attempt < 3 {
			return nil, errors.New("timeout")
		}
		return valid, nil
	})

	dl := downloader.New(testConfig(dir), &fakeSource{items: []catalog.Item{item}}, fetcher, store)
	require.NoError(t, dl.Run(context.Background()))

	assert.Equal(t, 3, fetcher.callsFor(item.URL))
	assert.Equal(t, 1, store.CompletedCount())
	assert.Equal(t, 0, store.FailedCount())
}

// Validation failures reflect content, not weather: exactly one fetch.
func TestValidationFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	_, small := encodedPNGs(t)
	dir := t.TempDir()
	store := openStore(t, dir)

	item := catalog.Item{URL: "https://example.com/tiny.jpg"}
	fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
		return small, nil
	})

	dl := downloader.New(testConfig(dir), &fakeSource{items: []catalog.Item{item}}, fetcher, store)
	require.NoError(t, dl.Run(context.Background()))

	assert.Equal(t, 1, fetcher.callsFor(item.URL))
	records := store.FailedSnapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "validation", records[0].ErrorClass)
	assert.Equal(t, 1, records[0].Attempts)
}

// Retry-only mode takes its queue from the failure ledger, never from
// the catalog, and a success clears the old failure entry.
func TestRetryFailedMode(t *testing.T) {
	t.Parallel()
	valid, _ := encodedPNGs(t)
	dir := t.TempDir()
	store := openStore(t, dir)

	require.NoError(t, store.RecordFailure("https://example.com/was-down.jpg", "transport", 4))
	require.NoError(t, store.RecordFailure("https://example.com/still-down.jpg", "transport", 4))

	fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
		if strings.Contains(url, "still-down") {
			return nil, errors.New("connection refused")
		}
		return valid, nil
	})

	cfg := testConfig(dir)
	cfg.RetryFailed = true
	cfg.MaxRetries = 1
	// The catalog must not be consulted in retry mode.
	source := &fakeSource{err: errors.New("catalog should not be listed")}

	dl := downloader.New(cfg, source, fetcher, store)
	require.NoError(t, dl.Run(context.Background()))

	completed := store.CompletedSnapshot()
	assert.Contains(t, completed, "https://example.com/was-down.jpg")

	records := store.FailedSnapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "https://example.com/still-down.jpg", records[0].URL)
}

// Restarting after a partial run only attempts what is missing.
func TestResumeAttemptsOnlyRemainder(t *testing.T) {
	t.Parallel()
	valid, _ := encodedPNGs(t)
	dir := t.TempDir()
	store := openStore(t, dir)

	items := galleryItems(1000)
	for _, item := range items[:500] {
		require.NoError(t, store.RecordSuccess(item.URL))
	}

	fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
		return valid, nil
	})

	dl := downloader.New(testConfig(dir), &fakeSource{items: items}, fetcher, store)
	require.NoError(t, dl.Run(context.Background()))

	assert.EqualValues(t, 500, dl.Stats().Queued())
	assert.Equal(t, 500, fetcher.totalCalls())
	assert.Equal(t, 1000, store.CompletedCount())
}

// An unusable destination aborts the run before anything is attempted
// or recorded.
func TestUnusableDestinationIsFatal(t *testing.T) {
	t.Parallel()
	occupied := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(occupied, []byte("x"), 0o644))
	badDir := filepath.Join(occupied, "sub")

	fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
		t.Error("fetch should never be called")
		return nil, nil
	})

	cfg := testConfig(badDir)
	dl := downloader.New(cfg, &fakeSource{items: galleryItems(10)}, fetcher, nil)

	err := dl.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, fetcher.totalCalls())
	assert.NoFileExists(t, filepath.Join(badDir, ledger.CompletedFilename))
	assert.NoFileExists(t, filepath.Join(badDir, ledger.FailedFilename))
}

// A failed catalog listing is fatal before any work is dispatched.
func TestEnumerationFailureIsFatal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := openStore(t, dir)

	fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
		t.Error("fetch should never be called")
		return nil, nil
	})

	source := &fakeSource{err: &catalog.EnumerationError{}}
	dl := downloader.New(testConfig(dir), source, fetcher, store)

	err := dl.Run(context.Background())
	require.Error(t, err)
	var enumErr *catalog.EnumerationError
	assert.ErrorAs(t, err, &enumErr)
	assert.Equal(t, 0, fetcher.totalCalls())
	assert.Equal(t, 0, store.CompletedCount())
}

// Cancellation abandons in-flight tasks without recording any outcome
// for them; they stay absent from both ledgers.
func TestCancellationLeavesNoPartialRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := openStore(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
		cancel()
		return nil, context.Canceled
	})

	cfg := testConfig(dir)
	cfg.WorkerCount = 1
	dl := downloader.New(cfg, &fakeSource{items: galleryItems(10)}, fetcher, store)

	err := dl.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.CompletedCount())
	assert.Equal(t, 0, store.FailedCount())
}

// An item already on disk and valid is recorded without a fetch.
func TestExistingValidFileShortCircuits(t *testing.T) {
	t.Parallel()
	valid, _ := encodedPNGs(t)
	dir := t.TempDir()
	store := openStore(t, dir)

	items := galleryItems(1)
	fetcher := newFakeFetcher(func(url string, attempt int) ([]byte, error) {
		t.Error("fetch should never be called")
		return nil, nil
	})

	// Simulate a crash that saved the file but lost the ledger line.
	cfg := testConfig(dir)
	dl := downloader.New(cfg, &fakeSource{items: items}, fetcher, store)
	prewritten := filepath.Join(dir, files.UniqueFilename(items[0].URL))
	require.NoError(t, os.WriteFile(prewritten, valid, 0o644))

	require.NoError(t, dl.Run(context.Background()))

	assert.Equal(t, 0, fetcher.totalCalls())
	assert.EqualValues(t, 1, dl.Stats().Skipped())
	assert.Equal(t, 1, store.CompletedCount())
}
