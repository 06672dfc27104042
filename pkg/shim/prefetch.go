package shim

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/Sternrassler/muscu-offline/pkg/cache"
	"github.com/Sternrassler/muscu-offline/pkg/network"
)

// assetResult is the outcome of fetching one manifest asset.
type assetResult struct {
	index int
	entry *cache.CacheEntry
	err   error
}

// prefetch fetches urls with a bounded worker pool and returns the entries
// in manifest order. The first failure cancels the remaining fetches.
func (s *Shim) prefetch(ctx context.Context, urls []*url.URL) ([]*cache.CacheEntry, error) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan int, len(urls))
	for i := range urls {
		queue <- i
	}
	close(queue)

	results := make(chan assetResult, len(urls))

	workers := min(s.cfg.InstallConcurrency, len(urls))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go s.prefetchWorker(workCtx, urls, queue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	entries := make([]*cache.CacheEntry, len(urls))
	var firstErr error
	for result := range results {
		if result.err != nil {
			if firstErr == nil {
				firstErr = result.err
				cancel()
			}
			continue
		}
		entries[result.index] = result.entry
	}
	if firstErr != nil {
		return nil, firstErr
	}

	// Workers stop silently when the caller cancels.
	for i, entry := range entries {
		if entry == nil {
			return nil, &AssetFetchError{URL: urls[i].String(), Err: ctx.Err()}
		}
	}

	return entries, nil
}

// prefetchWorker processes asset indices from the queue.
func (s *Shim) prefetchWorker(ctx context.Context, urls []*url.URL, queue <-chan int, results chan<- assetResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	fetched := 0

	for i := range queue {
		select {
		case <-ctx.Done():
			s.logger.Debug().
				Int("worker_id", workerID).
				Int("assets_fetched", fetched).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		entry, err := s.fetchAsset(ctx, urls[i])
		results <- assetResult{index: i, entry: entry, err: err}
		if err != nil {
			return
		}
		fetched++
	}

	s.logger.Debug().
		Int("worker_id", workerID).
		Int("assets_fetched", fetched).
		Msg("Worker completed")
}

// fetchAsset fetches one asset. Only a 2xx response counts as success.
func (s *Shim) fetchAsset(ctx context.Context, u *url.URL) (*cache.CacheEntry, error) {
	if s.cfg.AssetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AssetTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &AssetFetchError{URL: u.String(), Err: err}
	}

	var resp *http.Response
	if rf, ok := s.net.(network.RetryingFetcher); ok {
		resp, err = rf.FetchWithRetry(ctx, req)
	} else {
		resp, err = s.net.Fetch(ctx, req)
	}
	if err != nil {
		fetchErr := &AssetFetchError{URL: u.String(), Err: err}
		var statusErr *network.StatusError
		if errors.As(err, &statusErr) {
			fetchErr.StatusCode = statusErr.StatusCode
		}
		return nil, fetchErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &AssetFetchError{URL: u.String(), StatusCode: resp.StatusCode}
	}

	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		return nil, &AssetFetchError{URL: u.String(), StatusCode: resp.StatusCode, Err: err}
	}
	entry.URL = cache.KeyFromURL(u).URL

	s.logger.Debug().
		Str("url", entry.URL).
		Int("status", entry.StatusCode).
		Msg("Asset fetched")

	return entry, nil
}
