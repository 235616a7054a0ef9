package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// fanOut runs fetch for every job with at most workers calls in flight.
// Results are returned in job order, not completion order. The first error
// cancels the remaining work and is returned.
func fanOut[J any, R any](ctx context.Context, logger *zap.Logger, workers int, jobs []J, fetch func(ctx context.Context, job J) (R, error)) ([]R, error) {
	total := len(jobs)
	results := make([]R, total)
	if total == 0 {
		return results, nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > total {
		workers = total
	}

	// Create a channel to send job indexes to workers
	jobsChan := make(chan int, total)
	for i := range jobs {
		jobsChan <- i
	}
	close(jobsChan)

	// Create a context with cancellation for all workers
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	// Progress is logged at most every 5 seconds
	var progressMutex sync.Mutex
	processed := 0
	lastProgressUpdate := time.Now()
	progressInterval := 5 * time.Second

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for idx := range jobsChan {
				if workerCtx.Err() != nil {
					return
				}

				result, err := fetch(workerCtx, jobs[idx])
				if err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancelWorkers()
					})
					return
				}
				results[idx] = result

				progressMutex.Lock()
				processed++
				if processed == total || time.Since(lastProgressUpdate) >= progressInterval {
					logger.Debug("fan-out progress",
						zap.Int("done", processed),
						zap.Int("total", total))
					lastProgressUpdate = time.Now()
				}
				progressMutex.Unlock()
			}
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
