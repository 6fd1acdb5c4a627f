package workspace

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"atlas/internal/async"
	atlaserrors "atlas/internal/errors"
	"atlas/internal/logging"
	"atlas/internal/store"
)

// Failure is one non-fatal per-item error recorded during a crawl.
type Failure struct {
	Path    string    `json:"path"`
	Stage   string    `json:"stage"` // list | metadata | export | job_runs
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Discovered is one notebook retained or skipped by the crawl.
type Discovered struct {
	Info   ObjectInfo
	Status store.NotebookStatus
}

// Crawler walks a workspace tree breadth-first and fetches notebook
// metadata with bounded concurrency.
type Crawler struct {
	client      *Client
	concurrency int64
	logger      logging.Logger

	mu       sync.Mutex
	failures []Failure
}

// NewCrawler builds a crawler over an authenticated workspace client.
func NewCrawler(client *Client, concurrency int, logger logging.Logger) *Crawler {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Crawler{
		client:      client,
		concurrency: int64(concurrency),
		logger:      logging.OrNop(logger),
	}
}

// Failures returns the per-item failures recorded so far.
func (c *Crawler) Failures() []Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Failure, len(c.failures))
	copy(out, c.failures)
	return out
}

func (c *Crawler) recordFailure(path, stage string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, Failure{
		Path: path, Stage: stage, Message: err.Error(), At: time.Now().UTC(),
	})
}

// ProgressFunc receives (discovered, listed-dirs) as the frontier evolves.
type ProgressFunc func(discovered, listedDirs int)

// Crawl walks the tree rooted at rootPath. Directory listings run serially
// because the frontier grows from their results; per-notebook metadata runs
// under the semaphore. Auth failures abort; everything else is recorded and
// passed over. Notebooks older than cutoff are kept as Skipped_Stale.
func (c *Crawler) Crawl(ctx context.Context, rootPath string, cutoff *time.Time, progress ProgressFunc) ([]Discovered, error) {
	var notebooks []ObjectInfo
	queue := []string{rootPath}
	listed := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := queue[0]
		queue = queue[1:]

		objects, err := c.client.ListPath(ctx, dir)
		if err != nil {
			if atlaserrors.IsFatal(err) {
				return nil, err
			}
			c.recordFailure(dir, "list", err)
			continue
		}
		listed++
		for _, obj := range objects {
			switch {
			case obj.IsDirectory():
				queue = append(queue, obj.Path)
			case obj.IsNotebook():
				notebooks = append(notebooks, obj)
			}
		}
		if progress != nil {
			progress(len(notebooks), listed)
		}
	}

	enriched, err := c.fetchMetadata(ctx, notebooks)
	if err != nil {
		return nil, err
	}

	out := make([]Discovered, 0, len(enriched))
	for _, info := range enriched {
		out = append(out, Discovered{Info: info, Status: freshness(info, cutoff)})
	}
	return out, nil
}

// fetchMetadata fills in timestamps for objects whose listing omitted them,
// fanning out under the semaphore.
func (c *Crawler) fetchMetadata(ctx context.Context, notebooks []ObjectInfo) ([]ObjectInfo, error) {
	sem := semaphore.NewWeighted(c.concurrency)
	out := make([]ObjectInfo, len(notebooks))
	fatal := make(chan error, 1)
	var wg sync.WaitGroup

	for i, info := range notebooks {
		if info.ModifiedAt > 0 {
			out[i] = info
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		i, info := i, info
		async.Go(c.logger, "crawl-metadata", func() {
			defer wg.Done()
			defer sem.Release(1)
			status, err := c.client.GetStatus(ctx, info.Path)
			if err != nil {
				if atlaserrors.IsFatal(err) {
					select {
					case fatal <- err:
					default:
					}
				} else {
					c.recordFailure(info.Path, "metadata", err)
				}
				out[i] = info
				return
			}
			out[i] = status
		})
	}
	wg.Wait()

	select {
	case err := <-fatal:
		return nil, err
	default:
	}
	return out, nil
}

// freshness keeps a notebook iff its modified time is unknown or at/after
// the cutoff.
func freshness(info ObjectInfo, cutoff *time.Time) store.NotebookStatus {
	if cutoff == nil {
		return store.NotebookProcessed
	}
	mod := info.ModifiedTime()
	if mod == nil || !mod.Before(*cutoff) {
		return store.NotebookProcessed
	}
	return store.NotebookSkippedStale
}

// ExportRetained exports source for every Processed notebook under the
// semaphore. Export failures are per-item.
func (c *Crawler) ExportRetained(ctx context.Context, discovered []Discovered) (map[string]string, error) {
	sem := semaphore.NewWeighted(c.concurrency)
	sources := make(map[string]string, len(discovered))
	var mu sync.Mutex
	fatal := make(chan error, 1)
	var wg sync.WaitGroup

	for _, d := range discovered {
		if d.Status != store.NotebookProcessed {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		d := d
		async.Go(c.logger, "crawl-export", func() {
			defer wg.Done()
			defer sem.Release(1)
			src, err := c.client.ExportSource(ctx, d.Info.Path)
			if err != nil {
				if atlaserrors.IsFatal(err) {
					select {
					case fatal <- err:
					default:
					}
				} else {
					c.recordFailure(d.Info.Path, "export", err)
				}
				return
			}
			mu.Lock()
			sources[d.Info.Path] = src
			mu.Unlock()
		})
	}
	wg.Wait()

	select {
	case err := <-fatal:
		return nil, err
	default:
	}
	return sources, nil
}
