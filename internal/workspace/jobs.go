package workspace

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"atlas/internal/async"
	atlaserrors "atlas/internal/errors"
	"atlas/internal/store"
)

// jobRef is one job backing a notebook path.
type jobRef struct {
	jobID       int64
	jobName     string
	hasSchedule bool
}

// JobAssociation is the aggregated job info attached to one notebook.
type JobAssociation struct {
	JobIDs             string // comma-joined unique ids
	JobName            string
	ConsecutiveSuccess int
	EarliestRunDate    *time.Time
	Trigger            store.TriggerType
	HasJobs            bool
}

// EnrichJobs associates discovered notebooks with the jobs that run them.
// One paginated listing builds the path map; run history is fetched per
// unique backing job under the semaphore.
func (c *Crawler) EnrichJobs(ctx context.Context, paths []string) (map[string]JobAssociation, error) {
	jobs, err := c.client.ListAllJobs(ctx)
	if err != nil {
		if atlaserrors.IsFatal(err) {
			return nil, err
		}
		c.recordFailure("", "job_runs", err)
		return map[string]JobAssociation{}, nil
	}

	byPath := make(map[string][]jobRef)
	for _, job := range jobs {
		ref := jobRef{jobID: job.JobID, jobName: job.Settings.Name, hasSchedule: job.HasSchedule()}
		for _, p := range job.NotebookPaths() {
			byPath[p] = append(byPath[p], ref)
		}
	}

	// Only jobs that back a discovered notebook get their history fetched.
	needed := make(map[int64]bool)
	for _, p := range paths {
		for _, ref := range byPath[p] {
			needed[ref.jobID] = true
		}
	}
	histories, err := c.fetchRunHistories(ctx, needed)
	if err != nil {
		return nil, err
	}

	out := make(map[string]JobAssociation, len(paths))
	for _, p := range paths {
		refs := byPath[p]
		if len(refs) == 0 {
			continue
		}
		out[p] = aggregate(refs, histories)
	}
	return out, nil
}

func (c *Crawler) fetchRunHistories(ctx context.Context, jobIDs map[int64]bool) (map[int64][]JobRun, error) {
	sem := semaphore.NewWeighted(c.concurrency)
	histories := make(map[int64][]JobRun, len(jobIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for jobID := range jobIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		jobID := jobID
		async.Go(c.logger, "job-history", func() {
			defer wg.Done()
			defer sem.Release(1)
			runs, err := c.client.ListJobRuns(ctx, jobID)
			if err != nil {
				c.recordFailure(strconv.FormatInt(jobID, 10), "job_runs", err)
				return
			}
			mu.Lock()
			histories[jobID] = runs
			mu.Unlock()
		})
	}
	wg.Wait()
	return histories, nil
}

func aggregate(refs []jobRef, histories map[int64][]JobRun) JobAssociation {
	assoc := JobAssociation{HasJobs: true}

	seen := make(map[int64]bool)
	var ids []string
	anySchedule := false
	for _, ref := range refs {
		if seen[ref.jobID] {
			continue
		}
		seen[ref.jobID] = true
		ids = append(ids, strconv.FormatInt(ref.jobID, 10))
		if assoc.JobName == "" {
			assoc.JobName = ref.jobName
		}
		anySchedule = anySchedule || ref.hasSchedule
	}
	assoc.JobIDs = strings.Join(ids, ",")

	var runs []JobRun
	for id := range seen {
		runs = append(runs, histories[id]...)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime > runs[j].StartTime })

	anyPeriodic := false
	for _, run := range runs {
		if t := millisTime(run.StartTime); t != nil {
			if assoc.EarliestRunDate == nil || t.Before(*assoc.EarliestRunDate) {
				assoc.EarliestRunDate = t
			}
		}
		if run.Trigger == "PERIODIC" {
			anyPeriodic = true
		}
	}

	// Newest-first consecutive successes before the first non-success.
	for _, run := range runs {
		if run.State.ResultState != "SUCCESS" {
			break
		}
		assoc.ConsecutiveSuccess++
	}

	switch {
	case anySchedule || anyPeriodic:
		assoc.Trigger = store.TriggerPeriodic
	case len(runs) > 0:
		assoc.Trigger = store.TriggerOneTime
	}
	return assoc
}
