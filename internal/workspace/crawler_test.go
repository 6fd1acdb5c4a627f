package workspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/store"
)

type fakeWorkspace struct {
	listings map[string][]ObjectInfo
	sources  map[string]string
	status   map[string]ObjectInfo
	failList map[string]int // path -> HTTP status to return
}

func (f *fakeWorkspace) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/2.0/workspace/list":
			path := r.URL.Query().Get("path")
			if code, ok := f.failList[path]; ok {
				http.Error(w, "denied", code)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"objects": f.listings[path]})
		case "/api/2.0/workspace/get-status":
			path := r.URL.Query().Get("path")
			_ = json.NewEncoder(w).Encode(f.status[path])
		case "/api/2.0/workspace/export":
			path := r.URL.Query().Get("path")
			src, ok := f.sources[path]
			if !ok {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{
				"content": base64.StdEncoding.EncodeToString([]byte(src)),
			})
		default:
			http.Error(w, "unexpected path "+r.URL.Path, http.StatusNotFound)
		}
	})
}

func notebook(path string, modified int64) ObjectInfo {
	return ObjectInfo{Path: path, ObjectType: "NOTEBOOK", Language: "PYTHON", ModifiedAt: modified}
}

func directory(path string) ObjectInfo {
	return ObjectInfo{Path: path, ObjectType: "DIRECTORY"}
}

func TestExportSourceDecodesBase64(t *testing.T) {
	fake := &fakeWorkspace{sources: map[string]string{"/r/nb": "print('hi')"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewClient(srv.URL, "tok", time.Second)
	src, err := c.ExportSource(context.Background(), "/r/nb")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", src)
}

func TestCrawlWalksTreeAndAppliesCutoff(t *testing.T) {
	cutoff := time.UnixMilli(5000).UTC()
	fake := &fakeWorkspace{
		listings: map[string][]ObjectInfo{
			"/r": {
				directory("/r/sub"),
				notebook("/r/fresh", 9000),
				notebook("/r/stale", 1000),
			},
			"/r/sub": {notebook("/r/sub/unknown", 0)},
		},
		status: map[string]ObjectInfo{
			"/r/sub/unknown": notebook("/r/sub/unknown", 8000),
		},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	crawler := NewCrawler(NewClient(srv.URL, "tok", time.Second), 2, nil)
	var lastDiscovered, lastListed int
	discovered, err := crawler.Crawl(context.Background(), "/r", &cutoff, func(d, l int) {
		lastDiscovered, lastListed = d, l
	})
	require.NoError(t, err)
	require.Len(t, discovered, 3)
	assert.Equal(t, 3, lastDiscovered)
	assert.Equal(t, 2, lastListed)

	statuses := make(map[string]store.NotebookStatus)
	for _, d := range discovered {
		statuses[d.Info.Path] = d.Status
	}
	assert.Equal(t, store.NotebookProcessed, statuses["/r/fresh"])
	assert.Equal(t, store.NotebookSkippedStale, statuses["/r/stale"])
	// Metadata fetch filled in a timestamp at or after the cutoff.
	assert.Equal(t, store.NotebookProcessed, statuses["/r/sub/unknown"])
	assert.Empty(t, crawler.Failures())
}

func TestCrawlRecordsListFailureAndContinues(t *testing.T) {
	fake := &fakeWorkspace{
		listings: map[string][]ObjectInfo{
			"/r": {directory("/r/bad"), notebook("/r/nb", 100)},
		},
		failList: map[string]int{"/r/bad": http.StatusNotFound},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	crawler := NewCrawler(NewClient(srv.URL, "tok", time.Second), 2, nil)
	discovered, err := crawler.Crawl(context.Background(), "/r", nil, nil)
	require.NoError(t, err)
	assert.Len(t, discovered, 1)

	failures := crawler.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "/r/bad", failures[0].Path)
	assert.Equal(t, "list", failures[0].Stage)
}

func TestCrawlAbortsOnAuthRejection(t *testing.T) {
	fake := &fakeWorkspace{failList: map[string]int{"/r": http.StatusUnauthorized}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	crawler := NewCrawler(NewClient(srv.URL, "tok", time.Second), 2, nil)
	_, err := crawler.Crawl(context.Background(), "/r", nil, nil)
	require.Error(t, err)
}

func TestExportRetainedSkipsStale(t *testing.T) {
	fake := &fakeWorkspace{sources: map[string]string{"/r/keep": "SELECT 1"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	crawler := NewCrawler(NewClient(srv.URL, "tok", time.Second), 2, nil)
	discovered := []Discovered{
		{Info: notebook("/r/keep", 100), Status: store.NotebookProcessed},
		{Info: notebook("/r/old", 100), Status: store.NotebookSkippedStale},
	}
	sources, err := crawler.ExportRetained(context.Background(), discovered)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "SELECT 1", sources["/r/keep"])
}

func TestFreshness(t *testing.T) {
	cutoff := time.UnixMilli(5000).UTC()
	assert.Equal(t, store.NotebookProcessed, freshness(notebook("/a", 9000), &cutoff))
	assert.Equal(t, store.NotebookProcessed, freshness(notebook("/a", 5000), &cutoff))
	assert.Equal(t, store.NotebookSkippedStale, freshness(notebook("/a", 1000), &cutoff))
	assert.Equal(t, store.NotebookProcessed, freshness(notebook("/a", 0), &cutoff))
	assert.Equal(t, store.NotebookProcessed, freshness(notebook("/a", 1000), nil))
}

func TestListAllJobsPaginates(t *testing.T) {
	const total = 26
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/2.1/jobs/list", r.URL.Path)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		assert.Equal(t, 25, limit)

		var jobs []Job
		for i := offset; i < total && i < offset+limit; i++ {
			jobs = append(jobs, Job{JobID: int64(i + 1)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jobs":     jobs,
			"has_more": offset+len(jobs) < total,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", time.Second)
	jobs, err := c.ListAllJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, total)
	assert.Equal(t, int64(26), jobs[25].JobID)
}

func TestAggregate(t *testing.T) {
	refs := []jobRef{
		{jobID: 1, jobName: "daily-load", hasSchedule: true},
		{jobID: 2, jobName: "adhoc"},
		{jobID: 1, jobName: "daily-load", hasSchedule: true}, // duplicate
	}
	histories := map[int64][]JobRun{
		1: {
			{StartTime: 300, State: RunState{ResultState: "SUCCESS"}, Trigger: "PERIODIC"},
			{StartTime: 200, State: RunState{ResultState: "SUCCESS"}, Trigger: "PERIODIC"},
		},
		2: {
			{StartTime: 250, State: RunState{ResultState: "FAILED"}, Trigger: "ONE_TIME"},
			{StartTime: 100, State: RunState{ResultState: "SUCCESS"}, Trigger: "ONE_TIME"},
		},
	}

	assoc := aggregate(refs, histories)
	assert.True(t, assoc.HasJobs)
	assert.Equal(t, "1,2", assoc.JobIDs)
	assert.Equal(t, "daily-load", assoc.JobName)
	// Newest-first: 300 SUCCESS, then 250 FAILED stops the streak.
	assert.Equal(t, 1, assoc.ConsecutiveSuccess)
	require.NotNil(t, assoc.EarliestRunDate)
	assert.Equal(t, time.UnixMilli(100).UTC(), *assoc.EarliestRunDate)
	assert.Equal(t, store.TriggerPeriodic, assoc.Trigger)
}

func TestAggregateOneTime(t *testing.T) {
	refs := []jobRef{{jobID: 5, jobName: "backfill"}}
	histories := map[int64][]JobRun{
		5: {{StartTime: 10, State: RunState{ResultState: "SUCCESS"}, Trigger: "ONE_TIME"}},
	}
	assoc := aggregate(refs, histories)
	assert.Equal(t, store.TriggerOneTime, assoc.Trigger)
	assert.Equal(t, 1, assoc.ConsecutiveSuccess)
}

func TestEnrichJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/2.1/jobs/list":
			fmt.Fprint(w, `{"jobs":[{"job_id":1,"settings":{"name":"daily","schedule":{"quartz_cron_expression":"0 0 * * * ?"},"notebook_task":{"notebook_path":"/a"}}}],"has_more":false}`)
		case "/api/2.1/jobs/runs/list":
			assert.Equal(t, "1", r.URL.Query().Get("job_id"))
			fmt.Fprint(w, `{"runs":[{"run_id":9,"start_time":1000,"state":{"result_state":"SUCCESS"},"trigger":"PERIODIC"}]}`)
		default:
			http.Error(w, "unexpected", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	crawler := NewCrawler(NewClient(srv.URL, "tok", time.Second), 2, nil)
	assocs, err := crawler.EnrichJobs(context.Background(), []string{"/a", "/unbacked"})
	require.NoError(t, err)
	require.Len(t, assocs, 1)

	assoc := assocs["/a"]
	assert.True(t, assoc.HasJobs)
	assert.Equal(t, "1", assoc.JobIDs)
	assert.Equal(t, "daily", assoc.JobName)
	assert.Equal(t, 1, assoc.ConsecutiveSuccess)
	assert.Equal(t, store.TriggerPeriodic, assoc.Trigger)
}

func TestJobNotebookPaths(t *testing.T) {
	j := Job{Settings: JobSettings{
		NotebookTask: &NotebookTask{NotebookPath: "/a"},
		Tasks: []JobTask{
			{NotebookTask: &NotebookTask{NotebookPath: "/b"}},
			{},
		},
	}}
	assert.Equal(t, []string{"/a", "/b"}, j.NotebookPaths())
}
