package workspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	atlaserrors "atlas/internal/errors"
	"atlas/internal/httpclient"
	"atlas/internal/logging"
	"atlas/internal/metrics"
)

// Client talks to the data-platform workspace REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      atlaserrors.RetryConfig
	logger     logging.Logger
}

// NewClient builds a workspace client for one host.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	logger := logging.NewComponentLogger("workspace")
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpclient.New(timeout, logger),
		retry:      atlaserrors.UpstreamRetryConfig(),
		logger:     logger,
	}
}

// ObjectInfo is one workspace object from a directory listing.
type ObjectInfo struct {
	Path       string `json:"path"`
	ObjectType string `json:"object_type"` // DIRECTORY | NOTEBOOK | FILE
	Language   string `json:"language"`
	CreatedAt  int64  `json:"created_at"`  // epoch millis
	ModifiedAt int64  `json:"modified_at"` // epoch millis
}

// IsDirectory reports whether the object is traversable.
func (o ObjectInfo) IsDirectory() bool { return o.ObjectType == "DIRECTORY" }

// IsNotebook reports whether the object holds exportable source.
func (o ObjectInfo) IsNotebook() bool { return o.ObjectType == "NOTEBOOK" }

// ModifiedTime converts the epoch-millis timestamp, nil when absent.
func (o ObjectInfo) ModifiedTime() *time.Time {
	return millisTime(o.ModifiedAt)
}

// CreatedTime converts the epoch-millis timestamp, nil when absent.
func (o ObjectInfo) CreatedTime() *time.Time {
	return millisTime(o.CreatedAt)
}

func millisTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// get issues one GET with retries on transient upstream status. 401/403 is
// fatal and never retried.
func (c *Client) get(ctx context.Context, apiPath string, query url.Values, out any) error {
	_, err := atlaserrors.RetryWithResultAndLog(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.getOnce(ctx, apiPath, query, out)
	}, c.logger)
	return err
}

func (c *Client) getOnce(ctx context.Context, apiPath string, query url.Values, out any) error {
	u := c.baseURL + apiPath
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("workspace", "error").Inc()
		return atlaserrors.Transient(err, 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return fmt.Errorf("read workspace response: %w", err)
	}
	metrics.UpstreamRequests.WithLabelValues("workspace", strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return atlaserrors.FromHTTPStatus(resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

type listResponse struct {
	Objects []ObjectInfo `json:"objects"`
}

// ListPath lists one directory. Directory listings are the BFS frontier and
// are always called serially.
func (c *Client) ListPath(ctx context.Context, path string) ([]ObjectInfo, error) {
	var out listResponse
	q := url.Values{"path": {path}}
	if err := c.get(ctx, "/api/2.0/workspace/list", q, &out); err != nil {
		return nil, err
	}
	return out.Objects, nil
}

// GetStatus fetches metadata for a single object.
func (c *Client) GetStatus(ctx context.Context, path string) (ObjectInfo, error) {
	var out ObjectInfo
	q := url.Values{"path": {path}}
	err := c.get(ctx, "/api/2.0/workspace/get-status", q, &out)
	return out, err
}

type exportResponse struct {
	Content string `json:"content"`
}

// ExportSource exports one notebook in SOURCE format and decodes its
// base64-encoded content.
func (c *Client) ExportSource(ctx context.Context, path string) (string, error) {
	var out exportResponse
	q := url.Values{"path": {path}, "format": {"SOURCE"}}
	if err := c.get(ctx, "/api/2.0/workspace/export", q, &out); err != nil {
		return "", err
	}
	decoded, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return "", fmt.Errorf("decode notebook %s: %w", path, err)
	}
	return string(decoded), nil
}

// Job is one job definition from the jobs list.
type Job struct {
	JobID    int64       `json:"job_id"`
	Settings JobSettings `json:"settings"`
}

// JobSettings carries the fields the enrichment needs from both the
// single-notebook-task and multi-task job shapes.
type JobSettings struct {
	Name         string        `json:"name"`
	Schedule     *JobSchedule  `json:"schedule,omitempty"`
	NotebookTask *NotebookTask `json:"notebook_task,omitempty"`
	Tasks        []JobTask     `json:"tasks,omitempty"`
}

type JobSchedule struct {
	QuartzCronExpression string `json:"quartz_cron_expression"`
}

type JobTask struct {
	NotebookTask *NotebookTask `json:"notebook_task,omitempty"`
}

type NotebookTask struct {
	NotebookPath string `json:"notebook_path"`
}

// NotebookPaths returns every notebook path the job executes, covering both
// task shapes.
func (j Job) NotebookPaths() []string {
	var paths []string
	if j.Settings.NotebookTask != nil && j.Settings.NotebookTask.NotebookPath != "" {
		paths = append(paths, j.Settings.NotebookTask.NotebookPath)
	}
	for _, task := range j.Settings.Tasks {
		if task.NotebookTask != nil && task.NotebookTask.NotebookPath != "" {
			paths = append(paths, task.NotebookTask.NotebookPath)
		}
	}
	return paths
}

// HasSchedule reports whether the job runs on a cron schedule.
func (j Job) HasSchedule() bool { return j.Settings.Schedule != nil }

const jobsPageSize = 25

type jobsListResponse struct {
	Jobs    []Job `json:"jobs"`
	HasMore bool  `json:"has_more"`
}

// ListAllJobs pages through the jobs list, 25 per page.
func (c *Client) ListAllJobs(ctx context.Context) ([]Job, error) {
	var all []Job
	offset := 0
	for {
		var page jobsListResponse
		q := url.Values{
			"limit":  {strconv.Itoa(jobsPageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		if err := c.get(ctx, "/api/2.1/jobs/list", q, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Jobs...)
		if !page.HasMore || len(page.Jobs) == 0 {
			return all, nil
		}
		offset += len(page.Jobs)
	}
}

// JobRun is one historical run of a job.
type JobRun struct {
	RunID     int64    `json:"run_id"`
	StartTime int64    `json:"start_time"` // epoch millis
	State     RunState `json:"state"`
	Trigger   string   `json:"trigger"` // PERIODIC | ONE_TIME | RETRY
}

type RunState struct {
	ResultState string `json:"result_state"` // SUCCESS | FAILED | ...
}

type runsListResponse struct {
	Runs []JobRun `json:"runs"`
}

// ListJobRuns fetches the most recent 25 runs of one job, newest first.
func (c *Client) ListJobRuns(ctx context.Context, jobID int64) ([]JobRun, error) {
	var out runsListResponse
	q := url.Values{
		"job_id": {strconv.FormatInt(jobID, 10)},
		"limit":  {strconv.Itoa(jobsPageSize)},
	}
	if err := c.get(ctx, "/api/2.1/jobs/runs/list", q, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}
