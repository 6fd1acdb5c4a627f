package configapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	atlaserrors "atlas/internal/errors"
	"atlas/internal/httpclient"
	"atlas/internal/ids"
	"atlas/internal/logging"
	"atlas/internal/metrics"
)

// cookieAuthMarkers select the endpoints that authenticate with the session
// cookie instead of the bearer token.
var cookieAuthMarkers = []string{
	"/api/internal/",
	"/extended-fields/",
}

const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Credentials carries both auth modes; which one a request uses is decided
// per path, never mixed.
type Credentials struct {
	BearerToken   string
	CookieCT      string // session token cookie
	CookieOID     string // org id cookie
	OrgID         string
}

// CallResult tracks one individual request.
type CallResult struct {
	APIName       string `json:"api_name"`
	Status        string `json:"status"` // success | error
	HTTPStatus    int    `json:"http_status,omitempty"`
	ItemCount     int    `json:"item_count"`
	DurationMS    int64  `json:"duration_ms"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ResponseBytes int    `json:"response_bytes,omitempty"`
}

// Client fetches configuration objects from the loyalty platform.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient builds a platform client for one host.
func NewClient(baseURL string, creds Credentials, timeout time.Duration) *Client {
	logger := logging.NewComponentLogger("configapi")
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: httpclient.New(timeout, logger),
		logger:     logger,
	}
}

// UsesCookieAuth reports whether a path authenticates with the session
// cookie.
func UsesCookieAuth(path string) bool {
	for _, marker := range cookieAuthMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// BuildHeaders prepares the header map for one request. The map is built
// fresh per request; the bearer header is never present on a cookie-auth
// path and vice versa.
func BuildHeaders(path string, creds Credentials) http.Header {
	if UsesCookieAuth(path) {
		h := http.Header{}
		h.Set("Accept", "application/json")
		h.Set("Cookie", fmt.Sprintf("CT=%s; OID=%s", creds.CookieCT, creds.CookieOID))
		h.Set("X-Org-Id", creds.OrgID)
		h.Set("User-Agent", browserUserAgent)
		h.Set("X-Request-Id", ids.NewRequestID())
		return h
	}
	return bearerHeaders(creds)
}

func bearerHeaders(creds Credentials) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Authorization", "Bearer "+creds.BearerToken)
	return h
}

// Call executes one endpoint and returns its items plus the tracking record.
// The returned error is non-nil only for fatal auth failures on bearer
// paths; everything else is folded into the CallResult.
func (c *Client) Call(ctx context.Context, ep Endpoint, params map[string]string) ([]json.RawMessage, CallResult, error) {
	result := CallResult{APIName: ep.Name, Status: "error"}
	start := time.Now()
	finish := func() { result.DurationMS = time.Since(start).Milliseconds() }

	path, err := expandPath(ep.Path, params)
	if err != nil {
		finish()
		result.ErrorMessage = err.Error()
		return nil, result, nil
	}

	u := c.baseURL + path
	if len(ep.Query) > 0 {
		q := url.Values{}
		for k, v := range ep.Query {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}

	status, body, err := c.do(ctx, ep.Method, u, BuildHeaders(path, c.creds))
	if err != nil {
		finish()
		result.HTTPStatus = status
		result.ErrorMessage = err.Error()
		return nil, result, nil
	}

	// Session cookies go stale mid-run far more often than the token does;
	// a rejected cookie path gets one retry with bearer auth before the
	// call is recorded as failed. Each attempt carries exactly one header
	// set, never both.
	if atlaserrors.AuthStatus(status) && UsesCookieAuth(path) {
		c.logger.Warn("cookie auth rejected on %s (%d), retrying with bearer", ep.Name, status)
		status, body, err = c.do(ctx, ep.Method, u, bearerHeaders(c.creds))
		if err != nil {
			finish()
			result.HTTPStatus = status
			result.ErrorMessage = err.Error()
			return nil, result, nil
		}
	}

	finish()
	result.HTTPStatus = status
	result.ResponseBytes = len(body)

	if atlaserrors.AuthStatus(status) && !UsesCookieAuth(path) {
		result.ErrorMessage = fmt.Sprintf("auth rejected (%d)", status)
		return nil, result, atlaserrors.Fatal(fmt.Errorf("bearer auth rejected on %s: %d", ep.Name, status), status)
	}
	if status < 200 || status >= 300 {
		result.ErrorMessage = fmt.Sprintf("status %d: %s", status, firstBytes(body, 200))
		return nil, result, nil
	}

	items, err := extractItems(body, ep.ItemsKey)
	if err != nil {
		result.ErrorMessage = err.Error()
		return nil, result, nil
	}
	result.Status = "success"
	result.ItemCount = len(items)
	result.ErrorMessage = ""
	return items, result, nil
}

// do executes one request with the given header set and returns the status
// and body. Metrics are recorded per attempt.
func (c *Client) do(ctx context.Context, method, u string, headers http.Header) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header = headers

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("configapi", "error").Inc()
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	metrics.UpstreamRequests.WithLabelValues("configapi", strconv.Itoa(resp.StatusCode)).Inc()
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// ResolveProgramID fetches the programs list and returns the first record's
// id. Categories that need program_id call this when the caller omitted it.
func (c *Client) ResolveProgramID(ctx context.Context) (string, error) {
	items, result, err := c.Call(ctx, endpointTables[CategoryLoyalty][0], nil)
	if err != nil {
		return "", err
	}
	if result.Status != "success" || len(items) == 0 {
		return "", fmt.Errorf("cannot auto-resolve program_id: %s", result.ErrorMessage)
	}
	var record struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(items[0], &record); err != nil {
		return "", fmt.Errorf("programs record has no id: %w", err)
	}
	return record.ID.String(), nil
}

func expandPath(template string, params map[string]string) (string, error) {
	out := template
	for strings.Contains(out, "{") {
		start := strings.IndexByte(out, '{')
		end := strings.IndexByte(out, '}')
		if end < start {
			return "", fmt.Errorf("malformed path template %q", template)
		}
		key := out[start+1 : end]
		val, ok := params[key]
		if !ok || val == "" {
			return "", fmt.Errorf("missing required parameter %q", key)
		}
		out = out[:start] + url.PathEscape(val) + out[end+1:]
	}
	return out, nil
}

// extractItems pulls the item list out of a response body: a top-level
// array, the declared items key, or a single object treated as one item.
func extractItems(body []byte, itemsKey string) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var arr []json.RawMessage
		if err := json.Unmarshal(body, &arr); err != nil {
			return nil, fmt.Errorf("decode response array: %w", err)
		}
		return arr, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode response object: %w", err)
	}
	if itemsKey != "" {
		if raw, ok := obj[itemsKey]; ok {
			var arr []json.RawMessage
			if err := json.Unmarshal(raw, &arr); err == nil {
				return arr, nil
			}
			return []json.RawMessage{raw}, nil
		}
	}
	for _, fallback := range []string{"data", "items", "results"} {
		if raw, ok := obj[fallback]; ok {
			var arr []json.RawMessage
			if err := json.Unmarshal(raw, &arr); err == nil {
				return arr, nil
			}
		}
	}
	return []json.RawMessage{json.RawMessage(body)}, nil
}

func firstBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
