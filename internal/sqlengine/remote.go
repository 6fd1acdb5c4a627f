package sqlengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	atlaserrors "atlas/internal/errors"
	"atlas/internal/httpclient"
	"atlas/internal/logging"
)

// RemoteEngine talks to the external SQL parsing service over HTTP. The
// service owns dialect handling; this client only moves JSON.
type RemoteEngine struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewRemoteEngine builds a client for the parsing service.
func NewRemoteEngine(baseURL string, timeout time.Duration) *RemoteEngine {
	logger := logging.NewComponentLogger("sql-engine")
	return &RemoteEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpclient.NewWithCircuitBreaker(timeout, logger, "sql-engine"),
		logger:     logger,
	}
}

type parseRequest struct {
	SQL     string  `json:"sql"`
	Dialect Dialect `json:"dialect"`
}

func (e *RemoteEngine) post(ctx context.Context, path string, req parseRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return atlaserrors.Transient(err, 0)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return fmt.Errorf("read engine response: %w", err)
	}
	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest {
		// Parse rejections are item-level, never retried.
		return &atlaserrors.ItemError{Item: "sql", Err: fmt.Errorf("engine rejected statement: %s", string(respBody))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return atlaserrors.FromHTTPStatus(resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

// Parse decomposes one statement.
func (e *RemoteEngine) Parse(ctx context.Context, sql string, dialect Dialect) (*Statement, error) {
	var stmt Statement
	if err := e.post(ctx, "/v1/parse", parseRequest{SQL: NormalizePlaceholders(sql), Dialect: dialect}, &stmt); err != nil {
		return nil, err
	}
	return &stmt, nil
}

type textResponse struct {
	SQL string `json:"sql"`
}

// Canonical returns the canonical pretty-printed form.
func (e *RemoteEngine) Canonical(ctx context.Context, sql string, dialect Dialect) (string, error) {
	var out textResponse
	if err := e.post(ctx, "/v1/canonical", parseRequest{SQL: NormalizePlaceholders(sql), Dialect: dialect}, &out); err != nil {
		return "", err
	}
	return out.SQL, nil
}

// Format validates and formats one statement.
func (e *RemoteEngine) Format(ctx context.Context, sql string, dialect Dialect) (string, error) {
	var out textResponse
	if err := e.post(ctx, "/v1/format", parseRequest{SQL: NormalizePlaceholders(sql), Dialect: dialect}, &out); err != nil {
		return "", err
	}
	return out.SQL, nil
}

var _ Engine = (*RemoteEngine)(nil)
