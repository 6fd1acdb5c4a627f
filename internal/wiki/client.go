package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	atlaserrors "atlas/internal/errors"
	"atlas/internal/httpclient"
	"atlas/internal/logging"
	"atlas/internal/metrics"
)

// Page is one wiki page converted to markdown.
type Page struct {
	ID      string
	Title   string
	Content string // markdown
}

// Client fetches wiki pages over basic auth and converts their
// storage-format HTML to markdown in-process.
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
	converter  *md.Converter
	logger     logging.Logger
}

// NewClient builds a wiki client.
func NewClient(baseURL, user, password string, timeout time.Duration) *Client {
	logger := logging.NewComponentLogger("wiki")
	return &Client{
		baseURL:    baseURL,
		user:       user,
		password:   password,
		httpClient: httpclient.New(timeout, logger),
		converter:  md.NewConverter("", true, nil),
		logger:     logger,
	}
}

type pageRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
}

type pagesResponse struct {
	Results []pageRecord `json:"results"`
	Size    int          `json:"size"`
}

// ListPages fetches every page of one space, converting bodies to markdown.
// Pages whose HTML fails to convert are kept with empty content; the
// collector drops them.
func (c *Client) ListPages(ctx context.Context, spaceKey string) ([]Page, error) {
	q := url.Values{
		"spaceKey": {spaceKey},
		"expand":   {"body.storage"},
		"limit":    {"100"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/rest/api/content?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("wiki", "error").Inc()
		return nil, atlaserrors.Transient(err, 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read wiki response: %w", err)
	}
	metrics.UpstreamRequests.WithLabelValues("wiki", strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return nil, atlaserrors.FromHTTPStatus(resp.StatusCode, string(body))
	}

	var parsed pagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode wiki response: %w", err)
	}

	pages := make([]Page, 0, len(parsed.Results))
	for _, record := range parsed.Results {
		content, err := c.converter.ConvertString(record.Body.Storage.Value)
		if err != nil {
			c.logger.Warn("markdown conversion failed for page %s: %v", record.ID, err)
			content = ""
		}
		pages = append(pages, Page{ID: record.ID, Title: record.Title, Content: content})
	}
	return pages, nil
}
