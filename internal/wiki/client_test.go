package wiki

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	atlaserrors "atlas/internal/errors"
)

func TestListPagesConvertsHTML(t *testing.T) {
	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"results": [
				{"id": "101", "title": "Runbook", "body": {"storage": {"value": "<h1>Runbook</h1><p>Restart the <strong>ingest</strong> worker.</p>"}}},
				{"id": "102", "title": "Empty", "body": {"storage": {"value": ""}}}
			],
			"size": 2
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "svc", "secret", 5*time.Second)
	pages, err := c.ListPages(context.Background(), "OPS")
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, "/rest/api/content", seen.URL.Path)
	assert.Equal(t, "OPS", seen.URL.Query().Get("spaceKey"))
	assert.Equal(t, "body.storage", seen.URL.Query().Get("expand"))
	user, pass, ok := seen.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "svc", user)
	assert.Equal(t, "secret", pass)

	require.Len(t, pages, 2)
	assert.Equal(t, Page{ID: "102", Title: "Empty", Content: ""}, pages[1])
	assert.Equal(t, "101", pages[0].ID)
	assert.Contains(t, pages[0].Content, "# Runbook")
	assert.Contains(t, pages[0].Content, "**ingest**")
}

func TestListPagesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance window", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "svc", "secret", 5*time.Second)
	_, err := c.ListPages(context.Background(), "OPS")
	require.Error(t, err)
	assert.True(t, atlaserrors.IsTransient(err))
}

func TestListPagesBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>login page</html>"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "svc", "secret", 5*time.Second)
	_, err := c.ListPages(context.Background(), "OPS")
	assert.ErrorContains(t, err, "decode wiki response")
}
