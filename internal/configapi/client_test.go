package configapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	atlaserrors "atlas/internal/errors"
)

func testCreds() Credentials {
	return Credentials{
		BearerToken: "bearer-tok",
		CookieCT:    "ct-tok",
		CookieOID:   "oid-tok",
		OrgID:       "org-9",
	}
}

func TestBuildHeadersNeverMixesAuthModes(t *testing.T) {
	creds := testCreds()
	for _, ep := range AllEndpoints() {
		h := BuildHeaders(ep.Path, creds)
		hasCookie := h.Get("Cookie") != ""
		hasBearer := h.Get("Authorization") != ""
		assert.False(t, hasCookie && hasBearer, "both auth modes on %s", ep.Path)
		assert.True(t, hasCookie || hasBearer, "no auth mode on %s", ep.Path)
	}
}

func TestBuildHeadersCookiePath(t *testing.T) {
	h := BuildHeaders("/api/internal/org-settings", testCreds())
	assert.Equal(t, "CT=ct-tok; OID=oid-tok", h.Get("Cookie"))
	assert.Equal(t, "org-9", h.Get("X-Org-Id"))
	assert.Contains(t, h.Get("User-Agent"), "Mozilla/5.0")
	assert.NotEmpty(t, h.Get("X-Request-Id"))
	assert.Empty(t, h.Get("Authorization"))
}

func TestBuildHeadersBearerPath(t *testing.T) {
	h := BuildHeaders("/api/v1/promotions", testCreds())
	assert.Equal(t, "Bearer bearer-tok", h.Get("Authorization"))
	assert.Empty(t, h.Get("Cookie"))
	assert.Empty(t, h.Get("X-Org-Id"))
}

func TestUsesCookieAuth(t *testing.T) {
	assert.True(t, UsesCookieAuth("/api/internal/org-settings"))
	assert.True(t, UsesCookieAuth("/api/v1/extended-fields/definitions"))
	assert.False(t, UsesCookieAuth("/api/v1/loyalty/programs"))
}

func TestNeedsProgramID(t *testing.T) {
	byName := make(map[string]Endpoint)
	for _, ep := range AllEndpoints() {
		byName[ep.Name] = ep
	}
	assert.True(t, byName["loyalty_tiers"].NeedsProgramID())
	assert.False(t, byName["loyalty_programs"].NeedsProgramID())
}

func TestExpandPath(t *testing.T) {
	out, err := expandPath("/api/v1/loyalty/programs/{program_id}/tiers", map[string]string{"program_id": "42"})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/loyalty/programs/42/tiers", out)

	out, err = expandPath("/api/v1/promotions", nil)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/promotions", out)

	_, err = expandPath("/p/{program_id}/x", map[string]string{})
	assert.ErrorContains(t, err, "program_id")

	out, err = expandPath("/p/{id}", map[string]string{"id": "a b"})
	require.NoError(t, err)
	assert.Equal(t, "/p/a%20b", out)
}

func TestExtractItems(t *testing.T) {
	items, err := extractItems([]byte(`[{"a":1},{"a":2}]`), "")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = extractItems([]byte(`{"programs":[{"id":1}]}`), "programs")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// Items key holding a single object counts as one item.
	items, err = extractItems([]byte(`{"programs":{"id":1}}`), "programs")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// Fallback keys.
	items, err = extractItems([]byte(`{"data":[{"id":1},{"id":2},{"id":3}]}`), "missing")
	require.NoError(t, err)
	assert.Len(t, items, 3)

	// Plain object becomes one item.
	items, err = extractItems([]byte(`{"id":1}`), "")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = extractItems([]byte(`not json`), "")
	assert.Error(t, err)
}

func TestParamSchemaDedupes(t *testing.T) {
	specs := ParamSchema(CategoryLoyalty)
	require.Len(t, specs, 1)
	assert.Equal(t, "program_id", specs[0].Key)
	assert.True(t, specs[0].Required)

	assert.Empty(t, ParamSchema(CategoryPromotions))
}

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/promotions", r.URL.Path)
		assert.Equal(t, "Bearer bearer-tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"promotions":[{"id":1},{"id":2}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCreds(), time.Second)
	ep := Endpoint{Name: "promotions", Method: "GET", Path: "/api/v1/promotions", ItemsKey: "promotions"}
	items, result, err := c.Call(context.Background(), ep, nil)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 2, result.ItemCount)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
}

func TestCallServerErrorIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCreds(), time.Second)
	ep := Endpoint{Name: "promotions", Method: "GET", Path: "/api/v1/promotions", ItemsKey: "promotions"}
	_, result, err := c.Call(context.Background(), ep, nil)
	require.NoError(t, err)
	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.ErrorMessage, "status 500")
}

func TestCallBearerAuthRejectionIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCreds(), time.Second)
	ep := Endpoint{Name: "promotions", Method: "GET", Path: "/api/v1/promotions"}
	_, result, err := c.Call(context.Background(), ep, nil)
	require.Error(t, err)
	assert.True(t, atlaserrors.IsFatal(err))
	assert.Equal(t, "error", result.Status)
}

func TestCallCookieAuthRejectionIsNotFatal(t *testing.T) {
	var attempts []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts = append(attempts, r.Header.Clone())
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCreds(), time.Second)
	ep := Endpoint{Name: "org_settings", Method: "GET", Path: "/api/internal/org-settings"}
	_, result, err := c.Call(context.Background(), ep, nil)
	require.NoError(t, err)
	assert.Equal(t, "error", result.Status)

	// Cookie rejection earns one bearer retry; neither attempt mixes modes.
	require.Len(t, attempts, 2)
	assert.NotEmpty(t, attempts[0].Get("Cookie"))
	assert.Empty(t, attempts[0].Get("Authorization"))
	assert.Equal(t, "Bearer bearer-tok", attempts[1].Get("Authorization"))
	assert.Empty(t, attempts[1].Get("Cookie"))
}

func TestCallCookieAuthFallsBackToBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "" {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer bearer-tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"settings":[{"id":1}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCreds(), time.Second)
	ep := Endpoint{Name: "org_settings", Method: "GET", Path: "/api/internal/org-settings", ItemsKey: "settings"}
	items, result, err := c.Call(context.Background(), ep, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.Len(t, items, 1)
}

func TestFetchCategoryContinuesPastFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/promotions":
			fmt.Fprint(w, `{"promotions":[{"id":1}]}`)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCreds(), time.Second)
	result, err := c.FetchCategory(context.Background(), CategoryPromotions, nil)
	require.NoError(t, err)
	assert.Len(t, result.Calls, 2)
	assert.Len(t, result.Items, 1)
	assert.Equal(t, 1, result.ItemCount())
}

func TestFetchCategoryResolvesProgramID(t *testing.T) {
	var tierPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/loyalty/programs":
			fmt.Fprint(w, `{"programs":[{"id":7,"name":"core"}]}`)
		case r.URL.Path == "/api/v1/loyalty/currencies":
			fmt.Fprint(w, `{"currencies":[]}`)
		default:
			tierPath = r.URL.Path
			fmt.Fprint(w, `{"tiers":[],"rules":[],"rewards":[]}`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCreds(), time.Second)
	result, err := c.FetchCategory(context.Background(), CategoryLoyalty, nil)
	require.NoError(t, err)
	assert.Len(t, result.Calls, len(EndpointsFor(CategoryLoyalty)))
	assert.Contains(t, tierPath, "/programs/7/")
}

func TestFetchAllAbortsOnFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testCreds(), time.Second)
	var phases []Category
	results, err := c.FetchAll(context.Background(), nil, func(category Category, done, total int) {
		phases = append(phases, category)
	})
	require.Error(t, err)
	assert.True(t, atlaserrors.IsFatal(err))
	// The fatal rejection on the first category stops the fetch.
	assert.Len(t, results, 1)
	assert.Equal(t, []Category{CategoryLoyalty}, phases)
}
