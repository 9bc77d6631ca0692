package srvreg

import (
	"net/http"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *ServiceRegistry {
	return NewServiceRegistry(nil, cmtlog.NewNopLogger(), false)
}

func TestMatchPath(t *testing.T) {
	assert.True(t, matchPath("/chains/:id", "/chains/3"))
	assert.True(t, matchPath("/chains/:id/fund", "/chains/3/fund"))
	assert.True(t, matchPath("/chains/:id/steps/:index/confirm-sender", "/chains/1/steps/0/confirm-sender"))
	assert.True(t, matchPath("/account/:id/roles", "/account/ACC-SELLER-1/roles"))

	assert.False(t, matchPath("/chains/:id", "/chains"))
	assert.False(t, matchPath("/chains/:id", "/chains/3/fund"))
	assert.False(t, matchPath("/chains/:id/fund", "/chains/3/cancel"))
	assert.False(t, matchPath("/catalog/products/:id", "/catalog/services/3"))
}

func TestGetHandlerForPathExactBeforePattern(t *testing.T) {
	sr := newTestRegistry()

	var hit string
	sr.RegisterHandler("GET", "/chains", true, func(r *Request) (*Response, error) {
		hit = "exact"
		return &Response{StatusCode: http.StatusOK}, nil
	})
	sr.RegisterHandler("GET", "/chains/:id", false, func(r *Request) (*Response, error) {
		hit = "pattern"
		return &Response{StatusCode: http.StatusOK}, nil
	})

	handler, found := sr.GetHandlerForPath("GET", "/chains")
	require.True(t, found)
	handler(&Request{})
	assert.Equal(t, "exact", hit)

	handler, found = sr.GetHandlerForPath("GET", "/chains/7")
	require.True(t, found)
	handler(&Request{})
	assert.Equal(t, "pattern", hit)
}

func TestGetHandlerForPathMethodMismatch(t *testing.T) {
	sr := newTestRegistry()
	sr.RegisterHandler("POST", "/chains", true, func(r *Request) (*Response, error) {
		return &Response{StatusCode: http.StatusCreated}, nil
	})

	_, found := sr.GetHandlerForPath("DELETE", "/chains")
	assert.False(t, found)

	_, found = sr.GetHandlerForPath("post", "/chains")
	assert.True(t, found, "method match is case insensitive")
}

func TestGetHandlerForPathUnknownRoute(t *testing.T) {
	sr := newTestRegistry()
	sr.RegisterDefaultServices()

	_, found := sr.GetHandlerForPath("GET", "/warehouse/3")
	assert.False(t, found)
}

func TestDefaultServicesCoverProtocol(t *testing.T) {
	sr := newTestRegistry()
	sr.RegisterDefaultServices()

	routes := []struct {
		method string
		path   string
	}{
		{"POST", "/account/register"},
		{"GET", "/account/ACC-SELLER-1/roles"},
		{"GET", "/account/ACC-SELLER-1/balance"},
		{"POST", "/account/ACC-MANUFACTURER-1/approve"},
		{"POST", "/catalog/raw-materials"},
		{"GET", "/catalog/raw-materials"},
		{"GET", "/catalog/raw-materials/1"},
		{"DELETE", "/catalog/raw-materials/1"},
		{"POST", "/catalog/products"},
		{"POST", "/catalog/services"},
		{"POST", "/catalog/logistics"},
		{"POST", "/chains"},
		{"GET", "/chains"},
		{"GET", "/chains/1"},
		{"POST", "/chains/1/fund"},
		{"POST", "/chains/1/steps/0/confirm-sender"},
		{"POST", "/chains/1/steps/0/confirm-received"},
		{"POST", "/chains/1/steps/0/confirm-delivered"},
		{"POST", "/chains/1/steps/0/confirm-receiver"},
	}
	for _, route := range routes {
		_, found := sr.GetHandlerForPath(route.method, route.path)
		assert.True(t, found, "missing handler for %s %s", route.method, route.path)
	}
}

func TestGenerateRequestIDDeterministic(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := &Request{Method: "POST", Path: "/chains", Body: `{"name":"x"}`, Timestamp: ts}
	b := &Request{Method: "POST", Path: "/chains", Body: `{"name":"x"}`, Timestamp: ts}
	c := &Request{Method: "POST", Path: "/chains", Body: `{"name":"y"}`, Timestamp: ts}

	a.GenerateRequestID()
	b.GenerateRequestID()
	c.GenerateRequestID()

	assert.Equal(t, a.RequestID, b.RequestID)
	assert.NotEqual(t, a.RequestID, c.RequestID)
}

func TestParseBody(t *testing.T) {
	resp := &Response{Body: `{"id":1,"name":"steel"}`}
	parsed, ok := resp.ParseBody().(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "steel", parsed["name"])

	resp = &Response{Body: `[{"id":1},{"id":2}]`}
	arr, ok := resp.ParseBody().([]interface{})
	require.True(t, ok)
	assert.Len(t, arr, 2)

	resp = &Response{Body: "not json"}
	assert.Nil(t, resp.ParseBody())

	resp = &Response{Body: ""}
	assert.Nil(t, resp.ParseBody())
}

func TestCompactJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, compactJSON("{\n  \"a\": 1\n}"))
	assert.Equal(t, "plain text", compactJSON("  plain text  "))
}
