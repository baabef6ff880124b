package smoketest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/geodrift/strata/datasource"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func TestRunAgainstStubSource(t *testing.T) {
	results := Run(context.Background(), Options{})

	require.True(t, results.Passed)
	require.Empty(t, results.Error)
	require.NotZero(t, results.ScopesLoaded)
	require.NotZero(t, results.Entities)
	require.NotZero(t, results.Duration)
}

func TestRunAgainstEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"features":[{"id":"` + r.URL.Path + `","type":"stub"}]}`))
	}))
	defer server.Close()

	results := Run(context.Background(), Options{
		Endpoint: server.URL + "/{z}/{x}/{y}",
		DataType: datasource.DataTypeJSON,
	})

	require.True(t, results.Passed)
	require.NotZero(t, results.ScopesLoaded)
}

func TestRunFailsOnBrokenEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	results := Run(context.Background(), Options{
		Endpoint: server.URL + "/{z}/{x}/{y}",
		DataType: datasource.DataTypeJSON,
		Timeout:  time.Second,
	})

	require.False(t, results.Passed)
	require.NotEmpty(t, results.Error)
}

func TestHandleSmokeTest(t *testing.T) {
	handler := HandleSmokeTest("test")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/smoke-test", nil)
	handler(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var results Results
	require.NoError(t, json.NewDecoder(w.Body).Decode(&results))
	require.True(t, results.Passed)
}

func TestHandleSmokeTestRejectsBadRequests(t *testing.T) {
	handler := HandleSmokeTest("test")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/smoke-test", nil)
	handler(w, r)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/smoke-test", strings.NewReader("{"))
	handler(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
