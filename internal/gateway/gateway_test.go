package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pop101/SlowChat/internal/catalog"
	"github.com/Pop101/SlowChat/internal/lifecycle"
	"github.com/Pop101/SlowChat/internal/logging"
	"github.com/Pop101/SlowChat/internal/residency"
	"github.com/Pop101/SlowChat/internal/telemetry"
)

var _ telemetry.Prober = (*fakeProber)(nil)

// fakeProber is a deterministic telemetry.Prober for end-to-end gateway
// tests, mirroring the lifecycle package's test fake.
type fakeProber struct {
	mu    sync.Mutex
	total []int
	used  []int
}

func (f *fakeProber) Total(ctx context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.total...), nil
}

func (f *fakeProber) Used(ctx context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.used...), nil
}

func (f *fakeProber) Free(ctx context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	free := make([]int, len(f.total))
	for i := range f.total {
		free[i] = f.total[i] - f.used[i]
	}
	return free, nil
}

func (f *fakeProber) Hostname() string { return "node1" }

func TestForwardWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"text":"hi"}]}`))
	}))
	defer upstream.Close()

	status, body, err := forwardWithRetryForTest(t, upstream.URL, []byte(`{"model":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "hi")
	assert.Equal(t, 4, calls)
}

func TestForwardWithRetryExhaustsAndSurfacesFinalStatus(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	status, _, err := forwardWithRetryForTest(t, upstream.URL, []byte(`{"model":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, maxAttempts, calls)
}

func TestForwardWithRetryPropagates4xxImmediately(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer upstream.Close()

	status, _, err := forwardWithRetryForTest(t, upstream.URL, []byte(`{"model":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 1, calls)
}

// forwardWithRetryForTest runs the real backoff schedule (1s/2s/4s/8s); the
// cases above need at most four retries, so each completes within about 15
// seconds.
func forwardWithRetryForTest(t *testing.T, url string, body []byte) (int, []byte, error) {
	t.Helper()
	return forwardWithRetry(context.Background(), http.DefaultClient, url, body)
}

func writeCatalog(t *testing.T, contents string) *catalog.Catalog {
	t.Helper()
	path := t.TempDir() + "/config.json"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	cat, err := catalog.Load(path)
	require.NoError(t, err)
	return cat
}

func TestHandleForwardMissingModel(t *testing.T) {
	cat := writeCatalog(t, `{"port":8080,"models":[]}`)
	table := residency.New()
	probe := &fakeProber{total: []int{8000}, used: []int{0}}
	ctrl := lifecycle.New(logging.Discard(), cat, table, probe, nil)
	g := New(logging.Discard(), cat, ctrl, probe.Hostname(), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", jsonBody(`{"model":"ghost"}`))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "Model not specified or not found", body.Message)
}

func TestHandleListModels(t *testing.T) {
	cat := writeCatalog(t, `{"port":8080,"models":[{"name":"A","location":"http://x"},{"name":"B","location":"http://y"}]}`)
	table := residency.New()
	probe := &fakeProber{total: []int{8000}, used: []int{0}}
	ctrl := lifecycle.New(logging.Discard(), cat, table, probe, nil)
	g := New(logging.Discard(), cat, ctrl, probe.Hostname(), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var list modelList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Equal(t, "list", list.Object)
	assert.Len(t, list.Data, 2)
	for _, rec := range list.Data {
		assert.Equal(t, int64(1686935002), rec.Created)
		assert.Equal(t, "node1", rec.OwnedBy)
	}
}

func TestHandleGetModelNotFound(t *testing.T) {
	cat := writeCatalog(t, `{"port":8080,"models":[]}`)
	table := residency.New()
	probe := &fakeProber{total: []int{8000}, used: []int{0}}
	ctrl := lifecycle.New(logging.Discard(), cat, table, probe, nil)
	g := New(logging.Discard(), cat, ctrl, probe.Hostname(), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models/ghost", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestEndToEndLoadAndForward grounds scenario E1: a model spawns on first
// use and a request is forwarded to its upstream.
func TestEndToEndLoadAndForward(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"text":"hi"}]}`))
	}))
	defer upstream.Close()

	cat := writeCatalog(t, `{"port":8080,"models":[{"name":"A","location":"`+upstream.URL+`","load_command":"true","vram":4000}]}`)
	table := residency.New()
	probe := &fakeProber{total: []int{8000}, used: []int{0}}
	ctrl := lifecycle.New(logging.Discard(), cat, table, probe, nil)
	g := New(logging.Discard(), cat, ctrl, probe.Hostname(), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", jsonBody(`{"model":"A","prompt":"hi"}`))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hi")
	assert.True(t, table.Contains("A"))
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}
