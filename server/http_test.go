package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	originregistry "github.com/wolfeidau/origin-registry"
	"github.com/wolfeidau/origin-registry/kv"
	"github.com/wolfeidau/origin-registry/registry"
	"github.com/wolfeidau/origin-registry/topology"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := kv.OpenBolt(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	topo, err := topology.New([]string{"1", "2", "3"}, [][]string{{"1", "2"}, {"2", "3"}})
	require.NoError(t, err)

	return New(Config{}, registry.New(topo, store))
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAnnounceAndGet(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/origin/1/bbb", `{"url":"http://pub/stream"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/origin/2/bbb", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var origin originregistry.Origin
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &origin))
	require.Equal(t, "http://relay1:1/stream", origin.URL)

	rec = doRequest(t, srv, http.MethodGet, "/origin/3/bbb", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &origin))
	require.Equal(t, "http://relay2:2/stream", origin.URL)
}

func TestGetNotFound(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/origin/2/absent", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Publisher has no record of its own after an announce.
	doRequest(t, srv, http.MethodPost, "/origin/1/bbb", `{"url":"http://pub/stream"}`)
	rec = doRequest(t, srv, http.MethodGet, "/origin/1/bbb", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	// An unparseable relay token can never have a record.
	rec = doRequest(t, srv, http.MethodGet, "/origin/bogus/bbb", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnnounceRejections(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "unauthorized publisher", path: "/origin/9/bbb", body: `{"url":"http://pub/stream"}`, status: http.StatusBadRequest},
		{name: "malformed json", path: "/origin/1/bbb", body: `{`, status: http.StatusBadRequest},
		{name: "relative url", path: "/origin/1/bbb", body: `{"url":"/no/host"}`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code)
		})
	}

	// Nothing was written by any rejected announce.
	rec := doRequest(t, srv, http.MethodGet, "/origin/2/bbb", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnnounceConflict(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/origin/1/bbb", `{"url":"http://pub/stream"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Identical content is an idempotent no-op.
	rec = doRequest(t, srv, http.MethodPost, "/origin/1/bbb", `{"url":"http://pub/stream"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Different content is a conflict, never an overwrite.
	rec = doRequest(t, srv, http.MethodPost, "/origin/1/bbb", `{"url":"http://other/stream"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRevoke(t *testing.T) {
	srv := newTestServer(t)

	doRequest(t, srv, http.MethodPost, "/origin/1/bbb", `{"url":"http://pub/stream"}`)

	rec := doRequest(t, srv, http.MethodDelete, "/origin/bbb", "")
	require.Equal(t, http.StatusOK, rec.Code)

	for _, relay := range []string{"1", "2", "3"} {
		rec = doRequest(t, srv, http.MethodGet, "/origin/"+relay+"/bbb", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/origin/bbb", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefresh(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPatch, "/origin/absent", `{"url":"http://pub/stream"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	doRequest(t, srv, http.MethodPost, "/origin/1/bbb", `{"url":"http://pub/stream"}`)

	// Relays 2 and 3 hold different rewritten URLs, so this candidate
	// mismatches at least one record.
	rec = doRequest(t, srv, http.MethodPatch, "/origin/bbb", `{"url":"http://relay1:1/stream"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, srv, http.MethodPatch, "/origin/bbb", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoreFailureMapsToServerError(t *testing.T) {
	topo, err := topology.New([]string{"1", "2"}, [][]string{{"1", "2"}})
	require.NoError(t, err)

	srv := New(Config{}, registry.New(topo, downStore{}))

	rec := doRequest(t, srv, http.MethodPost, "/origin/1/bbb", `{"url":"http://pub/stream"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

// downStore is a store whose backend is unreachable.
type downStore struct{}

func (downStore) Get(context.Context, string) ([]byte, error) {
	return nil, errUnreachable
}

func (downStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errUnreachable
}

func (downStore) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, errUnreachable
}

func (downStore) Delete(context.Context, ...string) (int, error) {
	return 0, errUnreachable
}

func (downStore) Close() error { return nil }

var errUnreachable = errors.New("store unreachable")
