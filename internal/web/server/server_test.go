package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/apimanager/internal/config"
	"github.com/conduit-lang/apimanager/internal/orm/hooks"
	"github.com/conduit-lang/apimanager/internal/storage/storagetest"
	"github.com/conduit-lang/apimanager/pkg/apimanager"
)

func intPtr(n int) *int { return &n }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			APIPrefix:       "/api",
			MetricsPath:     "/metrics",
			ShutdownTimeout: time.Second,
		},
		Database: config.DatabaseConfig{Driver: "sqlite3", URL: ":memory:"},
		Hooks:    config.HooksConfig{Workers: 1, Buffer: 1},
		Resources: []config.ResourceConfig{
			{
				Name:    "person",
				Methods: []string{"GET", "DELETE"},
				Fields: map[string]config.FieldConfig{
					"id":         {Type: "int"},
					"name":       {Type: "string"},
					"age":        {Type: "int", Nullable: true},
					"birth_date": {Type: "date", Nullable: true},
					"status":     {Type: "string", Nullable: true},
				},
				Relations: map[string]config.RelationConfig{
					"computers": {Target: "computer", Kind: "to_many", ForeignKey: "owner_id"},
				},
				ResultsPerPage: intPtr(2),
			},
			{
				Name: "computer",
				Fields: map[string]config.FieldConfig{
					"id":       {Type: "int"},
					"vendor":   {Type: "string"},
					"owner_id": {Type: "int", Nullable: true},
				},
			},
		},
	}
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	store := storagetest.SQLite(t, storagetest.Registry(t))
	storagetest.Seed(t, store)

	s, err := New(context.Background(), testConfig(), nil, append([]Option{WithStore(store)}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestServerRoutesConfiguredResources(t *testing.T) {
	s := newTestServer(t)
	defer s.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/person", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["total_pages"])

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/computer/1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `apimanager_operations_total{operation="search",outcome="ok",resource="person"} 1`)
}

func TestServerAPIOptionsHook(t *testing.T) {
	s := newTestServer(t, WithAPIOptions(func(o *apimanager.APIOptions) {
		if o.Resource.Name != "person" {
			return
		}
		o.Preprocess = apimanager.Hooks{"DELETE_SINGLE": {hooks.Sync(func(*hooks.Context) (hooks.Result, error) {
			return hooks.Fail(http.StatusForbidden, "read only today"), nil
		})}}
	}))
	defer s.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/person/1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "read only today")
}

func TestServeStopsOnCancel(t *testing.T) {
	s := newTestServer(t)

	var hookRan bool
	s.RegisterHook(func(context.Context) error {
		hookRan = true
		return nil
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/person/1")
	require.NoError(t, err)
	payload, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(payload), "Ada"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, hookRan)
}

func TestNewRejectsBadResources(t *testing.T) {
	cfg := testConfig()
	cfg.Resources[1].Fields["vendor"] = config.FieldConfig{Type: "blob"}
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	cfg := config.DatabaseConfig{
		Driver:       "sqlite3",
		URL:          "file:" + filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 1,
	}
	store, err := OpenStore(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, store.Close())

	_, err = OpenStore(context.Background(), config.DatabaseConfig{Driver: "oracle", URL: "x"}, nil, nil)
	assert.Error(t, err)
}
