package contexthub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/registry"
)

func testLogger() lightning.Logger {
	return lightning.DefaultLogger(100)
}

func newHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/init", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"initialized": true})
	})
	mux.HandleFunc("/doc/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/doc/")
		switch r.Method {
		case http.MethodGet:
			if path == "missing" {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"content": "doc body", "path": path})
		case http.MethodPut:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]any{"written": body["content"]})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"hits": []any{r.URL.Query().Get("q")}})
	})
	mux.HandleFunc("/tree/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"children": []any{"a", "b"}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newHubDriver(t *testing.T, url string) *Driver {
	t.Helper()
	cfg := lightning.ContextHubConfig{URL: url, TimeoutSeconds: 5}
	driver, err := Constructor(cfg)(registry.Deps{Logger: testLogger()})
	require.NoError(t, err)
	return driver.(*Driver)
}

func hubEvent(eventType string, data map[string]any) lightning.Event {
	e := lightning.NewEvent(eventType, data)
	e.UserID = "alice"
	return e.WithMetadata(lightning.MetaRequestID, "r1")
}

func TestContextReadRoundTrip(t *testing.T) {
	server := newHubServer(t)
	d := newHubDriver(t, server.URL)

	out, err := d.Handle(context.Background(), hubEvent("context.read", map[string]any{"path": "projects/alpha"}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "context.read.result", out[0].Type)
	assert.Equal(t, "r1", out[0].RequestID())

	result := out[0].Data["result"].(map[string]any)
	assert.Equal(t, "doc body", result["content"])
}

func TestContextWriteAndSearch(t *testing.T) {
	server := newHubServer(t)
	d := newHubDriver(t, server.URL)
	ctx := context.Background()

	out, err := d.Handle(ctx, hubEvent("context.write", map[string]any{
		"path":    "notes/today",
		"content": "remember the milk",
	}))
	require.NoError(t, err)
	result := out[0].Data["result"].(map[string]any)
	assert.Equal(t, "remember the milk", result["written"])

	out, err = d.Handle(ctx, hubEvent("context.search", map[string]any{"query": "milk"}))
	require.NoError(t, err)
	result = out[0].Data["result"].(map[string]any)
	assert.Equal(t, []any{"milk"}, result["hits"])
}

func TestContextInitializeAndList(t *testing.T) {
	server := newHubServer(t)
	d := newHubDriver(t, server.URL)
	ctx := context.Background()

	out, err := d.Handle(ctx, hubEvent("context.initialize", nil))
	require.NoError(t, err)
	assert.Equal(t, "context.initialize.result", out[0].Type)

	out, err = d.Handle(ctx, hubEvent("context.list", map[string]any{"path": "projects"}))
	require.NoError(t, err)
	result := out[0].Data["result"].(map[string]any)
	assert.Len(t, result["children"], 2)
}

func TestContextMissingDocument(t *testing.T) {
	server := newHubServer(t)
	d := newHubDriver(t, server.URL)

	_, err := d.Handle(context.Background(), hubEvent("context.read", map[string]any{"path": "missing"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, lightning.ErrDriverFailure)
	assert.ErrorIs(t, err, lightning.ErrNotFound)
}

func TestContextUnknownOperation(t *testing.T) {
	server := newHubServer(t)
	d := newHubDriver(t, server.URL)

	_, err := d.Handle(context.Background(), hubEvent("context.obliterate", nil))
	assert.ErrorIs(t, err, lightning.ErrInvalidInput)
}

func TestConstructorRequiresURL(t *testing.T) {
	_, err := Constructor(lightning.ContextHubConfig{})(registry.Deps{Logger: testLogger()})
	assert.ErrorIs(t, err, lightning.ErrInvalidInput)
}
