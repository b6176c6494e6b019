// Package contexthub implements the reference context hub driver. It
// externalizes context.* events to an HTTP context-hub service whose
// contract is a simple document tree addressed by path.
package contexthub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/registry"
)

// DriverID identifies the context hub driver in the registry.
const DriverID = "context-hub"

// Driver proxies context operations to the hub service.
type Driver struct {
	baseURL string
	client  *http.Client
	logger  lightning.Logger
}

// Manifest returns the registry manifest for this driver.
func Manifest() registry.Manifest {
	return registry.Manifest{
		ID:           DriverID,
		Name:         "Context Hub",
		Version:      "1.0.0",
		Kind:         registry.KindConnector,
		Description:  "Bridges context.* events to the context-hub document tree.",
		Capabilities: []string{"context.*"},
	}
}

// Constructor returns a registry constructor bound to the hub endpoint.
func Constructor(cfg lightning.ContextHubConfig) registry.Constructor {
	return func(deps registry.Deps) (registry.Driver, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: context hub needs a URL", lightning.ErrInvalidInput)
		}
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return &Driver{
			baseURL: strings.TrimRight(cfg.URL, "/"),
			client:  &http.Client{Timeout: timeout},
			logger:  deps.Logger,
		}, nil
	}
}

// Handle maps one context.* event onto the hub's HTTP contract.
func (d *Driver) Handle(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
	op := strings.TrimPrefix(event.Type, "context.")
	path, _ := event.Data["path"].(string)

	var (
		result map[string]any
		err    error
	)
	switch op {
	case "initialize":
		result, err = d.call(ctx, http.MethodPost, "/init", map[string]any{
			"user_id": event.UserID,
		})
	case "read":
		result, err = d.call(ctx, http.MethodGet, "/doc/"+escapePath(path), nil)
	case "write":
		result, err = d.call(ctx, http.MethodPut, "/doc/"+escapePath(path), map[string]any{
			"content": event.Data["content"],
		})
	case "search":
		query, _ := event.Data["query"].(string)
		result, err = d.call(ctx, http.MethodGet, "/search?q="+url.QueryEscape(query), nil)
	case "list":
		result, err = d.call(ctx, http.MethodGet, "/tree/"+escapePath(path), nil)
	default:
		return nil, fmt.Errorf("%w: unknown context operation %q", lightning.ErrInvalidInput, event.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: context hub %s: %w", lightning.ErrDriverFailure, op, err)
	}

	out := lightning.NewEvent("context."+op+".result", map[string]any{
		"path":   path,
		"result": result,
	})
	out.Source = DriverID
	out.UserID = event.UserID
	if correlationID := event.CorrelationID(); correlationID != "" {
		out = out.WithMetadata(lightning.MetaCorrelationID, correlationID)
	}
	if requestID := event.RequestID(); requestID != "" {
		out = out.WithMetadata(lightning.MetaRequestID, requestID)
	}
	return []lightning.Event{out}, nil
}

func (d *Driver) call(ctx context.Context, method, path string, body map[string]any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", lightning.ErrNotFound, path)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("hub returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	result := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("decoding hub response: %w", err)
		}
	}
	return result, nil
}

func escapePath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
