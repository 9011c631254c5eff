package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domainprovider "github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
)

func newTestServer(t *testing.T, handle func(method string, id int64) (result string, sse bool)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.ID == 0 {
			return // notification, no response expected
		}
		result, sse := handle(req.Method, req.ID)
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result)
		if sse {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = fmt.Fprintf(w, "data: %s\n\n", body)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestStreamableHTTPClientStartAndCallTool(t *testing.T) {
	srv := newTestServer(t, func(method string, id int64) (string, bool) {
		switch method {
		case "tools/list":
			return `{"tools":[{"name":"add","description":"Add numbers","inputSchema":{}}]}`, false
		case "tools/call":
			return `{"content":[{"type":"text","text":"3"}]}`, false
		default:
			return `{}`, false
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewStreamableHTTPClient(domainprovider.ProviderConfig{
		Name: "math", Transport: domainprovider.TransportStreamableHTTP, URL: srv.URL,
	}, testLogger())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	tools, err := c.ListTools(ctx)
	if err != nil || len(tools) != 1 || tools[0].OriginalName != "add" {
		t.Fatalf("ListTools = %+v, %v", tools, err)
	}

	result, err := c.CallTool(ctx, "add", json.RawMessage(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(result) != `{"content":[{"type":"text","text":"3"}]}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestStreamableHTTPClientUnwrapsSingleSSEChunk(t *testing.T) {
	srv := newTestServer(t, func(method string, id int64) (string, bool) {
		return `{"tools":[]}`, true // server replies as a single SSE event chunk
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewStreamableHTTPClient(domainprovider.ProviderConfig{
		Name: "sse-shaped", Transport: domainprovider.TransportStreamableHTTP, URL: srv.URL,
	}, testLogger())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 0 {
		t.Fatalf("expected empty tool list, got %+v", tools)
	}
}

func TestStreamableHTTPClientSurfacesProtocolErrorVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method == "" {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewStreamableHTTPClient(domainprovider.ProviderConfig{
		Name: "broken", Transport: domainprovider.TransportStreamableHTTP, URL: srv.URL,
	}, testLogger())
	err := c.Start(ctx)
	if err == nil {
		t.Fatal("expected Start to fail when initialize returns a protocol error")
	}
	var protoErr *domainprovider.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected wrapped ProtocolError, got %v", err)
	}
	if protoErr.Code != -32601 {
		t.Fatalf("expected code -32601, got %d", protoErr.Code)
	}
}

func TestStreamableHTTPClientStartsWhenInitializedNotificationRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)

		if req.Method == "notifications/initialized" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if req.Method == "" {
			return
		}
		switch req.Method {
		case "tools/list":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"tools":[]}}`, req.ID)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewStreamableHTTPClient(domainprovider.ProviderConfig{
		Name: "picky", Transport: domainprovider.TransportStreamableHTTP, URL: srv.URL,
	}, testLogger())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start should swallow a rejected initialized notification, got: %v", err)
	}
	defer func() { _ = c.Stop() }()
}
