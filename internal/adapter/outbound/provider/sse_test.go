package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domainprovider "github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
)

// newSSETestServer wires one httptest.Server that serves both halves of
// the SSE transport: a GET stream the client keeps open, and a POST
// endpoint that, for every recognized request, pushes the canned
// response onto that stream.
func newSSETestServer(t *testing.T, handle func(method string) string) *httptest.Server {
	t.Helper()
	events := make(chan string, 16)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			flusher, ok := w.(http.Flusher)
			if !ok {
				t.Fatal("response writer does not support flushing")
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()
			for {
				select {
				case ev := <-events:
					fmt.Fprintf(w, "data: %s\n\n", ev)
					flusher.Flush()
				case <-r.Context().Done():
					return
				}
			}
		case http.MethodPost:
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusAccepted)
			if req.ID == 0 {
				return // notification, no reply
			}
			result := handle(req.Method)
			events <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result)
		}
	}))
}

func TestSSEClientStartAndCallTool(t *testing.T) {
	srv := newSSETestServer(t, func(method string) string {
		switch method {
		case "tools/list":
			return `{"tools":[{"name":"weather","description":"Get weather","inputSchema":{}}]}`
		case "tools/call":
			return `{"content":[{"type":"text","text":"sunny"}]}`
		default:
			return `{}`
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewSSEClient(domainprovider.ProviderConfig{
		Name: "weather", Transport: domainprovider.TransportSSE, URL: srv.URL,
	}, testLogger())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	tools, err := c.ListTools(ctx)
	if err != nil || len(tools) != 1 || tools[0].OriginalName != "weather" {
		t.Fatalf("ListTools = %+v, %v", tools, err)
	}

	result, err := c.CallTool(ctx, "weather", json.RawMessage(`{"city":"nyc"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(result) != `{"content":[{"type":"text","text":"sunny"}]}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestSSEClientStopUnblocksOutstandingCalls(t *testing.T) {
	// A server that opens the SSE stream but never pushes a reply to any
	// request, so the initialize call inside Start blocks until Stop
	// cancels it.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := NewSSEClient(domainprovider.ProviderConfig{
		Name: "silent", Transport: domainprovider.TransportSSE, URL: srv.URL,
	}, testLogger())

	// Start blocks on initialize's reply, which this server never sends;
	// run Start in the background and check that Stop unblocks the
	// pending initialize call.
	done := make(chan error, 1)
	go func() {
		err := c.Start(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Start to fail once Stop cancels the outstanding initialize call")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
