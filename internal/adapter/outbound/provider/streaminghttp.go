package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	domainprovider "github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/pkg/mcp"
)

// maxResponseBodySize bounds how much of an upstream response this proxy
// will buffer, guarding against an unbounded or malicious provider
// response.
const maxResponseBodySize = 10 * 1024 * 1024

// StreamableHTTPClient issues one HTTP POST per JSON-RPC call. The
// response is either a bare JSON object or a single SSE "data:" chunk.
// There is no persistent connection and so no correlation table: each
// call is a self-contained round trip over a shared *http.Client with a
// TLS 1.2 floor, Mcp-Session-Id propagation, and a bounded response read.
type StreamableHTTPClient struct {
	cfg        domainprovider.ProviderConfig
	logger     *slog.Logger
	httpClient *http.Client

	nextID int64

	mu        sync.Mutex
	sessionID string
	started   bool
	stopped   bool
	done      chan struct{}
	tools     []domainprovider.ToolDescriptor
}

// NewStreamableHTTPClient constructs a streaming-HTTP Provider Client for
// cfg, whose Transport must be TransportStreamableHTTP.
func NewStreamableHTTPClient(cfg domainprovider.ProviderConfig, logger *slog.Logger) *StreamableHTTPClient {
	return &StreamableHTTPClient{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Start performs the initialize handshake, sends notifications/initialized,
// and caches the provider's tool list.
func (c *StreamableHTTPClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("%w: already started", domainprovider.ErrProviderStartFailed)
	}
	c.started = true
	c.mu.Unlock()

	if _, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "xzproxy", "version": "0.1.0"},
	}); err != nil {
		return fmt.Errorf("%w: initialize: %w", domainprovider.ErrProviderStartFailed, err)
	}

	notifyFrame, err := mcp.BuildNotification("notifications/initialized", nil)
	if err != nil {
		return fmt.Errorf("%w: build initialized notification: %v", domainprovider.ErrProviderStartFailed, err)
	}
	if err := c.send(ctx, notifyFrame); err != nil {
		// Some streamable-HTTP servers reject the initialized
		// notification outright (it carries no response they expect to
		// send). Swallow it rather than failing the start: the
		// handshake's only required round trip is initialize.
		c.logger.Warn("initialized notification rejected, continuing anyway",
			"provider", c.cfg.Name, "error", err)
	}

	tools, err := c.fetchTools(ctx)
	if err != nil {
		c.logger.Warn("initial tools/list failed, starting with empty tool set",
			"provider", c.cfg.Name, "error", err)
		tools = nil
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return nil
}

// ListTools returns the tool set cached at Start time.
func (c *StreamableHTTPClient) ListTools(ctx context.Context) ([]domainprovider.ToolDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools, nil
}

// CallTool invokes a tool by its original (non-namespaced) name.
func (c *StreamableHTTPClient) CallTool(ctx context.Context, originalName string, args json.RawMessage) (json.RawMessage, error) {
	var decodedArgs interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decodedArgs); err != nil {
			return nil, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}
	return c.call(ctx, "tools/call", map[string]interface{}{
		"name":      originalName,
		"arguments": decodedArgs,
	})
}

// Stop releases the client's idle connections and closes Done. Streamable
// HTTP has no persistent connection to tear down beyond that.
func (c *StreamableHTTPClient) Stop() error {
	c.httpClient.CloseIdleConnections()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
	return nil
}

// Done returns a channel closed when Stop is called. Streamable HTTP has
// no persistent connection, so unlike stdio/SSE it never closes on its
// own between calls — a disconnect only surfaces as a CallTool error.
func (c *StreamableHTTPClient) Done() <-chan struct{} {
	return c.done
}

func (c *StreamableHTTPClient) fetchTools(ctx context.Context) ([]domainprovider.ToolDescriptor, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	out := make([]domainprovider.ToolDescriptor, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		out = append(out, domainprovider.ToolDescriptor{
			OriginalName: t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			ProviderName: c.cfg.Name,
		})
	}
	return out, nil
}

// call sends a JSON-RPC request and returns its decoded result.
func (c *StreamableHTTPClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	frame, err := mcp.BuildRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := c.post(ctx, frame)
	if err != nil {
		return nil, err
	}

	var resp rpcFrame
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error.asProtocolError()
	}
	return resp.Result, nil
}

// send sends a JSON-RPC notification; no response is expected.
func (c *StreamableHTTPClient) send(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, postErr := c.post(ctx, frame)
	return postErr
}

// post issues one HTTP POST carrying frame and returns the decoded
// JSON-RPC payload, transparently unwrapping a single SSE "data:" chunk
// if the server replies with Content-Type: text/event-stream instead of
// a bare JSON body.
func (c *StreamableHTTPClient) post(ctx context.Context, frame []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domainprovider.ErrTransportClosed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(raw))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return extractSSEData(raw)
	}
	return raw, nil
}

// extractSSEData pulls the payload out of a single-event SSE chunk: the
// body of the first "data: " line, joined across any continuation lines
// per the SSE wire format.
func extractSSEData(raw []byte) ([]byte, error) {
	var data bytes.Buffer
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data.Write(bytes.TrimPrefix(payload, []byte(" ")))
		}
	}
	if data.Len() == 0 {
		return nil, fmt.Errorf("sse response carried no data field")
	}
	return data.Bytes(), nil
}
