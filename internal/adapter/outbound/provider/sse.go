package provider

import (
	"bufio"
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
	"time"

	domainprovider "github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/pkg/mcp"
)

// SSEClient speaks MCP over a persistent server-sent-events stream:
// requests go out as HTTP POST, responses (and any server-initiated
// notifications) arrive as events on a long-lived GET stream this client
// keeps open for the provider's lifetime. No off-the-shelf SSE client
// dependency is available, so this is hand-rolled directly on net/http
// + bufio.Scanner (shared *http.Client, TLS 1.2 floor, Mcp-Session-Id
// propagation, bounded buffers) rather than adopting an unseen one.
type SSEClient struct {
	cfg        domainprovider.ProviderConfig
	logger     *slog.Logger
	httpClient *http.Client

	corr *correlator
	wg   sync.WaitGroup

	mu        sync.Mutex
	sessionID string
	cancel    context.CancelFunc
	tools     []domainprovider.ToolDescriptor
}

// NewSSEClient constructs an SSE Provider Client for cfg, whose Transport
// must be TransportSSE.
func NewSSEClient(cfg domainprovider.ProviderConfig, logger *slog.Logger) *SSEClient {
	return &SSEClient{
		cfg:    cfg,
		logger: logger,
		corr:   newCorrelator(),
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Start opens the SSE stream, performs the initialize handshake, sends
// notifications/initialized, and caches the provider's tool list.
func (c *SSEClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: already started", domainprovider.ErrProviderStartFailed)
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	ready := make(chan error, 1)
	c.wg.Add(1)
	go c.streamLoop(streamCtx, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return fmt.Errorf("%w: open sse stream: %v", domainprovider.ErrProviderStartFailed, err)
		}
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	if _, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "xzproxy", "version": "0.1.0"},
	}); err != nil {
		_ = c.Stop()
		return fmt.Errorf("%w: initialize: %w", domainprovider.ErrProviderStartFailed, err)
	}

	notifyFrame, err := mcp.BuildNotification("notifications/initialized", nil)
	if err != nil {
		_ = c.Stop()
		return fmt.Errorf("%w: build initialized notification: %v", domainprovider.ErrProviderStartFailed, err)
	}
	if err := c.postOnly(ctx, notifyFrame); err != nil {
		_ = c.Stop()
		return fmt.Errorf("%w: initialized notification: %v", domainprovider.ErrProviderStartFailed, err)
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
func (c *SSEClient) ListTools(ctx context.Context) ([]domainprovider.ToolDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools, nil
}

// CallTool invokes a tool by its original (non-namespaced) name.
func (c *SSEClient) CallTool(ctx context.Context, originalName string, args json.RawMessage) (json.RawMessage, error) {
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

// Done returns a channel closed when the SSE stream ends or Stop is
// called.
func (c *SSEClient) Done() <-chan struct{} {
	return c.corr.Done()
}

// Stop closes the SSE stream and fails any outstanding calls.
func (c *SSEClient) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	c.corr.closeAll(domainprovider.ErrCancelled)
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *SSEClient) fetchTools(ctx context.Context) ([]domainprovider.ToolDescriptor, error) {
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

// call posts a request and waits for its response to arrive on the SSE
// stream, subject to the request timeout.
func (c *SSEClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.corr.newID()
	ch, ok := c.corr.register(id)
	if !ok {
		return nil, domainprovider.ErrTransportClosed
	}

	frame, err := mcp.BuildRequest(id, method, params)
	if err != nil {
		c.corr.forget(id)
		return nil, err
	}
	if err := c.postOnly(ctx, frame); err != nil {
		c.corr.forget(id)
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		c.corr.forget(id)
		return nil, domainprovider.ErrRequestTimeout
	case <-ctx.Done():
		c.corr.forget(id)
		return nil, ctx.Err()
	}
}

// postOnly sends frame to the provider's request endpoint without
// waiting for a reply; the reply, if any, arrives on the SSE stream.
func (c *SSEClient) postOnly(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
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
		return fmt.Errorf("%w: %v", domainprovider.ErrTransportClosed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return nil
}

// streamLoop opens the long-lived SSE GET connection and dispatches each
// "data:" event as a JSON-RPC frame. ready is signalled once (nil on a
// successful open, an error otherwise) before any events are processed.
func (c *SSEClient) streamLoop(ctx context.Context, ready chan<- error) {
	defer c.wg.Done()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		ready <- err
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		ready <- err
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		ready <- fmt.Errorf("http status %d opening sse stream", resp.StatusCode)
		return
	}
	ready <- nil
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBodySize)

	var dataBuf bytes.Buffer
	flush := func() {
		if dataBuf.Len() == 0 {
			return
		}
		defer dataBuf.Reset()
		var frame rpcFrame
		if err := json.Unmarshal(dataBuf.Bytes(), &frame); err != nil {
			c.logger.Warn("discarding malformed sse event", "provider", c.cfg.Name, "error", err)
			return
		}
		if frame.ID == nil {
			return
		}
		c.corr.resolve(*frame.ID, callResult{result: frame.Result, err: frame.Error.asProtocolError()})
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			dataBuf.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: and comment lines carry no correlation
			// information this client needs.
		}
	}
	flush()

	c.corr.closeAll(domainprovider.ErrTransportClosed)
}
