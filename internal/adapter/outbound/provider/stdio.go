package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	domainprovider "github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/pkg/mcp"
)

// requestTimeout is the per-call deadline owned by the Provider Client
// itself ("Per-request timeouts (30s) are owned by the Provider
// Client, not the transport").
const requestTimeout = 30 * time.Second

const maxLineSize = 10 * 1024 * 1024

// StdioClient speaks line-delimited JSON-RPC to a child process over its
// standard streams: subprocess lifecycle, stderr forwarding, idempotent
// Close, plus its own request/response correlation since CallTool and
// ListTools do their own framing over the shared pump.
type StdioClient struct {
	cfg    domainprovider.ProviderConfig
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	corr *correlator
	wg   sync.WaitGroup

	tools []domainprovider.ToolDescriptor
}

// NewStdioClient constructs a stdio Provider Client for cfg, whose
// Transport must be TransportStdio.
func NewStdioClient(cfg domainprovider.ProviderConfig, logger *slog.Logger) *StdioClient {
	return &StdioClient{cfg: cfg, logger: logger, corr: newCorrelator()}
}

// Start spawns the child process, performs the initialize handshake,
// sends notifications/initialized, and caches the provider's tool list
// (spec's common connection protocol). A tools/list failure at this
// stage is non-fatal: Start still succeeds, leaving an empty tool cache.
func (c *StdioClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: already started", domainprovider.ErrProviderStartFailed)
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	if c.cfg.Cwd != "" {
		cmd.Dir = c.cfg.Cwd
	}
	if len(c.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range c.cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: stdin pipe: %v", domainprovider.ErrProviderStartFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		c.mu.Unlock()
		return fmt.Errorf("%w: stdout pipe: %v", domainprovider.ErrProviderStartFailed, err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", domainprovider.ErrProviderStartFailed, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(stdout)

	if _, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "xzproxy", "version": "0.1.0"},
	}); err != nil {
		_ = c.Stop()
		return fmt.Errorf("%w: initialize: %w", domainprovider.ErrProviderStartFailed, err)
	}

	if err := c.notify("notifications/initialized", nil); err != nil {
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
func (c *StdioClient) ListTools(ctx context.Context) ([]domainprovider.ToolDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools, nil
}

// CallTool invokes a tool by its original (non-namespaced) name.
func (c *StdioClient) CallTool(ctx context.Context, originalName string, args json.RawMessage) (json.RawMessage, error) {
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

// Done returns a channel closed when the subprocess's stdout closes or
// Stop is called.
func (c *StdioClient) Done() <-chan struct{} {
	return c.corr.Done()
}

// Stop terminates the child process and releases all resources. Safe to
// call multiple times.
func (c *StdioClient) Stop() error {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	stdout := c.stdout
	c.cmd = nil
	c.stdin = nil
	c.stdout = nil
	c.mu.Unlock()

	c.corr.closeAll(domainprovider.ErrCancelled)

	var errs []error
	if stdin != nil {
		if err := stdin.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}
	if stdout != nil {
		if err := stdout.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *StdioClient) fetchTools(ctx context.Context) ([]domainprovider.ToolDescriptor, error) {
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

// call sends a JSON-RPC request and blocks until its response arrives, the
// request timeout elapses, or ctx is cancelled.
func (c *StdioClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
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

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		c.corr.forget(id)
		return nil, domainprovider.ErrTransportClosed
	}
	if _, err := stdin.Write(append(frame, '\n')); err != nil {
		c.corr.forget(id)
		return nil, fmt.Errorf("%w: %v", domainprovider.ErrTransportClosed, err)
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

// notify sends a JSON-RPC notification without waiting for a response.
func (c *StdioClient) notify(method string, params interface{}) error {
	frame, err := mcp.BuildNotification(method, params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return domainprovider.ErrTransportClosed
	}
	_, err = stdin.Write(append(frame, '\n'))
	return err
}

// readLoop scans newline-delimited JSON-RPC frames from the child's
// stdout and dispatches responses to their waiters. Notifications and
// requests sent by the provider (server-initiated) are dropped without
// logging; this proxy never acts as a client-role target.
func (c *StdioClient) readLoop(stdout io.ReadCloser) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame rpcFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.logger.Warn("discarding malformed frame from provider",
				"provider", c.cfg.Name, "error", err)
			continue
		}
		if frame.ID == nil {
			continue
		}
		c.corr.resolve(*frame.ID, callResult{result: frame.Result, err: frame.Error.asProtocolError()})
	}

	c.corr.closeAll(domainprovider.ErrTransportClosed)
}
