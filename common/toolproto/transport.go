package toolproto

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/lyzr/flowrunner/common/flowerr"
)

// transport sends one JSON-RPC request and awaits its response
type transport interface {
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
	close() error
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// stdioTransport frames newline-delimited JSON-RPC over a child
// process's stdin/stdout. Responses may arrive out of order; the id map
// multiplexes them back to waiting callers.
type stdioTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcResponse

	done chan struct{}
}

func newStdioTransport(server ServerConfig) (*stdioTransport, error) {
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Env = os.Environ()
	for k, v := range server.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryToolProto, err, "start tool server %q", server.Command)
	}

	t := &stdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t, nil
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer close(t.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	// Process exited: fail every waiter
	t.mu.Lock()
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
	t.mu.Unlock()
}

func (t *stdioTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	ch := make(chan *rpcResponse, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	_, werr := t.stdin.Write(data)
	t.mu.Unlock()
	if werr != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, flowerr.Wrap(flowerr.CategoryToolProto, werr, "send %s to tool server", method)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, flowerr.New(flowerr.CategoryToolProto, "tool server exited before responding to %s", method)
		}
		if resp.Error != nil {
			return nil, flowerr.Wrap(flowerr.CategoryToolProto, resp.Error, "%s", method)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *stdioTransport) close() error {
	t.stdin.Close()
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	<-t.done
	return t.cmd.Wait()
}

// httpTransport posts the JSON-RPC envelope to a fixed URL
type httpTransport struct {
	url     string
	headers map[string]string
	client  *http.Client

	mu     sync.Mutex
	nextID int64
}

func newHTTPTransport(server ServerConfig, client *http.Client) *httpTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpTransport{url: server.URL, headers: server.Headers, client: client}
}

func (t *httpTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.mu.Unlock()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryToolProto, err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryToolProto, err, "%s against %s", method, t.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, flowerr.New(flowerr.CategoryToolProto, "tool server %s returned HTTP %d", t.url, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryToolProto, err, "decode %s response", method)
	}
	if rpcResp.Error != nil {
		return nil, flowerr.Wrap(flowerr.CategoryToolProto, rpcResp.Error, "%s", method)
	}
	return rpcResp.Result, nil
}

func (t *httpTransport) close() error { return nil }
