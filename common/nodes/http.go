package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/store"
)

const httpDoc = `Node: http

Performs an HTTP request and exposes the response. Non-2xx responses are
valid outcomes routed through the error action, not failures.

Interface:
- Params: url: string
- Params: method: string  # default GET
- Params: headers: dict|null
- Params: body: string|dict|null
- Writes: shared["status"]: int
- Writes: shared["headers"]: dict
- Writes: shared["body"]: string|bytes
- Writes: shared["body_is_binary"]: bool
- Actions: default (2xx response), error (non-2xx response)
`

type httpNode struct {
	node.Base
	client *http.Client
}

type httpRequest struct {
	method  string
	url     string
	headers map[string]any
	body    []byte
}

type httpResponse struct {
	status  int
	headers map[string]any
	body    []byte
}

func (n *httpNode) Prep(_ context.Context, _ *store.Namespaced) (any, error) {
	url := n.StringParam("url", "")
	if url == "" {
		return nil, flowerr.New(flowerr.CategoryValidation, "http node requires a url param").
			WithSuggestion("set params.url, e.g. \"https://api.example.com/items\"")
	}

	req := &httpRequest{
		method: strings.ToUpper(n.StringParam("method", http.MethodGet)),
		url:    url,
	}
	if headers, ok := n.Param("headers"); ok {
		if m, ok := headers.(map[string]any); ok {
			req.headers = m
		}
	}

	if body, ok := n.Param("body"); ok && body != nil {
		switch b := body.(type) {
		case string:
			req.body = []byte(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, flowerr.Wrap(flowerr.CategoryValidation, err, "http body is not serializable")
			}
			req.body = data
		}
	}
	return req, nil
}

func (n *httpNode) Exec(ctx context.Context, prep any) (any, error) {
	req := prep.(*httpRequest)

	var body io.Reader
	if len(req.body) > 0 {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryHTTP, err, "build request for %s", req.url)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, fmt.Sprintf("%v", v))
	}
	if len(req.body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryHTTP, err, "%s %s", req.method, req.url)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryHTTP, err, "read response body from %s", req.url)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &httpResponse{status: resp.StatusCode, headers: headers, body: data}, nil
}

func (n *httpNode) ExecFallback(_ context.Context, prep any, execErr error) (any, error) {
	req := prep.(*httpRequest)
	return nil, flowerr.AsError(execErr).
		WithSuggestion("check that %s is reachable, or raise retries/wait_ms for flaky endpoints", req.url)
}

func (n *httpNode) Post(_ context.Context, shared *store.Namespaced, _, result any) (string, error) {
	resp := result.(*httpResponse)

	shared.Set("status", resp.status)
	shared.Set("headers", resp.headers)

	// JSON bodies land as structured values so downstream templates can
	// address fields directly; everything else follows the text/binary
	// payload contract
	contentType, _ := resp.headers["Content-Type"].(string)
	if strings.Contains(contentType, "application/json") && utf8.Valid(resp.body) {
		var parsed any
		if err := json.Unmarshal(resp.body, &parsed); err == nil {
			shared.Set("body", parsed)
		} else {
			shared.Set("body", string(resp.body))
		}
	} else {
		setPayload(shared, "body", resp.body)
	}

	if resp.status < 200 || resp.status > 299 {
		return "error", nil
	}
	return "", nil
}
