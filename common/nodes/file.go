package nodes

import (
	"context"
	"os"
	"path/filepath"

	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/store"
)

const readFileDoc = `Node: read-file

Reads a file from the local filesystem. Non-UTF-8 content is exposed
through the binary payload contract.

Interface:
- Params: path: string
- Writes: shared["content"]: string|bytes
- Writes: shared["content_is_binary"]: bool
- Writes: shared["size"]: int
- Writes: shared["path"]: string
- Actions: default
`

type readFileNode struct {
	node.Base
}

func (n *readFileNode) Prep(_ context.Context, _ *store.Namespaced) (any, error) {
	path := n.StringParam("path", "")
	if path == "" {
		return nil, flowerr.New(flowerr.CategoryValidation, "read-file node requires a path param").
			WithSuggestion("set params.path to the file to read")
	}
	return path, nil
}

func (n *readFileNode) Exec(_ context.Context, prep any) (any, error) {
	path := prep.(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryFile, err, "read %s", path).
			WithSuggestion("check the path exists and is readable; relative paths resolve from the working directory")
	}
	return data, nil
}

func (n *readFileNode) Post(_ context.Context, shared *store.Namespaced, prep, result any) (string, error) {
	data := result.([]byte)
	setPayload(shared, "content", data)
	shared.Set("size", len(data))
	shared.Set("path", prep.(string))
	return "", nil
}

const writeFileDoc = `Node: write-file

Writes content to a file, creating parent directories. Accepts binary
payloads via the content_is_binary flag.

Interface:
- Params: path: string
- Params: content: string
- Params: content_is_binary: bool  # default false
- Writes: shared["path"]: string
- Writes: shared["bytes"]: int
- Actions: default
`

type writeFileNode struct {
	node.Base
}

type writeFileRequest struct {
	path string
	data []byte
}

func (n *writeFileNode) Prep(_ context.Context, _ *store.Namespaced) (any, error) {
	path := n.StringParam("path", "")
	if path == "" {
		return nil, flowerr.New(flowerr.CategoryValidation, "write-file node requires a path param").
			WithSuggestion("set params.path to the destination file")
	}

	content, ok := n.Param("content")
	if !ok {
		return nil, flowerr.New(flowerr.CategoryValidation, "write-file node requires a content param").
			WithSuggestion("set params.content, usually a reference like ${fetch.body}")
	}
	data, err := payloadBytes(content, n.BoolParam("content_is_binary", false))
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryValidation, err, "write-file content param")
	}

	return &writeFileRequest{path: path, data: data}, nil
}

func (n *writeFileNode) Exec(_ context.Context, prep any) (any, error) {
	req := prep.(*writeFileRequest)
	if dir := filepath.Dir(req.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, flowerr.Wrap(flowerr.CategoryFile, err, "create directory for %s", req.path)
		}
	}
	if err := os.WriteFile(req.path, req.data, 0o644); err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryFile, err, "write %s", req.path).
			WithSuggestion("check the destination directory is writable")
	}
	return len(req.data), nil
}

func (n *writeFileNode) Post(_ context.Context, shared *store.Namespaced, prep, result any) (string, error) {
	req := prep.(*writeFileRequest)
	shared.Set("path", req.path)
	shared.Set("bytes", result.(int))
	return "", nil
}
