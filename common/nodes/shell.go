package nodes

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/store"
)

const shellDoc = `Node: shell

Runs a shell command. A non-zero exit code is a valid outcome routed
through the error action; only failures to start the process raise.

Interface:
- Params: command: string
- Params: stdin: string|null  # stdin if piped
- Params: stdin_is_binary: bool  # default false
- Params: cwd: string  # default .
- Writes: shared["stdout"]: string|bytes
- Writes: shared["stdout_is_binary"]: bool
- Writes: shared["stderr"]: string
- Writes: shared["exit_code"]: int
- Actions: default (exit code 0), error (non-zero exit code)
`

// unsafe command fragments rejected under SHELL_STRICT
var strictDenylist = []string{
	"rm -rf /",
	"rm -rf ~",
	"mkfs",
	"dd if=",
	":(){",
	"> /dev/sda",
	"sudo ",
	"chmod -R 777 /",
}

type shellNode struct {
	node.Base
	cfg config.ShellConfig
}

type shellRequest struct {
	command string
	stdin   []byte
	cwd     string
}

type shellResult struct {
	stdout   []byte
	stderr   string
	exitCode int
}

func (n *shellNode) Prep(_ context.Context, _ *store.Namespaced) (any, error) {
	command := n.StringParam("command", "")
	if command == "" {
		return nil, flowerr.New(flowerr.CategoryValidation, "shell node requires a command param").
			WithSuggestion("set params.command, e.g. \"wc -l input.txt\"")
	}

	if n.cfg.Strict {
		lowered := strings.ToLower(command)
		for _, denied := range strictDenylist {
			if strings.Contains(lowered, denied) {
				return nil, flowerr.New(flowerr.CategoryShell, "command rejected by strict mode: contains %q", denied).
					WithShell(command, -1).
					WithSuggestion("rewrite the command without %q or unset SHELL_STRICT", denied)
			}
		}
	}

	stdinValue, _ := n.Param("stdin")
	stdin, err := payloadBytes(stdinValue, n.BoolParam("stdin_is_binary", false))
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryValidation, err, "shell stdin param")
	}

	return &shellRequest{
		command: command,
		stdin:   stdin,
		cwd:     n.StringParam("cwd", ""),
	}, nil
}

func (n *shellNode) Exec(ctx context.Context, prep any) (any, error) {
	req := prep.(*shellRequest)

	cmd := exec.CommandContext(ctx, "sh", "-c", req.command)
	if req.cwd != "" {
		cmd.Dir = req.cwd
	}
	if len(req.stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &shellResult{stdout: stdout.Bytes(), stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		// Non-zero exit is data, not an exception
		result.exitCode = exitErr.ExitCode()
	case ctx.Err() != nil:
		return nil, err
	default:
		return nil, flowerr.Wrap(flowerr.CategoryShell, err, "start command").
			WithShell(req.command, -1).
			WithSuggestion("check that the command exists and the working directory %q is valid", req.cwd)
	}

	return result, nil
}

func (n *shellNode) Post(ctx context.Context, shared *store.Namespaced, _, result any) (string, error) {
	res := result.(*shellResult)

	setPayload(shared, "stdout", res.stdout)
	shared.Set("stderr", res.stderr)
	shared.Set("exit_code", res.exitCode)

	// stderr alongside a zero exit degrades the final status; with a
	// non-zero exit the error action already carries the signal
	if res.stderr != "" && res.exitCode == 0 {
		node.RecordStderr(ctx, res.stderr)
	}

	if res.exitCode != 0 {
		return "error", nil
	}
	return "", nil
}
