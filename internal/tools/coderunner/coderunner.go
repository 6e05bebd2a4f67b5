// Package coderunner implements the built-in "code_runner" tool: it runs
// a short-lived interpreter command under a context-bound subprocess and
// returns its captured output.
package coderunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nexuschat/orchestrator/internal/tools"
)

// Tool runs a single command to completion under a bounded timeout.
type Tool struct {
	// Interpreter is prepended to every command, e.g. []string{"sh", "-c"}.
	// Fixing the interpreter keeps the tool's surface to "run this script
	// text", not "run an arbitrary argv" chosen by the model.
	Interpreter []string
	MaxTimeout  time.Duration
	OutputCap   int
}

// New builds the tool with a plain shell interpreter and a conservative
// ceiling on how long a run may take.
func New() *Tool {
	return &Tool{
		Interpreter: []string{"sh", "-c"},
		MaxTimeout:  30 * time.Second,
		OutputCap:   32 * 1024,
	}
}

func (t *Tool) Name() string { return "code_runner" }

// Capabilities declares "streams": its stdout/stderr is produced
// incrementally by the subprocess even though this implementation buffers
// it before returning a single Result.
func (t *Tool) Capabilities() []tools.Capability {
	return []tools.Capability{tools.CapabilityStreams}
}

func (t *Tool) Description() string {
	return "Run a short script and return its stdout/stderr and exit code."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"script": map[string]any{
				"type":        "string",
				"description": "Script text to execute.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (capped by the deployment's configured maximum).",
				"minimum":     1,
			},
			"stdin": map[string]any{
				"type":        "string",
				"description": "Content to pass on stdin.",
			},
		},
		"required":             []string{"script"},
		"additionalProperties": false,
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
	var params struct {
		Script         string `json:"script"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Stdin          string `json:"stdin"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &tools.Result{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	script := strings.TrimSpace(params.Script)
	if script == "" {
		return &tools.Result{Content: "script is required", IsError: true}, nil
	}
	if len(t.Interpreter) == 0 {
		return &tools.Result{Content: "code_runner has no interpreter configured", IsError: true}, nil
	}

	timeout := t.MaxTimeout
	if requested := time.Duration(params.TimeoutSeconds) * time.Second; requested > 0 && requested < timeout {
		timeout = requested
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string{}, t.Interpreter[1:]...), script)
	cmd := exec.CommandContext(runCtx, t.Interpreter[0], argv...)
	if params.Stdin != "" {
		cmd.Stdin = strings.NewReader(params.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if runCtx.Err() != nil {
			return &tools.Result{Content: "code_runner: timed out", IsError: true}, nil
		} else {
			return &tools.Result{Content: fmt.Sprintf("code_runner: %v", runErr), IsError: true}, nil
		}
	}

	payload, err := json.Marshal(map[string]any{
		"exit_code": exitCode,
		"stdout":    capOutput(stdout.String(), t.OutputCap),
		"stderr":    capOutput(stderr.String(), t.OutputCap),
	})
	if err != nil {
		return &tools.Result{Content: "failed to encode result", IsError: true}, nil
	}

	return &tools.Result{Content: string(payload), IsError: exitCode != 0}, nil
}

func capOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
