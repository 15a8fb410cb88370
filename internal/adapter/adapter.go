// Package adapter defines the model-calling contract the internal agent
// runner (C10) invokes, and one minimal concrete implementation — a CLI
// subprocess adapter — so the runner has something real to exercise.
// Spec §1 places adapters themselves out of scope ("only their abstract
// contract matters"); this package supplies that contract plus the
// simplest grounded implementation, in the spirit of thrum's own
// subprocess-invocation helpers under internal/daemon.
package adapter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Request is what the runner hands an adapter for one reply.
type Request struct {
	Prompt       string
	SystemPrompt string
}

// Response is what an adapter returns on success.
type Response struct {
	Content string
}

// Adapter is the abstract model-calling contract. Implementations must
// respect ctx cancellation. The runner passes its own loop context to
// Invoke without adding a deadline, so any timeout is the adapter's own.
type Adapter interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// CLIAdapter invokes a subprocess, writing the rendered prompt to stdin
// and reading its full stdout as the reply. It is the minimal grounded
// concrete adapter referenced by spec §1's "CLI subprocesses" example.
type CLIAdapter struct {
	Command string
	Args    []string
}

// NewCLIAdapter builds a CLIAdapter that runs command with args.
func NewCLIAdapter(command string, args ...string) *CLIAdapter {
	return &CLIAdapter{Command: command, Args: args}
}

// Invoke runs the subprocess once per call — no session is kept between
// calls, matching the runner's one-shot-per-reply usage.
func (c *CLIAdapter) Invoke(ctx context.Context, req Request) (Response, error) {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)

	var stdin strings.Builder
	if req.SystemPrompt != "" {
		stdin.WriteString(req.SystemPrompt)
		stdin.WriteString("\n\n")
	}
	stdin.WriteString(req.Prompt)
	cmd.Stdin = strings.NewReader(stdin.String())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Response{}, fmt.Errorf("adapter subprocess %s: %w: %s", c.Command, err, stderr.String())
	}
	return Response{Content: strings.TrimSpace(stdout.String())}, nil
}

// Timeout tiers from spec §5, exposed as named constants so callers don't
// re-derive them.
const (
	CLIBaseTimeout  = 30 * time.Second
	CLIMaxTimeout   = 5 * time.Minute
	HTTPBaseTimeout = 15 * time.Second
	HTTPMaxTimeout  = 10 * time.Minute
)
