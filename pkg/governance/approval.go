// Package governance is the confirmation policy consulted before a
// plan step flagged requires_confirmation is allowed to execute.
package governance

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/famulus-ai/famulus/pkg/core"
)

// Decision is the outcome of one approval request.
type Decision struct {
	Allowed bool
	Reason  string
}

// ApprovalHook decides whether a confirmation-gated step may proceed.
type ApprovalHook interface {
	Request(ctx context.Context, step core.PlanStep) Decision
}

// AutoApprove allows every step; the default for unattended runs.
type AutoApprove struct{}

func (AutoApprove) Request(context.Context, core.PlanStep) Decision {
	return Decision{Allowed: true, Reason: "auto-approved"}
}

// StaticApprovalHook returns a fixed decision for every request.
type StaticApprovalHook struct {
	Decision Decision
}

func (h StaticApprovalHook) Request(context.Context, core.PlanStep) Decision {
	d := h.Decision
	if d.Reason == "" {
		if d.Allowed {
			d.Reason = "approved by policy"
		} else {
			d.Reason = "denied by policy"
		}
	}
	return d
}

// ConsoleApprovalHook prompts an operator on a terminal. Cancellation
// or timeout denies.
type ConsoleApprovalHook struct {
	in      *bufio.Reader
	out     io.Writer
	prompt  string
	timeout time.Duration
}

// ConsoleOption configures the console hook.
type ConsoleOption func(*ConsoleApprovalHook)

// WithInput replaces stdin.
func WithInput(r io.Reader) ConsoleOption {
	return func(h *ConsoleApprovalHook) {
		if r != nil {
			h.in = bufio.NewReader(r)
		}
	}
}

// WithOutput replaces stdout.
func WithOutput(w io.Writer) ConsoleOption {
	return func(h *ConsoleApprovalHook) {
		if w != nil {
			h.out = w
		}
	}
}

// WithTimeout bounds the wait for operator input.
func WithTimeout(d time.Duration) ConsoleOption {
	return func(h *ConsoleApprovalHook) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewConsoleApprovalHook creates a console-based hook.
func NewConsoleApprovalHook(opts ...ConsoleOption) *ConsoleApprovalHook {
	h := &ConsoleApprovalHook{
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		prompt: "Approve? [y/N]: ",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Request prints the step and its risk, then waits for a y/N answer.
func (h *ConsoleApprovalHook) Request(ctx context.Context, step core.PlanStep) Decision {
	fmt.Fprintf(h.out, "\nApproval required for step %d (%s, risk: %s)\n",
		step.StepID, step.Tool, step.Risk)
	if step.Intent != "" {
		fmt.Fprintf(h.out, "Intent: %s\n", step.Intent)
	}
	fmt.Fprint(h.out, h.prompt)

	responseCh := make(chan string, 1)
	go func() {
		line, _ := h.in.ReadString('\n')
		responseCh <- line
	}()

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return Decision{Allowed: false, Reason: "approval wait cancelled"}
	case line := <-responseCh:
		answer := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(answer, "y") {
			return Decision{Allowed: true, Reason: "approved by operator"}
		}
		return Decision{Allowed: false, Reason: "rejected by operator"}
	}
}
