package governance

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/famulus-ai/famulus/pkg/core"
)

var dangerStep = core.PlanStep{
	StepID: 3, Tool: "shell", Risk: core.RiskDanger,
	Intent: "delete the cache directory", RequiresConfirmation: true,
}

func TestAutoApprove(t *testing.T) {
	d := AutoApprove{}.Request(context.Background(), dangerStep)
	if !d.Allowed {
		t.Errorf("decision = %+v", d)
	}
}

func TestStaticApprovalHook(t *testing.T) {
	deny := StaticApprovalHook{Decision: Decision{Allowed: false}}
	if d := deny.Request(context.Background(), dangerStep); d.Allowed || d.Reason == "" {
		t.Errorf("decision = %+v", d)
	}
	allow := StaticApprovalHook{Decision: Decision{Allowed: true, Reason: "trusted"}}
	if d := allow.Request(context.Background(), dangerStep); !d.Allowed || d.Reason != "trusted" {
		t.Errorf("decision = %+v", d)
	}
}

func TestConsoleApprovalHook(t *testing.T) {
	cases := []struct {
		input   string
		allowed bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"n\n", false},
		{"\n", false},
		{"whatever\n", false},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		h := NewConsoleApprovalHook(
			WithInput(strings.NewReader(tc.input)),
			WithOutput(&out),
		)
		d := h.Request(context.Background(), dangerStep)
		if d.Allowed != tc.allowed {
			t.Errorf("input %q: allowed = %t, want %t", tc.input, d.Allowed, tc.allowed)
		}
		if !strings.Contains(out.String(), "step 3") || !strings.Contains(out.String(), "danger") {
			t.Errorf("prompt = %q", out.String())
		}
	}
}

func TestConsoleApprovalTimeout(t *testing.T) {
	var out bytes.Buffer
	// A reader that never yields input.
	blocked, _ := newBlockedReader()
	h := NewConsoleApprovalHook(
		WithInput(blocked),
		WithOutput(&out),
		WithTimeout(20*time.Millisecond),
	)
	d := h.Request(context.Background(), dangerStep)
	if d.Allowed {
		t.Errorf("timeout should deny: %+v", d)
	}
}

func newBlockedReader() (*blockedReader, chan struct{}) {
	ch := make(chan struct{})
	return &blockedReader{ch: ch}, ch
}

type blockedReader struct{ ch chan struct{} }

func (r *blockedReader) Read([]byte) (int, error) {
	<-r.ch
	return 0, nil
}
