// Package agentapi defines the boundary to the autonomous coding
// agent. The executor talks to agents only through the Agent interface;
// the Anthropic adapter in this package is one implementation.
package agentapi

import (
	"context"

	"github.com/loomctl/loom/pkg/models"
)

// Request is one dispatch to the agent.
type Request struct {
	// Prompt is the assembled instruction text.
	Prompt string
	// Context carries supporting material (summaries, prior feedback).
	Context string
	// IdempotencyKey makes re-dispatch after a transport failure safe.
	IdempotencyKey string
	// MaxTokens caps the response length; 0 uses the adapter default.
	MaxTokens int64
}

// Response is the agent's reply to one Request.
type Response struct {
	// Text is the response body.
	Text string
	// Tokens is the four-way usage breakdown for this response.
	Tokens models.TokenUsage
	// Metadata carries adapter-specific extras (model name, stop reason).
	Metadata map[string]string
}

// Agent dispatches work to an autonomous coding agent. Implementations
// map failures onto errkind kinds: Timeout, Unavailable, ProtocolError,
// or Validation for rejected requests.
type Agent interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// ContextLimiter is implemented by agents that publish their context
// window size. Absent this, the window manager falls back to its
// model map and conservative default.
type ContextLimiter interface {
	ContextLimit() int64
}
