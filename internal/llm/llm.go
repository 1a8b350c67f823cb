// Package llm provides the supervising-LLM facility used for session
// summarization, confidence assessment, and other short structured
// generations. It is distinct from the coding agent the executor
// dispatches work to.
package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/loomctl/loom/internal/errkind"
)

// Options tunes a single generation.
type Options struct {
	// System is the optional system prompt.
	System string
	// MaxTokens caps the response length; 0 uses the default.
	MaxTokens int64
	// Timeout bounds the call; 0 uses the client default.
	Timeout time.Duration
}

// Supervisor produces short supervisory generations. Implementations
// must be safe for concurrent use.
type Supervisor interface {
	// Generate returns the model's text response to the prompt.
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
	// Available reports whether the supervisor can serve calls. Callers
	// degrade to deterministic fallbacks when it returns false.
	Available() bool
}

// ClientConfig configures the Anthropic-backed supervisor.
type ClientConfig struct {
	// Model is the model to use; empty selects a default.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, ANTHROPIC_API_KEY is used.
	APIKey string
	// UseAWSBedrock routes calls through AWS Bedrock instead of the API.
	UseAWSBedrock bool
	// AWSRegion is the Bedrock region.
	AWSRegion string
	// AWSProfile is the optional AWS shared-config profile.
	AWSProfile string
	// DefaultTimeout bounds each call when Options.Timeout is zero.
	DefaultTimeout time.Duration
}

// Client is the Anthropic SDK implementation of Supervisor.
type Client struct {
	inner   anthropic.Client
	model   anthropic.Model
	timeout time.Duration
}

var _ Supervisor = (*Client)(nil)

// NewClient creates a Supervisor backed by the Anthropic SDK, using the
// direct API or Bedrock depending on configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Client{
		inner:   anthropic.NewClient(opts...),
		model:   model,
		timeout: timeout,
	}, nil
}

// Available reports true; construction already validated credentials.
func (c *Client) Available() bool {
	return c != nil
}

// Generate sends one user message and returns the concatenated text
// blocks of the response.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: opts.System},
		}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", errkind.Wrap(err, errkind.Timeout, "llm", "generate")
		}
		return "", errkind.Wrap(err, errkind.Unavailable, "llm", "generate")
	}

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}
	if text == "" {
		return "", errkind.New(errkind.ProtocolError, "llm", "response contained no text blocks")
	}
	return text, nil
}
