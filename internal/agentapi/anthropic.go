package agentapi

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/pkg/models"
)

// contextLimits maps known models to their context window sizes.
var contextLimits = map[string]int64{
	"claude-sonnet-4-20250514":   200_000,
	"claude-sonnet-4-5-20250929": 200_000,
	"claude-haiku-4-5-20251001":  200_000,
	"claude-opus-4-1-20250805":   200_000,
	"claude-3-5-haiku-20241022":  200_000,
}

// DefaultContextLimit is the conservative fallback for unknown models.
const DefaultContextLimit = 100_000

// AnthropicConfig configures the Anthropic agent adapter.
type AnthropicConfig struct {
	// Model is the model dispatched to; empty selects a default.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, ANTHROPIC_API_KEY is used.
	APIKey string
	// SystemPrompt is prepended to every dispatch.
	SystemPrompt string
	// UseAWSBedrock routes calls through AWS Bedrock.
	UseAWSBedrock bool
	// AWSRegion is the Bedrock region.
	AWSRegion string
	// AWSProfile is the optional AWS shared-config profile.
	AWSProfile string
}

// AnthropicAgent implements Agent against the Anthropic Messages API.
type AnthropicAgent struct {
	inner  anthropic.Client
	model  anthropic.Model
	system string
}

var (
	_ Agent          = (*AnthropicAgent)(nil)
	_ ContextLimiter = (*AnthropicAgent)(nil)
)

// NewAnthropicAgent creates an agent adapter over the Anthropic SDK.
func NewAnthropicAgent(cfg AnthropicConfig) (*AnthropicAgent, error) {
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

	return &AnthropicAgent{
		inner:  anthropic.NewClient(opts...),
		model:  model,
		system: cfg.SystemPrompt,
	}, nil
}

// ContextLimit publishes the window size for the configured model.
func (a *AnthropicAgent) ContextLimit() int64 {
	if limit, ok := contextLimits[string(a.model)]; ok {
		return limit
	}
	return DefaultContextLimit
}

// Send dispatches one request and returns the response with its token
// breakdown.
func (a *AnthropicAgent) Send(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, errkind.New(errkind.Validation, "agent", "empty prompt")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	prompt := req.Prompt
	if req.Context != "" {
		prompt = req.Context + "\n\n" + req.Prompt
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: a.system},
		}
	}

	var callOpts []option.RequestOption
	if req.IdempotencyKey != "" {
		callOpts = append(callOpts, option.WithHeader("Idempotency-Key", req.IdempotencyKey))
	}

	resp, err := a.inner.Messages.New(ctx, params, callOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errkind.Wrap(err, errkind.Timeout, "agent", "dispatch")
		}
		return nil, errkind.Wrap(err, errkind.Unavailable, "agent", "dispatch")
	}

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}
	if text == "" {
		return nil, errkind.New(errkind.ProtocolError, "agent", "response contained no text blocks")
	}

	return &Response{
		Text: text,
		Tokens: models.TokenUsage{
			Input:         resp.Usage.InputTokens,
			CacheRead:     resp.Usage.CacheReadInputTokens,
			CacheCreation: resp.Usage.CacheCreationInputTokens,
			Output:        resp.Usage.OutputTokens,
		},
		Metadata: map[string]string{
			"model":       string(resp.Model),
			"stop_reason": string(resp.StopReason),
		},
	}, nil
}
