package anthropic

import (
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap"
)

// Factory creates new instances of AnthropicClient
type Factory struct {
	cfg           config.AnthropicConfig
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewFactory creates a new factory for AnthropicClient instances
func NewFactory(cfg config.AnthropicConfig, logger *zap.Logger, textProcessor *utils.TextProcessor) *Factory {
	return &Factory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateJudgmentClient creates a new AnthropicClient. The SDK's own retries
// are disabled; the classifier retry policy applies instead.
func (f *Factory) CreateJudgmentClient() (core.JudgmentClient, error) {
	if f.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic API key is required", core.ErrConfigInvalid)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(f.cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if f.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(f.cfg.BaseURL))
	}

	return NewAnthropicClient(
		anthropicsdk.NewClient(opts...),
		f.cfg.ModelName,
		f.cfg.MaxTokens,
		f.cfg.Temperature,
		f.cfg.MaxBodySize,
		f.logger,
		f.textProcessor,
	), nil
}
