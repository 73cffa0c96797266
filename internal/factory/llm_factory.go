package factory

import (
	"context"
	"fmt"

	"github.com/mikey/mail-triage/internal/adapters/anthropic"
	"github.com/mikey/mail-triage/internal/adapters/bedrock"
	"github.com/mikey/mail-triage/internal/adapters/gemini"
	"github.com/mikey/mail-triage/internal/adapters/openai"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap"
)

// LLMFactory creates judgment clients
type LLMFactory struct {
	holder        *config.Holder
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewLLMFactory creates a new LLM factory
func NewLLMFactory(holder *config.Holder, logger *zap.Logger, textProcessor *utils.TextProcessor) *LLMFactory {
	return &LLMFactory{
		holder:        holder,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateJudgmentClient creates a judgment client for the configured
// provider. Provider "none" returns a nil client, which leaves the
// classifier on rule signals only.
func (f *LLMFactory) CreateJudgmentClient(ctx context.Context) (core.JudgmentClient, error) {
	s := f.holder.Current()

	switch s.LLM.Provider {
	case "none":
		f.logger.Warn("No LLM provider configured, classifying on rule signals only")
		return nil, nil
	case "bedrock":
		return bedrock.NewFactory(s.Bedrock, f.logger, f.textProcessor).CreateJudgmentClient(ctx)
	case "gemini":
		return gemini.NewFactory(s.Gemini, f.logger, f.textProcessor).CreateJudgmentClient(ctx)
	case "openai":
		return openai.NewFactory(s.OpenAI, f.logger, f.textProcessor).CreateJudgmentClient()
	case "anthropic":
		return anthropic.NewFactory(s.Anthropic, f.logger, f.textProcessor).CreateJudgmentClient()
	default:
		return nil, fmt.Errorf("%w: unsupported LLM provider: %s", core.ErrConfigInvalid, s.LLM.Provider)
	}
}
