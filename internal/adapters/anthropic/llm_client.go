package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap"
)

// AnthropicClient is an implementation of the JudgmentClient interface using the Anthropic Messages API
type AnthropicClient struct {
	client        anthropicsdk.Client
	modelName     string
	maxTokens     int
	temperature   float64
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewAnthropicClient creates a new Anthropic client
func NewAnthropicClient(
	client anthropicsdk.Client,
	modelName string,
	maxTokens int,
	temperature float64,
	maxBodySize int,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) *AnthropicClient {
	return &AnthropicClient{
		client:        client,
		modelName:     modelName,
		maxTokens:     maxTokens,
		temperature:   temperature,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// Judge asks the model how important the message is
func (c *AnthropicClient) Judge(ctx context.Context, msg *core.Message) (*core.Judgment, error) {
	prompt := c.textProcessor.BuildJudgmentPrompt(msg, c.maxBodySize)

	resp, err := c.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(c.modelName),
		MaxTokens:   int64(c.maxTokens),
		Temperature: anthropicsdk.Float(c.temperature),
		System:      []anthropicsdk.TextBlockParam{{Text: utils.SystemPrompt}},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		wrapped := fmt.Errorf("%w: failed to create message with Anthropic: %v", core.ErrJudgmentUnavailable, err)
		var apiErr *anthropicsdk.Error
		if errors.As(err, &apiErr) {
			switch apiErr.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest, http.StatusNotFound:
				return nil, core.Permanent(wrapped)
			}
		}
		return nil, wrapped
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: empty response from Anthropic", core.ErrJudgmentUnavailable)
	}

	judgment, err := utils.ParseJudgment(text.String(), c.modelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrJudgmentUnavailable, err)
	}

	c.logger.Debug("Anthropic judgment",
		zap.String("message_id", msg.ID),
		zap.String("response_id", resp.ID),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.String("tier", judgment.Tier.String()))

	return judgment, nil
}
