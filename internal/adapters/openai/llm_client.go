package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIClient is an implementation of the JudgmentClient interface using OpenAI
type OpenAIClient struct {
	client        *openai.Client
	modelName     string
	maxTokens     int
	temperature   float32
	topP          float32
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(
	client *openai.Client,
	modelName string,
	maxTokens int,
	temperature float32,
	topP float32,
	maxBodySize int,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) *OpenAIClient {
	return &OpenAIClient{
		client:        client,
		modelName:     modelName,
		maxTokens:     maxTokens,
		temperature:   temperature,
		topP:          topP,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// Judge asks the model how important the message is
func (c *OpenAIClient) Judge(ctx context.Context, msg *core.Message) (*core.Judgment, error) {
	prompt := c.textProcessor.BuildJudgmentPrompt(msg, c.maxBodySize)

	req := openai.ChatCompletionRequest{
		Model: c.modelName,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: utils.SystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		TopP:        c.topP,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response from OpenAI", core.ErrJudgmentUnavailable)
	}

	judgment, err := utils.ParseJudgment(resp.Choices[0].Message.Content, c.modelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrJudgmentUnavailable, err)
	}

	c.logger.Debug("OpenAI judgment",
		zap.String("message_id", msg.ID),
		zap.String("response_id", resp.ID),
		zap.String("tier", judgment.Tier.String()),
		zap.String("category", judgment.Category))

	return judgment, nil
}

// classifyError marks authentication and request errors as permanent
func classifyError(err error) error {
	wrapped := fmt.Errorf("%w: failed to create chat completion with OpenAI: %v", core.ErrJudgmentUnavailable, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest, http.StatusNotFound:
			return core.Permanent(wrapped)
		}
	}
	return wrapped
}
