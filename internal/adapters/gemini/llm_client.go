package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiClient is an implementation of the JudgmentClient interface using Google Gemini
type GeminiClient struct {
	client        *genai.Client
	model         *genai.GenerativeModel
	modelName     string
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(
	ctx context.Context,
	apiKey string,
	modelName string,
	maxTokens int,
	temperature float32,
	topP float32,
	maxBodySize int,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(temperature)
	model.SetTopP(topP)
	model.SetMaxOutputTokens(int32(maxTokens))
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = genai.NewUserContent(genai.Text(utils.SystemPrompt))

	return &GeminiClient{
		client:        client,
		model:         model,
		modelName:     modelName,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
	}, nil
}

// Close closes the Gemini client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Judge asks the model how important the message is
func (c *GeminiClient) Judge(ctx context.Context, msg *core.Message) (*core.Judgment, error) {
	prompt := c.textProcessor.BuildJudgmentPrompt(msg, c.maxBodySize)

	resp, err := c.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate content with Gemini: %v", core.ErrJudgmentUnavailable, err)
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	judgment, err := utils.ParseJudgment(text, c.modelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrJudgmentUnavailable, err)
	}

	c.logger.Debug("Gemini judgment",
		zap.String("message_id", msg.ID),
		zap.String("tier", judgment.Tier.String()),
		zap.String("category", judgment.Category))

	return judgment, nil
}

// responseText joins the text parts of the first candidate. A blocked
// prompt is permanent; retrying the same content gets the same answer.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: empty response from Gemini", core.ErrJudgmentUnavailable)
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		return "", core.Permanent(fmt.Errorf("%w: prompt blocked by Gemini: %s", core.ErrJudgmentUnavailable, fb.BlockReason))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty response from Gemini", core.ErrJudgmentUnavailable)
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: no text in Gemini response", core.ErrJudgmentUnavailable)
	}
	return b.String(), nil
}
