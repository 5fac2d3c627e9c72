package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"

	"github.com/Veraticus/esg-flow/internal/common"
)

// DefaultGeminiModel is a multimodal model that accepts inline PDFs.
const DefaultGeminiModel = "gemini-2.5-flash"

const extractionPrompt = "Extract all text from this PDF document. Return only the extracted text content, " +
	"preserving structure. Include headings, paragraphs, lists, and tables."

// Extractor pulls the text out of a PDF.
type Extractor interface {
	ExtractPDF(ctx context.Context, fileName string, data []byte) (string, error)
}

// GeminiExtractor sends PDFs inline to a Gemini model.
type GeminiExtractor struct {
	model     llms.Model
	modelName string
}

// NewGeminiExtractor creates an extractor for apiKey. An empty model name
// uses DefaultGeminiModel.
func NewGeminiExtractor(ctx context.Context, apiKey, modelName string) (*GeminiExtractor, error) {
	if apiKey == "" {
		return nil, common.Classified(common.KindAuthentication,
			fmt.Errorf("GEMINI_API_KEY: %w", common.ErrMissingAPIKey))
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	client, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(modelName),
	)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiExtractor{model: client, modelName: modelName}, nil
}

// ExtractPDF implements Extractor.
func (g *GeminiExtractor) ExtractPDF(ctx context.Context, _ string, data []byte) (string, error) {
	resp, err := g.model.GenerateContent(ctx, []llms.MessageContent{{
		Role: llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{
			llms.BinaryPart("application/pdf", data),
			llms.TextPart(extractionPrompt),
		},
	}}, llms.WithModel(g.modelName))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("failed to extract text from Gemini response")
	}

	var b strings.Builder
	for _, choice := range resp.Choices {
		b.WriteString(choice.Content)
	}
	return b.String(), nil
}
