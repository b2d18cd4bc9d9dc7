package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/trendsift/trendsift/internal/digest"
)

// GenAIClient implements digest.ModelClient on top of the Gemini API.
type GenAIClient struct {
	client     *genai.Client
	model      string
	embedModel string
}

// NewGenAIClient creates a Gemini-backed model client.
func NewGenAIClient(ctx context.Context, apiKey, model, embedModel string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gateway.api_key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIClient{
		client:     client,
		model:      model,
		embedModel: embedModel,
	}, nil
}

// Generate sends one prompt and returns the completion text and token count.
func (c *GenAIClient) Generate(ctx context.Context, prompt string) (digest.Completion, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return digest.Completion{}, classify(err)
	}
	comp := digest.Completion{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		comp.TokensUsed = int64(resp.UsageMetadata.TotalTokenCount)
	}
	return comp, nil
}

// Embed returns the embedding vector for the given text.
func (c *GenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Models.EmbedContent(ctx, c.embedModel, genai.Text(text), nil)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, &digest.ProviderError{Msg: "empty embedding response", Transient: true}
	}
	return resp.Embeddings[0].Values, nil
}

// classify maps provider errors onto the transient/permanent split the
// retry loop keys off. Rate limits and server errors are transient; auth
// and malformed-request rejections are permanent.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		transient := apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
		return &digest.ProviderError{
			Status:    apiErr.Code,
			Msg:       apiErr.Message,
			Transient: transient,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &digest.ProviderError{Msg: "model call timed out", Transient: true}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &digest.ProviderError{Msg: err.Error(), Transient: true}
}
