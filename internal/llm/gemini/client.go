// Package gemini adapts the Google Gen AI SDK to triage.Provider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"

	"github.com/linnemanlabs/deskhand/internal/triage"
)

// ProviderName is reported in model provenance.
const ProviderName = "gemini"

// Client implements triage.Provider on the Gemini API.
type Client struct {
	models *genai.Models
	model  string
}

// Option adjusts the client configuration before the SDK client is built.
type Option func(*genai.ClientConfig)

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(u string) Option {
	return func(c *genai.ClientConfig) { c.HTTPOptions.BaseURL = u }
}

// New creates a Gemini client for model.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, o := range opts {
		o(cc)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{models: client.Models, model: model}, nil
}

// Name implements triage.Provider.
func (c *Client) Name() string { return ProviderName }

// Send implements triage.Provider.
func (c *Client) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens), //nolint:gosec // small fixed budgets
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := c.models.GenerateContent(ctx, c.model, toContents(req.Messages), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return fromResponse(resp, c.model), nil
}

func toContents(msgs []triage.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		for _, b := range m.Content {
			if b.Type == "text" {
				parts = append(parts, genai.NewPartFromText(b.Text))
			}
		}
		out = append(out, genai.NewContentFromParts(parts, role))
	}
	return out
}

func fromResponse(resp *genai.GenerateContentResponse, requested string) *triage.LLMResponse {
	out := &triage.LLMResponse{Model: resp.ModelVersion}
	if out.Model == "" {
		out.Model = requested
	}
	if resp.UsageMetadata != nil {
		out.Usage = triage.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]
	out.StopReason = stopReason(cand.FinishReason)
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p != nil && p.Text != "" && !p.Thought {
				out.Content = append(out.Content, triage.ContentBlock{Type: "text", Text: p.Text})
			}
		}
	}
	return out
}

func stopReason(fr genai.FinishReason) triage.StopReason {
	switch fr {
	case genai.FinishReasonStop:
		return triage.StopEnd
	case genai.FinishReasonMaxTokens:
		return triage.StopMaxTokens
	default:
		return triage.StopReason(fr)
	}
}
