// Package claude adapts the Anthropic Messages API to triage.Provider.
package claude

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/deskhand/internal/triage"
)

// ProviderName is reported in model provenance.
const ProviderName = "anthropic"

// Client implements triage.Provider using the Anthropic SDK.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Claude client for model. Extra options are applied after the
// defaults, so tests can point the client at a local server.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
		// Failed calls fall back to the local path; SDK retries would only
		// eat into the provider timeout.
		option.WithMaxRetries(0),
	}
	return &Client{
		client: anthropic.NewClient(append(base, opts...)...),
		model:  model,
	}
}

// Name implements triage.Provider.
func (c *Client) Name() string { return ProviderName }

// Send implements triage.Provider.
func (c *Client) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKMessages(msgs []triage.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type != "text" {
				continue
			}
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
		}
		role := anthropic.MessageParamRoleUser
		if m.Role == "assistant" {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *triage.LLMResponse {
	resp := &triage.LLMResponse{
		StopReason: triage.StopReason(msg.StopReason),
		Usage: triage.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Model: string(msg.Model),
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			resp.Content = append(resp.Content, triage.ContentBlock{Type: "text", Text: block.Text})
		}
	}
	return resp
}
