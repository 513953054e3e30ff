package triage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func TestKeywordClassifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		wantCat  Category
		wantConf float64
	}{
		{"two billing words", "refund invoice", CategoryBilling, 0.8},
		{"no keywords", "hello there", CategoryOther, 0.6},
		{"empty", "", CategoryOther, 0.6},
		{"single keyword", "I cannot log in", CategoryTech, 0.7},
		{"punctuation and case", "LOGIN-ERROR!!!", CategoryTech, 0.8},
		{"prefix match", "my package has not arrived and tracking is stuck", CategoryShipping, 0.9},
		{"confidence capped", "refund refund refund refund refund refund", CategoryBilling, 0.9},
		{"tie keeps enumeration order", "refund after the crash", CategoryBilling, 0.7},
		{"tech beats billing", "payment page error crash bug", CategoryTech, 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := KeywordClassifier{}.Classify(context.Background(), tt.text)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if got.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", got.Category, tt.wantCat)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
			if got.Model.Mode != ModeLocal {
				t.Errorf("Mode = %q, want local", got.Model.Mode)
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Hello,   World!", "hello world"},
		{"  --log-in--  ", "log in"},
		{"Café №5", "café 5"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeText(tt.in); got != tt.want {
			t.Errorf("normalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// blockingProvider waits for its context to expire.
type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }

func (blockingProvider) Send(ctx context.Context, _ *LLMRequest) (*LLMResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRemoteClassifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		resp       *LLMResponse
		err        error
		wantCat    Category
		wantConf   float64
		wantMode   Mode
		wantReason string
	}{
		{
			name:     "valid",
			resp:     textResponse(`{"predictedCategory": "shipping", "confidence": 0.83}`),
			wantCat:  CategoryShipping,
			wantConf: 0.83,
			wantMode: ModeRemote,
		},
		{
			name:     "prose around json",
			resp:     textResponse("Sure! {\"predictedCategory\": \"Tech\", \"confidence\": 0.5} Hope that helps."),
			wantCat:  CategoryTech,
			wantConf: 0.5,
			wantMode: ModeRemote,
		},
		{
			name:       "provider error",
			err:        errors.New("status 500"),
			wantCat:    CategoryBilling,
			wantConf:   0.8,
			wantMode:   ModeFallback,
			wantReason: "status 500",
		},
		{
			name:       "unknown category",
			resp:       textResponse(`{"predictedCategory": "sales", "confidence": 0.9}`),
			wantCat:    CategoryBilling,
			wantConf:   0.8,
			wantMode:   ModeFallback,
			wantReason: "unknown category",
		},
		{
			name:       "confidence out of range",
			resp:       textResponse(`{"predictedCategory": "tech", "confidence": 1.2}`),
			wantCat:    CategoryBilling,
			wantConf:   0.8,
			wantMode:   ModeFallback,
			wantReason: "out of range",
		},
		{
			name:       "missing confidence",
			resp:       textResponse(`{"predictedCategory": "tech"}`),
			wantCat:    CategoryBilling,
			wantConf:   0.8,
			wantMode:   ModeFallback,
			wantReason: "missing confidence",
		},
		{
			name:       "not json",
			resp:       textResponse("billing, probably"),
			wantCat:    CategoryBilling,
			wantConf:   0.8,
			wantMode:   ModeFallback,
			wantReason: errNoJSON.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := &mockProvider{}
			if tt.resp != nil {
				p.responses = []*LLMResponse{tt.resp}
			}
			if tt.err != nil {
				p.errs = []error{tt.err}
			}

			c := NewRemoteClassifier(p, time.Second, log.Nop())
			got, err := c.Classify(context.Background(), "refund invoice")
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if got.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", got.Category, tt.wantCat)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
			if got.Model.Mode != tt.wantMode {
				t.Errorf("Mode = %q, want %q", got.Model.Mode, tt.wantMode)
			}
			if !strings.Contains(got.Model.FallbackReason, tt.wantReason) {
				t.Errorf("FallbackReason = %q, want it to contain %q", got.Model.FallbackReason, tt.wantReason)
			}
		})
	}
}

func TestRemoteClassifier_Timeout(t *testing.T) {
	t.Parallel()

	c := NewRemoteClassifier(blockingProvider{}, 10*time.Millisecond, log.Nop())
	got, err := c.Classify(context.Background(), "refund invoice")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !got.Model.Degraded() {
		t.Error("expected degraded result after timeout")
	}
	if !strings.Contains(got.Model.FallbackReason, context.DeadlineExceeded.Error()) {
		t.Errorf("FallbackReason = %q", got.Model.FallbackReason)
	}
}

func TestRemoteClassifier_PromptCarriesTicket(t *testing.T) {
	t.Parallel()

	p := &mockProvider{responses: []*LLMResponse{textResponse(`{"predictedCategory":"other","confidence":0.4}`)}}
	c := NewRemoteClassifier(p, 0, nil)

	if _, err := c.Classify(context.Background(), "Where is my order?"); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	req := p.requests[0]
	if req.System != systemPrompt {
		t.Error("expected fixed system prompt")
	}
	if req.MaxTokens != classifyMaxTokens {
		t.Errorf("MaxTokens = %d", req.MaxTokens)
	}
	if !strings.Contains(req.Messages[0].Content[0].Text, "Where is my order?") {
		t.Error("prompt missing ticket text")
	}
}
