package triage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultProviderTimeout bounds a single remote classify or draft call.
const DefaultProviderTimeout = 30 * time.Second

const classifyMaxTokens = 256

// Classification is a predicted category with its confidence in [0,1].
type Classification struct {
	Category   Category
	Confidence float64
	Model      ModelInfo
}

// Classifier maps ticket text to a category.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Classification, error)
}

// categoryKeywords is matched as word prefixes against normalized text, so
// "refund" also counts "refunds" and "refunded".
var categoryKeywords = map[Category][]string{
	CategoryBilling: {
		"refund", "invoice", "charge", "payment", "billing",
		"subscription", "receipt", "price", "overcharged",
	},
	CategoryTech: {
		"error", "bug", "crash", "login", "log in", "password", "broken",
		"not working", "install", "timeout", "outage",
	},
	CategoryShipping: {
		"shipping", "shipment", "delivery", "delivered", "package", "parcel",
		"tracking", "courier", "shipped", "arrive",
	},
}

// KeywordClassifier is the deterministic classifier. It never fails.
type KeywordClassifier struct{}

// Classify implements Classifier.
func (KeywordClassifier) Classify(_ context.Context, text string) (*Classification, error) {
	return classifyKeywords(text), nil
}

func classifyKeywords(text string) *Classification {
	norm := " " + normalizeText(text) + " "

	best := CategoryOther
	bestCount := 0
	for _, c := range Categories {
		n := 0
		for _, kw := range categoryKeywords[c] {
			n += strings.Count(norm, " "+kw)
		}
		// strict > keeps the earliest category on ties
		if n > bestCount {
			best, bestCount = c, n
		}
	}

	return &Classification{
		Category:   best,
		Confidence: keywordConfidence(bestCount),
		Model: ModelInfo{
			Provider:      "local",
			Model:         "keyword",
			PromptVersion: KeywordVersion,
			Mode:          ModeLocal,
		},
	}
}

// keywordConfidence is min(0.9, 0.6 + 0.1*n), computed in tenths to stay exact.
func keywordConfidence(n int) float64 {
	return math.Min(0.9, float64(6+n)/10)
}

// normalizeText lowercases s and collapses every run of non letter/digit
// characters into a single space.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// RemoteClassifier asks an LLM provider for the category and falls back to
// the keyword classifier on any provider, timeout or decode failure. It never
// returns an error; degraded results carry ModeFallback.
type RemoteClassifier struct {
	provider Provider
	timeout  time.Duration
	logger   log.Logger
}

// NewRemoteClassifier creates a classifier backed by provider.
func NewRemoteClassifier(provider Provider, timeout time.Duration, logger log.Logger) *RemoteClassifier {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &RemoteClassifier{provider: provider, timeout: timeout, logger: logger}
}

type classifyResponse struct {
	PredictedCategory string   `json:"predictedCategory"`
	Confidence        *float64 `json:"confidence"`
}

// Classify implements Classifier.
func (c *RemoteClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	start := time.Now()
	res, err := c.classifyRemote(ctx, text)
	if err == nil {
		res.Model.LatencySeconds = time.Since(start).Seconds()
		return res, nil
	}

	c.logger.Warn(ctx, "remote classification failed, using keyword fallback",
		"provider", c.provider.Name(),
		"error", err.Error(),
	)
	fb := classifyKeywords(text)
	fb.Model.Mode = ModeFallback
	fb.Model.FallbackReason = err.Error()
	fb.Model.LatencySeconds = time.Since(start).Seconds()
	return fb, nil
}

func (c *RemoteClassifier) classifyRemote(ctx context.Context, text string) (*Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.provider.Send(ctx, &LLMRequest{
		MaxTokens: classifyMaxTokens,
		System:    systemPrompt,
		Messages:  userMessage(buildClassifyPrompt(text)),
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", c.provider.Name(), err)
	}

	var out classifyResponse
	if err := decodeJSONObject(resp.Text(), &out); err != nil {
		return nil, err
	}
	cat := Category(strings.ToLower(strings.TrimSpace(out.PredictedCategory)))
	if !cat.Valid() {
		return nil, fmt.Errorf("unknown category %q", out.PredictedCategory)
	}
	if out.Confidence == nil {
		return nil, errors.New("missing confidence")
	}
	conf := *out.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return nil, fmt.Errorf("confidence %v out of range", conf)
	}

	return &Classification{
		Category:   cat,
		Confidence: conf,
		Model: ModelInfo{
			Provider:      c.provider.Name(),
			Model:         resp.Model,
			PromptVersion: ClassifyPromptVersion,
			Mode:          ModeRemote,
		},
	}, nil
}
