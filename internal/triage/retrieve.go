package triage

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	// DefaultArticleLimit is how many candidate articles a run retrieves.
	DefaultArticleLimit = 3

	// MaxQueryRunes bounds the search query derived from a ticket.
	MaxQueryRunes = 512

	minQueryWordLen = 3
	maxQueryWords   = 20
)

// Retrieval is the ordered result of a knowledge-base search.
type Retrieval struct {
	Query    string
	Articles []Article
	Fallback bool
}

// IDs returns the article ids in rank order.
func (r *Retrieval) IDs() []string {
	ids := make([]string, 0, len(r.Articles))
	for _, a := range r.Articles {
		ids = append(ids, a.ID)
	}
	return ids
}

// Retriever is a thin façade over a KnowledgeBase that owns the fallback and
// ordering rules.
type Retriever struct {
	kb KnowledgeBase
}

// NewRetriever creates a Retriever over kb.
func NewRetriever(kb KnowledgeBase) *Retriever {
	return &Retriever{kb: kb}
}

// Search runs a ranked search restricted to category (unless it is "other"),
// falling back to a loose tag/title match when that finds nothing. Results are
// ordered by score, highest first, and truncated to limit.
func (r *Retriever) Search(ctx context.Context, query string, category Category, limit int) (*Retrieval, error) {
	if limit <= 0 {
		limit = DefaultArticleLimit
	}
	if category == CategoryOther {
		category = ""
	}

	arts, err := r.kb.SearchArticles(ctx, query, category, limit)
	if err != nil {
		return nil, fmt.Errorf("search articles: %w", err)
	}

	res := &Retrieval{Query: query}
	if len(arts) == 0 {
		res.Fallback = true
		if words := queryWords(query); len(words) > 0 {
			arts, err = r.kb.MatchArticles(ctx, words, limit)
			if err != nil {
				return nil, fmt.Errorf("match articles: %w", err)
			}
		}
	}

	sort.SliceStable(arts, func(i, j int) bool {
		return arts[i].Score > arts[j].Score
	})
	if len(arts) > limit {
		arts = arts[:limit]
	}
	res.Articles = arts
	return res, nil
}

// buildQuery derives the search query from a ticket.
func buildQuery(t *Ticket) string {
	q := strings.TrimSpace(t.Title + " " + t.Description)
	return truncateRunes(q, MaxQueryRunes)
}

// queryWords returns the distinct lowercase words of q worth matching on.
func queryWords(q string) []string {
	seen := make(map[string]struct{})
	var words []string
	for _, w := range strings.Fields(normalizeText(q)) {
		if len([]rune(w)) < minQueryWordLen {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
		if len(words) == maxQueryWords {
			break
		}
	}
	return words
}
