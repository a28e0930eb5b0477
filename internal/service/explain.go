package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/adapter/llm"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/port/cache"
)

const explainPrompt = `You explain proposed agent tool calls to human reviewers.
Given the tool call below, respond with a single JSON object:
{"explanation": "<one paragraph, plain language, what this call does and its risks>", "score": <0.0-1.0 risk score, 1.0 is most dangerous>}.`

const maxExplainInput = 16 * 1024

// Explanation is the response of the explain endpoint.
type Explanation struct {
	Explanation string  `json:"explanation"`
	Score       float64 `json:"score"`
}

// ExplainService produces reviewer-facing explanations of tool calls,
// cached by content hash.
type ExplainService struct {
	llm   Completer
	cache cache.Cache
	ttl   time.Duration
}

// NewExplainService creates the explain backend.
func NewExplainService(completer Completer, c cache.Cache, ttl time.Duration) *ExplainService {
	return &ExplainService{llm: completer, cache: c, ttl: ttl}
}

// Explain returns an explanation for the given tool call text. Identical
// inputs are served from cache.
func (s *ExplainService) Explain(ctx context.Context, text string) (Explanation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Explanation{}, fmt.Errorf("%w: text is required", domain.ErrValidation)
	}
	if len(text) > maxExplainInput {
		return Explanation{}, fmt.Errorf("%w: text exceeds %d bytes", domain.ErrValidation, maxExplainInput)
	}

	key := explainKey(text)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var cached Explanation
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
	}

	raw, err := s.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: explainPrompt},
		{Role: "user", Content: text},
	})
	if err != nil {
		return Explanation{}, fmt.Errorf("explain: %w", err)
	}

	exp, err := parseExplanation(raw)
	if err != nil {
		return Explanation{}, err
	}

	if data, err := json.Marshal(exp); err == nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			slog.Debug("cache explain response", "error", err)
		}
	}
	return exp, nil
}

func explainKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "explain:" + hex.EncodeToString(sum[:])
}

func parseExplanation(raw string) (Explanation, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Explanation{}, fmt.Errorf("no JSON object in llm response")
	}

	var exp Explanation
	if err := json.Unmarshal([]byte(raw[start:end+1]), &exp); err != nil {
		return Explanation{}, fmt.Errorf("parse explanation: %w", err)
	}

	// Clamp the risk score to its documented range.
	switch {
	case exp.Score < 0:
		exp.Score = 0
	case exp.Score > 1:
		exp.Score = 1
	}
	return exp, nil
}
