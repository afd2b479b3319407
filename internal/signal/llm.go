package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

const (
	llmShortTimeout = 5 * time.Second // keywords, entity extraction
	llmLongTimeout  = 8 * time.Second // narrative explanations
)

// LLMClient talks to an OpenAI-compatible chat endpoint. Everything it
// produces has a deterministic fallback, so a missing key or a timeout is
// never fatal; callers get an error and degrade.
type LLMClient struct {
	http    *resty.Client
	model   string
	enabled bool
	logger  *slog.Logger

	mu      sync.Mutex
	kwCache map[string]cachedStrings
	enCache map[string]cachedEntity
	now     func() time.Time
}

type cachedStrings struct {
	vals []string
	at   time.Time
}

type cachedEntity struct {
	entity   string
	category string
	terms    []string
	at       time.Time
}

// NewLLMClient creates the client. An empty API key disables it.
func NewLLMClient(baseURL, apiKey, model string, logger *slog.Logger) *LLMClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetHeader("Content-Type", "application/json")

	return &LLMClient{
		http:    client,
		model:   model,
		enabled: apiKey != "",
		logger:  logger.With("component", "llm"),
		kwCache: make(map[string]cachedStrings),
		enCache: make(map[string]cachedEntity),
		now:     time.Now,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *LLMClient) complete(ctx context.Context, prompt string, timeout time.Duration, maxTokens int) (string, error) {
	if !c.enabled {
		return "", fmt.Errorf("llm disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:       c.model,
			Messages:    []chatMessage{{Role: "user", Content: prompt}},
			Temperature: 0.2,
			MaxTokens:   maxTokens,
		}).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("llm request: status %d", resp.StatusCode())
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm request: empty response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// Keywords asks for 3-5 news search keywords for a market title. Cached
// hourly per title.
func (c *LLMClient) Keywords(ctx context.Context, title string) ([]string, error) {
	c.mu.Lock()
	if hit, ok := c.kwCache[title]; ok && c.now().Sub(hit.at) < time.Hour {
		c.mu.Unlock()
		return hit.vals, nil
	}
	c.mu.Unlock()

	prompt := fmt.Sprintf(
		"Give 3-5 short news search keywords for this prediction market, comma separated, nothing else: %q", title)
	raw, err := c.complete(ctx, prompt, llmShortTimeout, 60)
	if err != nil {
		return nil, err
	}
	var kws []string
	for _, part := range strings.Split(raw, ",") {
		if kw := strings.TrimSpace(part); kw != "" {
			kws = append(kws, kw)
		}
	}
	if len(kws) < 3 {
		return nil, fmt.Errorf("llm keywords: too few (%d)", len(kws))
	}
	if len(kws) > 5 {
		kws = kws[:5]
	}

	c.mu.Lock()
	c.kwCache[title] = cachedStrings{vals: kws, at: c.now()}
	c.mu.Unlock()
	return kws, nil
}

// Entity extracts {entity, category, terms} when no fixed vocabulary
// matched the title. Cached hourly per title; terms bounded to 5.
func (c *LLMClient) Entity(ctx context.Context, title, slug string) (string, string, []string, error) {
	c.mu.Lock()
	if hit, ok := c.enCache[title]; ok && c.now().Sub(hit.at) < time.Hour {
		c.mu.Unlock()
		return hit.entity, hit.category, hit.terms, nil
	}
	c.mu.Unlock()

	prompt := fmt.Sprintf(
		`Extract the main entity from this prediction market. Respond with JSON only: `+
			`{"entity":"...","category":"...","terms":["..."]} with at most 5 terms. Title: %q Slug: %q`,
		title, slug)
	raw, err := c.complete(ctx, prompt, llmShortTimeout, 120)
	if err != nil {
		return "", "", nil, err
	}

	var parsed struct {
		Entity   string   `json:"entity"`
		Category string   `json:"category"`
		Terms    []string `json:"terms"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return "", "", nil, fmt.Errorf("llm entity: unparseable response")
	}
	if len(parsed.Terms) > 5 {
		parsed.Terms = parsed.Terms[:5]
	}

	c.mu.Lock()
	c.enCache[title] = cachedEntity{entity: parsed.Entity, category: parsed.Category, terms: parsed.Terms, at: c.now()}
	c.mu.Unlock()
	return parsed.Entity, parsed.Category, parsed.Terms, nil
}

// Explain writes the one-paragraph movement narrative. No cache: each
// movement is explained once.
func (c *LLMClient) Explain(ctx context.Context, mv types.Movement, class types.Classification, headlines []string) (string, error) {
	var hl string
	if len(headlines) > 0 {
		hl = " Recent headlines: " + strings.Join(headlines, "; ") + "."
	}
	prompt := fmt.Sprintf(
		"In 2 sentences, explain this prediction market move for a trader. Market outcome %q moved %.1f%% "+
			"over the %s window on %.0f volume; classified %s.%s Plain prose, no preamble.",
		mv.Outcome, mv.PctChange*100, mv.WindowType, mv.WindowVolume, class, hl)
	return c.complete(ctx, prompt, llmLongTimeout, 160)
}

// extractJSON trims code fences and surrounding prose around a JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
