// Package llm ranks discovered pages through an OpenAI-compatible chat completions API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

const promptTemplate = `You are choosing which pages of a website to audit.
Pick the %d most important URLs from the list below.
Prefer canonical page types: home, about, contact, services or products, pricing, blog, FAQ, privacy, terms.
Exclude low-value pages: pagination, URLs with session or tracking parameters, login, logout, search results.
Answer with one URL per line, most important first, and nothing else.

URLs:
%s`

var listPrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// Config wires the ranker to a chat completions API.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	// Referer and Title are sent as OpenRouter attribution headers when set.
	Referer string
	Title   string
}

// Ranker implements scan.Ranker.
type Ranker struct {
	cfg    Config
	client *openai.Client
	logger *zap.Logger
}

var _ scan.Ranker = (*Ranker)(nil)

// NewRanker builds a Ranker. Deadlines come from the caller's context.
func NewRanker(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Ranker, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm: model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	withHeaders := *httpClient
	withHeaders.Transport = attribution{base: httpClient.Transport, referer: cfg.Referer, title: cfg.Title}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	clientCfg.HTTPClient = &withHeaders

	return &Ranker{cfg: cfg, client: openai.NewClientWithConfig(clientCfg), logger: logger}, nil
}

// attribution adds the OpenRouter app headers to every request.
type attribution struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (a attribution) RoundTrip(req *http.Request) (*http.Response, error) {
	base := a.base
	if base == nil {
		base = http.DefaultTransport
	}
	if a.referer == "" && a.title == "" {
		return base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	if a.referer != "" {
		req.Header.Set("HTTP-Referer", a.referer)
	}
	if a.title != "" {
		req.Header.Set("X-Title", a.title)
	}
	return base.RoundTrip(req)
}

// Rank asks the model for the topN most important URLs and keeps only those present in urls.
func (r *Ranker) Rank(ctx context.Context, urls []string, topN int) ([]string, error) {
	if len(urls) == 0 || topN <= 0 {
		return nil, nil
	}
	start := time.Now()
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(urls, topN)},
		},
		MaxTokens: r.cfg.MaxTokens,
	})
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: reply has no choices", scan.ErrRankerMalformed)
	}

	ranked := ParseReply(resp.Choices[0].Message.Content, urls, topN)
	r.logger.Debug("ranking reply parsed",
		zap.String("model", resp.Model),
		zap.Int("candidates", len(urls)),
		zap.Int("kept", len(ranked)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: no known URLs in reply", scan.ErrRankerMalformed)
	}
	return ranked, nil
}

func buildPrompt(urls []string, topN int) string {
	return fmt.Sprintf(promptTemplate, topN, strings.Join(urls, "\n"))
}

// ParseReply pulls one URL per line out of a model reply. Bullets and numbering
// are stripped, unknown and repeated URLs are dropped and at most topN are kept.
func ParseReply(text string, allowed []string, topN int) []string {
	known := make(map[string]string, len(allowed))
	for _, u := range allowed {
		known[canonical(u)] = u
	}
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if len(out) >= topN {
			break
		}
		line = listPrefix.ReplaceAllString(strings.TrimSpace(line), "")
		line = strings.Trim(line, "<>`\"' ")
		if !strings.Contains(line, "http") {
			continue
		}
		original, ok := known[canonical(line)]
		if !ok {
			continue
		}
		if _, dup := seen[original]; dup {
			continue
		}
		seen[original] = struct{}{}
		out = append(out, original)
	}
	return out
}

func canonical(raw string) string {
	if n, err := scan.NormalizeURL(raw); err == nil {
		return n
	}
	return strings.TrimSpace(raw)
}

func classifyError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", scan.ErrRankerTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %v", scan.ErrRankerTimeout, err)
	}
	var (
		apiErr    *openai.APIError
		reqErr    *openai.RequestError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &apiErr):
		return fmt.Errorf("%w: status %d: %s", scan.ErrRankerUnavailable, apiErr.HTTPStatusCode, apiErr.Message)
	case errors.As(err, &reqErr):
		return fmt.Errorf("%w: status %d: %v", scan.ErrRankerUnavailable, reqErr.HTTPStatusCode, reqErr.Err)
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return fmt.Errorf("%w: decode reply: %v", scan.ErrRankerMalformed, err)
	}
	return fmt.Errorf("%w: %v", scan.ErrRankerUnavailable, err)
}
