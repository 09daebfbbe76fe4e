// Package engine retells rumors with Gemini. It implements rumor.Rewriter.
package engine

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"

	"github.com/tatianab/worldcore/internal/resilience"
	"github.com/tatianab/worldcore/internal/rumor"
)

//go:embed prompts/mutate_rumor.txt
var mutateRumorPrompt string

var mutateTmpl = template.Must(template.New("mutate_rumor").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(mutateRumorPrompt))

const DefaultModel = "gemini-2.5-flash"

// ErrNoContent is returned when the model answers with nothing usable.
var ErrNoContent = errors.New("no content returned from Gemini")

// Generator is the part of *genai.GenerativeModel the engine uses.
type Generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type Engine struct {
	client  *genai.Client
	model   Generator
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	cbCfg   resilience.BreakerConfig
	timeout time.Duration
	logger  *log.Logger
}

type Option func(*Engine)

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRateLimit caps requests per second. Zero or less disables the limit.
func WithRateLimit(rps float64) Option {
	return func(e *Engine) {
		if rps <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithTimeout bounds each rewrite, waiting on the limiter included.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(e *Engine) { e.cbCfg = cfg }
}

// NewEngine connects to Gemini with apiKey.
func NewEngine(ctx context.Context, apiKey, modelName string, opts ...Option) (*Engine, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.9)
	model.SetMaxOutputTokens(256)

	e := New(model, opts...)
	e.client = client
	return e, nil
}

// New wraps an existing generator.
func New(model Generator, opts ...Option) *Engine {
	e := &Engine{
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(2), 1),
		cbCfg:   resilience.BreakerConfig{Name: "gemini"},
		timeout: 10 * time.Second,
		logger:  log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breaker = resilience.NewBreaker(e.cbCfg, e.logger)
	return e
}

func (e *Engine) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

// Rewrite retells req.Content. Failures are returned so the caller can fall
// back to its local mutation.
func (e *Engine) Rewrite(ctx context.Context, req rumor.RewriteRequest) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	prompt, err := renderPrompt(req)
	if err != nil {
		return "", err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rewrite rate limit: %w", err)
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		resp, err := e.model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return nil, err
		}
		return responseText(resp)
	})
	if err != nil {
		return "", fmt.Errorf("rewrite rumor: %w", err)
	}

	content, err := parseRewrite(out.(string))
	if err != nil {
		return "", err
	}
	return content, nil
}

func renderPrompt(req rumor.RewriteRequest) (string, error) {
	categories := make([]string, len(req.Categories))
	for i, c := range req.Categories {
		categories[i] = string(c)
	}
	data := struct {
		Content    string
		EntityID   string
		Categories []string
		Severity   string
		TruthValue float64
	}{
		Content:    req.Content,
		EntityID:   req.EntityID,
		Categories: categories,
		Severity:   req.Severity.String(),
		TruthValue: req.TruthValue,
	}
	if data.EntityID == "" {
		data.EntityID = "someone"
	}

	var buf bytes.Buffer
	if err := mutateTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrNoContent
	}
	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return "", fmt.Errorf("unexpected response type from Gemini")
	}
	return string(text), nil
}

// parseRewrite reads the YAML answer, accepting a bare sentence when the
// model ignores the format.
func parseRewrite(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```yaml")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	var result struct {
		Content string `yaml:"content"`
	}
	content := clean
	if err := yaml.Unmarshal([]byte(clean), &result); err == nil && result.Content != "" {
		content = result.Content
	}

	content = strings.TrimSpace(content)
	content = strings.Trim(content, `"'`)
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrNoContent
	}
	return content, nil
}

var _ rumor.Rewriter = (*Engine)(nil)
