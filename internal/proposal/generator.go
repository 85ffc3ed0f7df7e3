package proposal

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/telemetry"
)

const scope = "shipline/proposal"

const defaultMaxTokens = 8192

// Generator drafts a change proposal for one ticket.
type Generator interface {
	Generate(ctx context.Context, in domain.Instruction) (domain.Proposal, error)
}

// LLMGenerator renders the instruction into a prompt and parses the
// model's reply.
type LLMGenerator struct {
	Provider  Provider
	Model     string
	MaxTokens int64
	prompt    *template.Template
}

func NewLLMGenerator(p Provider, model string, maxTokens int) (*LLMGenerator, error) {
	if p == nil {
		return nil, fmt.Errorf("nil provider")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("%w: generator.model", config.ErrMissing)
	}
	tmpl, err := template.New("instruction").Parse(instructionTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse instruction template: %w", err)
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	genMetricsOnce.Do(initGenMetrics)
	return &LLMGenerator{Provider: p, Model: model, MaxTokens: int64(maxTokens), prompt: tmpl}, nil
}

// FromConfig builds the generator the config selects.
func FromConfig(cfg *config.Config) (*LLMGenerator, error) {
	if strings.TrimSpace(cfg.Secrets.LLMAPIKey) == "" {
		return nil, fmt.Errorf("%w: %s", config.ErrMissing, config.EnvLLMAPIKey)
	}
	p, err := NewProvider(ProviderConfig{
		Type:    cfg.Generator.Provider,
		BaseURL: cfg.Generator.BaseURL,
		APIKey:  cfg.Secrets.LLMAPIKey,
	})
	if err != nil {
		return nil, err
	}
	return NewLLMGenerator(p, cfg.Generator.Model, cfg.Generator.MaxTokens)
}

var genMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
	failures     metric.Int64Counter
}

var genMetricsOnce sync.Once

func initGenMetrics() {
	m := telemetry.Meter(scope)
	genMetrics.inputTokens, _ = m.Int64Counter("shipline.generator.input_tokens",
		metric.WithDescription("Prompt tokens sent to the generator"),
		metric.WithUnit("{token}"),
	)
	genMetrics.outputTokens, _ = m.Int64Counter("shipline.generator.output_tokens",
		metric.WithDescription("Completion tokens returned by the generator"),
		metric.WithUnit("{token}"),
	)
	genMetrics.duration, _ = m.Float64Histogram("shipline.generator.request.duration",
		metric.WithDescription("Generator request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	genMetrics.failures, _ = m.Int64Counter("shipline.generator.failures",
		metric.WithDescription("Generator calls that returned an error or malformed output"),
	)
}

// Generate returns ErrTransient-wrapped errors for failures worth another
// attempt and ErrMalformed-wrapped errors for unusable output.
func (g *LLMGenerator) Generate(ctx context.Context, in domain.Instruction) (domain.Proposal, error) {
	ctx, span := telemetry.Tracer(scope).Start(ctx, "proposal.generate")
	defer span.End()
	attrs := []attribute.KeyValue{
		attribute.String("shipline.generator.provider", g.Provider.Name()),
		attribute.String("shipline.generator.model", g.Model),
	}
	span.SetAttributes(append(attrs, attribute.String("shipline.ticket", in.TicketKey))...)

	prompt, err := g.render(in)
	if err != nil {
		return nil, err
	}
	t0 := time.Now()
	out, err := g.Provider.Complete(ctx, Request{
		Model:     g.Model,
		System:    systemPrompt,
		Prompt:    prompt,
		MaxTokens: g.MaxTokens,
	})
	ms := float64(time.Since(t0).Milliseconds())
	if genMetrics.duration != nil {
		genMetrics.duration.Record(ctx, ms, metric.WithAttributes(attrs...))
	}
	if err != nil {
		g.fail(ctx, span, attrs, err)
		if retryable(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrTransient, g.Provider.Name(), err)
		}
		return nil, fmt.Errorf("%s: %w", g.Provider.Name(), err)
	}
	if genMetrics.inputTokens != nil {
		genMetrics.inputTokens.Add(ctx, out.InputTokens, metric.WithAttributes(attrs...))
		genMetrics.outputTokens.Add(ctx, out.OutputTokens, metric.WithAttributes(attrs...))
	}
	span.SetAttributes(
		attribute.Int64("shipline.generator.input_tokens", out.InputTokens),
		attribute.Int64("shipline.generator.output_tokens", out.OutputTokens),
	)

	p, err := Parse(out.Text)
	if err != nil {
		g.fail(ctx, span, attrs, err)
		return nil, err
	}
	if pr, ok := p.(domain.GitHubPRProposal); ok && in.Repo != "" && !strings.EqualFold(pr.Payload.Repo, in.Repo) {
		err := fmt.Errorf("%w: proposal targets %s, expected %s", ErrMalformed, pr.Payload.Repo, in.Repo)
		g.fail(ctx, span, attrs, err)
		return nil, err
	}
	return p, nil
}

func (g *LLMGenerator) fail(ctx context.Context, span trace.Span, attrs []attribute.KeyValue, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if genMetrics.failures != nil {
		genMetrics.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (g *LLMGenerator) render(in domain.Instruction) (string, error) {
	var buf bytes.Buffer
	if err := g.prompt.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("render instruction: %w", err)
	}
	return buf.String(), nil
}

const systemPrompt = `You are a senior software engineer drafting a single pull request for a ticket.
Reply with exactly one JSON object and nothing else. The object must have this shape:

{
  "kind": "github_pr",
  "summary": "one paragraph describing the change",
  "payload": {
    "repo": "owner/name",
    "prTitle": "short imperative title",
    "prBody": "markdown description",
    "commitMessage": "commit message",
    "branchName": "optional branch name",
    "files": [{"path": "relative/path.ext", "content": "full new file content"}]
  },
  "quality": {
    "assumptions": ["..."],
    "risks": ["..."],
    "testPlan": ["..."],
    "rollbackPlan": ["..."]
  }
}

Paths are relative to the repository root. Every file carries its complete content.
Do not add fields that are not listed above.`

const instructionTemplate = `Ticket: {{.TicketKey}}
Repository: {{.Repo}}
Run: {{.RunTimestamp}} (fingerprint {{.FingerprintShort}})

## Summary
{{.Summary}}

## Description
{{.Description}}

## Acceptance Criteria
{{.AcceptanceCriteria}}

Mention {{.TicketKey}} and fingerprint {{.FingerprintShort}} in the pull request body.`
