package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"novelloop/internal/embedding"
	"novelloop/internal/errs"
	"novelloop/internal/logging"
)

var tracer = otel.Tracer("novelloop/llm")

// Adapter is the single entry point for model and embedding calls.
type Adapter struct {
	provider   Provider
	embedder   embedding.EmbeddingEngine
	retry      RetryPolicy
	timeout    time.Duration
	maxRepairs int
	temp       *float64
}

// AdapterOption customizes an Adapter.
type AdapterOption func(*Adapter)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) AdapterOption {
	return func(a *Adapter) { a.retry = p }
}

// WithCallTimeout sets the per-attempt timeout.
func WithCallTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.timeout = d }
}

// WithMaxRepairs sets how many repair resubmissions structured calls get.
func WithMaxRepairs(n int) AdapterOption {
	return func(a *Adapter) { a.maxRepairs = n }
}

// WithTemperature sets the sampling temperature of requests that leave it unset.
func WithTemperature(t float64) AdapterOption {
	return func(a *Adapter) { a.temp = &t }
}

// NewAdapter wires a provider and an embedding engine.
func NewAdapter(provider Provider, embedder embedding.EmbeddingEngine, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		provider: provider,
		embedder: embedder,
		retry: RetryPolicy{
			MaxAttempts: 5,
			Base:        600 * time.Millisecond,
			Max:         60 * time.Second,
			Jitter:      0.2,
		},
		timeout:    180 * time.Second,
		maxRepairs: 2,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// EmbeddingEngineName returns "<provider>:<model>" of the embedder.
func (a *Adapter) EmbeddingEngineName() string {
	if a.embedder == nil {
		return ""
	}
	return a.embedder.Name()
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate performs one logical model call with timeout and retry.
// An empty reply is a retryable upstream error.
func (a *Adapter) Generate(ctx context.Context, purpose string, req Request) (*Response, error) {
	op := "llm." + purpose
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", a.provider.Name()),
		attribute.String("llm.model", a.provider.Model()),
		attribute.Int("llm.tools", len(req.Tools)),
	)

	if req.Temperature == nil {
		req.Temperature = a.temp
	}

	var resp *Response
	attempts := 0
	err := a.retry.Do(ctx, op, func(ctx context.Context) error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		start := time.Now()
		r, err := a.provider.Generate(callCtx, req)
		if err == nil && r.Empty() {
			err = errs.Upstream(op, errs.ReasonEmptyResponse, nil)
		}
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = errs.Upstream(op, errs.ReasonTimeout, err)
		}
		if err != nil {
			err = errs.Classify(op, err)
		}
		logging.Audit().LLMCall(a.provider.Name(), a.provider.Model(), purpose, time.Since(start), err)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	span.SetAttributes(attribute.Int("llm.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// GenerateStructuredJSON calls the model with req.Schema set and decodes the
// validated object into out. Malformed output is resubmitted for repair up
// to maxRepairs times before a parse error is returned.
func (a *Adapter) GenerateStructuredJSON(ctx context.Context, purpose string, req Request, out any) error {
	if req.Schema == nil {
		return errs.Unexpected("llm."+purpose, fmt.Errorf("structured call without schema"))
	}
	resp, err := a.Generate(ctx, purpose, req)
	if err != nil {
		return err
	}
	return a.DecodeStructured(ctx, purpose, req, resp, out)
}

// DecodeStructured validates resp against req.Schema and runs the repair loop.
// The writer uses it after a tool round whose final turn must be JSON.
func (a *Adapter) DecodeStructured(ctx context.Context, purpose string, req Request, resp *Response, out any) error {
	op := "llm." + purpose
	validator := NewValidator(req.Schema)

	repairReq := req
	repairReq.Tools = nil
	repairReq.Messages = append([]Message(nil), req.Messages...)

	current := resp
	v := validator.Check(current.Text)
	for round := 1; !v.OK() && round <= a.maxRepairs; round++ {
		logging.Get(logging.CategoryAPI).Warn("%s: output rejected (%s), repair round %d/%d",
			op, strings.Join(v.Problems, "; "), round, a.maxRepairs)
		logging.Audit().Log(logging.AuditLLMRepair, op)

		repairReq.Messages = append(repairReq.Messages,
			Message{Role: RoleAssistant, Text: current.Text},
			UserText(repairPrompt(round, a.maxRepairs, v.Problems, req.Schema)),
		)
		next, err := a.Generate(ctx, purpose+".repair", repairReq)
		if err != nil {
			return err
		}
		current = next
		v = validator.Check(current.Text)
	}
	if !v.OK() {
		return errs.Parse(op, nil, "output failed schema after %d repairs: %s", a.maxRepairs, strings.Join(v.Problems, "; "))
	}

	if err := json.Unmarshal([]byte(v.JSON), out); err != nil {
		return errs.Parse(op, err, "decode validated output")
	}
	return nil
}

func repairPrompt(round, maxRounds int, problems []string, schema any) string {
	var b strings.Builder
	if round < maxRounds {
		b.WriteString("Your previous reply could not be used.\nProblems:\n")
		for _, p := range problems {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteString("\n")
		}
		b.WriteString("Reply again with only the JSON object. No prose, no code fences.")
		return b.String()
	}

	raw, _ := json.MarshalIndent(schema, "", "  ")
	b.WriteString("FINAL ATTEMPT. Your reply must be exactly one JSON object matching this schema:\n")
	b.Write(raw)
	b.WriteString("\nProblems with the previous reply:\n")
	for _, p := range problems {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	b.WriteString("Start with { and end with }. Output nothing else.")
	return b.String()
}

// =============================================================================
// EMBEDDINGS
// =============================================================================

// EmbedText embeds one text with timeout and retry.
func (a *Adapter) EmbedText(ctx context.Context, text string, purpose embedding.Purpose) ([]float32, error) {
	if a.embedder == nil {
		return nil, errs.Unexpected("llm.embed", fmt.Errorf("no embedding engine configured"))
	}
	ctx, span := tracer.Start(ctx, "llm.embed")
	defer span.End()
	span.SetAttributes(attribute.String("embedding.engine", a.embedder.Name()), attribute.Int("embedding.chars", len([]rune(text))))

	var vec []float32
	err := a.retry.Do(ctx, "llm.embed", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		v, err := a.embedder.Embed(callCtx, text, purpose)
		if err == nil && len(v) == 0 {
			err = errs.Upstream("llm.embed", errs.ReasonEmptyResponse, nil)
		}
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = errs.Upstream("llm.embed", errs.ReasonTimeout, err)
		}
		if err != nil {
			return errs.Classify("llm.embed", err)
		}
		vec = v
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vec, nil
}
