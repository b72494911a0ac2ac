package main

import (
	"context"
	"fmt"

	"novelloop/internal/config"
	"novelloop/internal/embedding"
	"novelloop/internal/guard"
	"novelloop/internal/lifecycle"
	"novelloop/internal/llm"
	"novelloop/internal/logging"
	"novelloop/internal/orchestrator"
	"novelloop/internal/prompt"
	"novelloop/internal/retrieval"
	"novelloop/internal/review"
	"novelloop/internal/store"
	"novelloop/internal/storycontext"
	"novelloop/internal/writer"
)

// newBackends builds the model and embedding backends. Tests replace it
// with scripted ones.
var newBackends = func(ctx context.Context, cfg *config.Config) (llm.Provider, embedding.EmbeddingEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	provider, err := llm.NewProvider(ctx, cfg.LLM)
	if err != nil {
		return nil, nil, err
	}
	engine, err := embedding.NewEngine(ctx, cfg.Embedding)
	if err != nil {
		return nil, nil, err
	}
	return provider, engine, nil
}

func openStore(cfg *config.Config) (*store.LocalStore, error) {
	s, err := store.NewLocalStore(cfg.Database.Path, cfg.GetBusyTimeout())
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Database.Path, err)
	}
	return s, nil
}

func newAdapter(ctx context.Context, cfg *config.Config) (*llm.Adapter, error) {
	provider, engine, err := newBackends(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logging.Boot("llm provider %s/%s, embedding %s (tag %s)", provider.Name(), provider.Model(), engine.Name(), cfg.Embedding.Tag)
	opts := []llm.AdapterOption{
		llm.WithRetryPolicy(llm.NewRetryPolicy(cfg.Retry)),
		llm.WithCallTimeout(cfg.GetLLMTimeout()),
	}
	if cfg.LLM.Temperature > 0 {
		opts = append(opts, llm.WithTemperature(cfg.LLM.Temperature))
	}
	return llm.NewAdapter(provider, engine, opts...), nil
}

func buildOrchestrator(ctx context.Context, cfg *config.Config, s *store.LocalStore) (*orchestrator.Orchestrator, error) {
	adapter, err := newAdapter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	corpus, err := prompt.LoadEmbeddedCorpus()
	if err != nil {
		return nil, err
	}
	p := cfg.Pipeline
	return orchestrator.New(orchestrator.Deps{
		Loader:    storycontext.NewLoader(s, p),
		Writer:    writer.New(adapter, s, corpus, p),
		Guard:     guard.NewValidator(p),
		Reviewer:  review.New(adapter, corpus, p),
		Retriever: retrieval.New(s, adapter, cfg.Embedding.Tag, p),
		Lifecycle: lifecycle.New(s, adapter, cfg.Embedding.Tag, p),
		Runs:      s,
	}, p), nil
}
