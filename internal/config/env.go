package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverrides lists every environment variable novelloop reads.
type envOverrides struct {
	GeminiAPIKey      string `env:"GEMINI_API_KEY"`
	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string `env:"OPENAI_BASE_URL"`
	LLMProvider       string `env:"NOVELLOOP_LLM_PROVIDER"`
	LLMModel          string `env:"NOVELLOOP_LLM_MODEL"`
	EmbeddingProvider string `env:"NOVELLOOP_EMBEDDING_PROVIDER"`
	EmbeddingModel    string `env:"NOVELLOOP_EMBEDDING_MODEL"`
	EmbeddingTag      string `env:"NOVELLOOP_EMBEDDING_TAG"`
	OllamaHost        string `env:"OLLAMA_HOST"`
	DatabasePath      string `env:"NOVELLOOP_DB"`
	LogLevel          string `env:"NOVELLOOP_LOG_LEVEL"`
	OTelEndpoint      string `env:"NOVELLOOP_OTEL_ENDPOINT"`
	OTelEnabled       *bool  `env:"NOVELLOOP_OTEL_ENABLED"`
}

// DotEnvFiles are loaded, if present, before environment overrides.
// Existing environment variables are never overwritten.
var DotEnvFiles = []string{".env"}

// LoadDotEnv loads DotEnvFiles into the process environment.
func LoadDotEnv() error {
	for _, f := range DotEnvFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
// An explicit provider wins; otherwise the last API key found picks it.
func (c *Config) applyEnvOverrides() error {
	var e envOverrides
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if e.OpenAIAPIKey != "" {
		c.LLM.APIKey = e.OpenAIAPIKey
		c.LLM.Provider = "openai"
	}
	if e.GeminiAPIKey != "" {
		c.LLM.APIKey = e.GeminiAPIKey
		c.LLM.Provider = "gemini"
	}
	if e.LLMProvider != "" {
		c.LLM.Provider = e.LLMProvider
		switch e.LLMProvider {
		case "gemini":
			if e.GeminiAPIKey != "" {
				c.LLM.APIKey = e.GeminiAPIKey
			}
		case "openai":
			if e.OpenAIAPIKey != "" {
				c.LLM.APIKey = e.OpenAIAPIKey
			}
		}
	}
	if e.LLMModel != "" {
		c.LLM.Model = e.LLMModel
	}
	if e.OpenAIBaseURL != "" && c.LLM.Provider == "openai" {
		c.LLM.BaseURL = e.OpenAIBaseURL
	}

	if e.EmbeddingProvider != "" {
		c.Embedding.Provider = e.EmbeddingProvider
	}
	if e.EmbeddingModel != "" {
		c.Embedding.Model = e.EmbeddingModel
	}
	if e.EmbeddingTag != "" {
		c.Embedding.Tag = e.EmbeddingTag
	}
	if c.Embedding.APIKey == "" {
		switch c.Embedding.Provider {
		case "genai":
			c.Embedding.APIKey = e.GeminiAPIKey
		case "openai":
			c.Embedding.APIKey = e.OpenAIAPIKey
			if c.Embedding.BaseURL == "" {
				c.Embedding.BaseURL = e.OpenAIBaseURL
			}
		}
	}
	if e.OllamaHost != "" && c.Embedding.Provider == "ollama" {
		c.Embedding.BaseURL = e.OllamaHost
	}

	if e.DatabasePath != "" {
		c.Database.Path = e.DatabasePath
	}
	if e.LogLevel != "" {
		c.Logging.Level = e.LogLevel
	}
	if e.OTelEndpoint != "" {
		c.Telemetry.Endpoint = e.OTelEndpoint
		c.Telemetry.Enabled = true
	}
	if e.OTelEnabled != nil {
		c.Telemetry.Enabled = *e.OTelEnabled
	}
	return nil
}
