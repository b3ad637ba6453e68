package config

import (
	"fmt"
	"os"
)

const defaultJinaEndpoint = "https://api.jina.ai/v1/embeddings"

// EmbeddingConfig configures the embedding provider used by the reembed job.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`    // "jina" or "openai-compatible"
	Model      string `mapstructure:"model"`       // Model name/ID
	APIKey     string `mapstructure:"api_key"`     // API key (can be set directly or via env var)
	APIKeyEnv  string `mapstructure:"api_key_env"` // Environment variable name for API key
	BaseURL    string `mapstructure:"base_url"`    // Full embeddings endpoint URL
	Dimensions int    `mapstructure:"dimensions"`  // Embedding vector dimensions
	Collection string `mapstructure:"collection"`  // Qdrant collection override
}

// ResolveEnvVars loads the API key from APIKeyEnv when it is not set directly.
func (c *EmbeddingConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultJinaEndpoint
	}
}

// Validate checks that the embedding configuration has all required fields.
// Returns an error describing the first validation failure, or nil if valid.
func (c *EmbeddingConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("embedding: provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("embedding: model is required")
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("embedding: dimensions must be positive")
	}

	switch c.Provider {
	case "jina", "openai-compatible":
	default:
		return fmt.Errorf("embedding: unknown provider %q", c.Provider)
	}

	return nil
}

// ValidateWithAPIKey validates the configuration including API key requirement.
// Use this when the embedding will actually be used (not just configured).
func (c *EmbeddingConfig) ValidateWithAPIKey() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("embedding: api_key is required (set directly or via %s)", c.APIKeyEnv)
	}
	return nil
}

// GetCollection returns the collection name for this embedding.
// If Collection is empty, returns the provided default collection name.
func (c *EmbeddingConfig) GetCollection(defaultCollection string) string {
	if c.Collection != "" {
		return c.Collection
	}
	return defaultCollection
}
